// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-streambuf"
)

func TestInspect(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	snap := streambuf.Snapshot{
		Position: 10,
		Size:     12,
		Extents: []streambuf.SnapshotExtent{
			{Offset: 10, Timestamp: 1_000_000_000, Data: []byte("GET ")},
			{Offset: 18, Timestamp: 2_000_000_000, Data: []byte("1.1\r")},
		},
	}

	var out strings.Builder

	req.NoError(inspect(&out, "conn.snap", snap, true))

	req.Equal(`conn.snap: position 10, size 12, buffered 8 bytes in 2 extents
OFFSET  LENGTH  TIMESTAMP
10      4       1970-01-01T00:00:01Z
18      4       1970-01-01T00:00:02Z
00000000  47 45 54 20                                       |GET |
`, out.String())

	out.Reset()

	req.NoError(inspect(&out, "empty.snap", streambuf.Snapshot{}, true))
	req.Equal("empty.snap: position 0, size 0, buffered 0 bytes in 0 extents\nOFFSET  LENGTH  TIMESTAMP\n", out.String())

	req.Error(inspect(&out, "bad.snap", streambuf.Snapshot{Size: 1, Extents: []streambuf.SnapshotExtent{{Offset: 0, Data: []byte("ab")}}}, false))
}
