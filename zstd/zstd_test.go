// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zstd_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"strconv"
	"testing"

	kzstd "github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-streambuf/zstd"
)

func TestCompressor(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		opts []kzstd.EOption

		size int
	}{
		{
			name: "empty",
		},
		{
			name: "random",
			size: 1024,
		},
		{
			name: "random large",
			size: 1024 * 1024,
		},
		{
			name: "better compression",
			opts: []kzstd.EOption{kzstd.WithEncoderLevel(kzstd.SpeedBetterCompression)},
			size: 65536,
		},
	} {
		t.Run(test.name+"/"+strconv.Itoa(test.size), func(t *testing.T) {
			t.Parallel()

			compressor, err := zstd.NewCompressor(test.opts...)
			require.NoError(t, err)

			t.Cleanup(func() {
				require.NoError(t, compressor.Close())
			})

			data, err := io.ReadAll(io.LimitReader(rand.Reader, int64(test.size)))
			require.NoError(t, err)

			compressed, err := compressor.Compress(data, nil)
			require.NoError(t, err)

			decompressed, err := compressor.Decompress(compressed, nil)
			require.NoError(t, err)

			if len(data) == 0 {
				data = nil
			}

			require.Equal(t, data, decompressed)
		})
	}
}

func TestCompressorAppends(t *testing.T) {
	t.Parallel()

	compressor, err := zstd.NewCompressor()
	require.NoError(t, err)

	defer compressor.Close() //nolint:errcheck

	data := bytes.Repeat([]byte("GET / HTTP/1.1\r\n"), 100)

	compressed, err := compressor.Compress(data, []byte("prefix"))
	require.NoError(t, err)
	require.Equal(t, []byte("prefix"), compressed[:6])
	require.Less(t, len(compressed), len(data))

	decompressed, err := compressor.Decompress(compressed[6:], []byte("head:"))
	require.NoError(t, err)
	require.Equal(t, append([]byte("head:"), data...), decompressed)
}

func TestCompressorCorrupted(t *testing.T) {
	t.Parallel()

	compressor, err := zstd.NewCompressor()
	require.NoError(t, err)

	defer compressor.Close() //nolint:errcheck

	_, err = compressor.Decompress([]byte("definitely not zstd"), nil)
	require.Error(t, err)
}
