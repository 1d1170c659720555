// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !race

package streambuf_test

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-streambuf"
)

func BenchmarkAdd(b *testing.B) {
	for _, test := range []struct {
		name string

		options []streambuf.OptionFunc

		outOfOrder bool
	}{
		{
			name: "defaults",
		},
		{
			name: "small buffer",

			options: []streambuf.OptionFunc{
				streambuf.WithInitialCapacity(4096),
				streambuf.WithMaxCapacity(65536),
			},
		},
		{
			name: "out of order",

			options: []streambuf.OptionFunc{
				streambuf.WithInitialCapacity(4096),
				streambuf.WithMaxCapacity(65536),
			},

			outOfOrder: true,
		},
	} {
		b.Run(test.name, func(b *testing.B) {
			data, err := io.ReadAll(io.LimitReader(rand.Reader, 1024))
			require.NoError(b, err)

			buf, err := streambuf.NewBuffer(test.options...)
			require.NoError(b, err)

			b.ReportAllocs()
			b.ResetTimer()

			for i := range b.N {
				off := int64(i) * int64(len(data))

				if test.outOfOrder {
					// swap every pair of chunks
					off += int64(len(data)) * int64(1-2*(i%2))
				}

				buf.Add(off, data, uint64(i))

				if buf.Size() == buf.MaxCapacity() {
					buf.RemovePrefix(buf.Size() / 2)
				}
			}
		})
	}
}

func BenchmarkGet(b *testing.B) {
	data, err := io.ReadAll(io.LimitReader(rand.Reader, 1000))
	require.NoError(b, err)

	buf, err := streambuf.NewBuffer(streambuf.WithMaxCapacity(65536))
	require.NoError(b, err)

	// fill up the buffer, so that the storage wraps around
	for i := range 200 {
		buf.Add(int64(i*len(data)), data, uint64(i))
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := range b.N {
		if len(buf.Get(buf.Position()+int64(i%1000))) == 0 {
			b.Fatal("unexpected gap")
		}
	}
}

func testBenchmarkAllocs(t *testing.T, f func(b *testing.B), threshold int64) {
	res := testing.Benchmark(f)

	allocs := res.AllocsPerOp()
	if allocs > threshold {
		t.Fatalf("Expected AllocsPerOp <= %d, got %d", threshold, allocs)
	}
}

func TestBenchmarkAddAllocs(t *testing.T) {
	testBenchmarkAllocs(t, BenchmarkAdd, 0)
}

func TestBenchmarkGetAllocs(t *testing.T) {
	testBenchmarkAllocs(t, BenchmarkGet, 0)
}
