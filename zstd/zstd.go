// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zstd implements snapshot compression with zstd.
package zstd

import (
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecodedSize limits the size of a decompressed snapshot.
//
// A snapshot never holds more than the buffer capacity plus a small header.
const DefaultMaxDecodedSize = 64 << 20

// Compressor implements streambuf.Compressor using zstd compression.
type Compressor struct {
	dec *zstd.Decoder
	enc *zstd.Encoder
}

// NewCompressor creates new Compressor.
//
// Encoder defaults to the fastest level, opts are applied on top of it.
func NewCompressor(opts ...zstd.EOption) (*Compressor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxDecodedSize))
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, append([]zstd.EOption{zstd.WithEncoderLevel(zstd.SpeedFastest)}, opts...)...)
	if err != nil {
		dec.Close()

		return nil, err
	}

	return &Compressor{
		dec: dec,
		enc: enc,
	}, nil
}

// Compress data using zstd.
func (c *Compressor) Compress(src, dest []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dest), nil
}

// Decompress data using zstd.
func (c *Compressor) Decompress(src, dest []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dest)
}

// Close releases the resources of the decoder.
func (c *Compressor) Close() error {
	c.dec.Close()

	return c.enc.Close()
}
