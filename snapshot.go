// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package streambuf

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"slices"
)

// Compressor implements compression of snapshot files.
//
// Compress and Decompress append to the dest slice and return the result.
//
// Compressor should be safe for concurrent use by multiple goroutines.
// Compressor should verify checksums of the compressed data.
type Compressor interface {
	Compress(src, dest []byte) ([]byte, error)
	Decompress(src, dest []byte) ([]byte, error)
}

// Snapshot is a point-in-time copy of the Buffer contents.
type Snapshot struct {
	Extents  []SnapshotExtent
	Position int64
	Size     int
}

// SnapshotExtent is a filled range of the buffer.
type SnapshotExtent struct {
	Data      []byte
	Offset    int64
	Timestamp uint64
}

const (
	snapshotMagic   = "SBUF"
	snapshotVersion = 1
)

// Snapshot returns a copy of the buffer contents.
func (buf *Buffer) Snapshot() Snapshot {
	s := Snapshot{
		Position: buf.pos,
		Size:     buf.size,
		Extents:  make([]SnapshotExtent, 0, len(buf.index.extents)),
	}

	for _, e := range buf.index.extents {
		a, b := segments(buf.data, e.start, e.length)

		s.Extents = append(s.Extents, SnapshotExtent{
			Offset:    e.start,
			Timestamp: e.timestamp,
			Data:      append(slices.Clone(a), b...),
		})
	}

	return s
}

// RestoreBuffer creates a new Buffer with the contents of the snapshot.
//
// The snapshot should fit into the buffer MaxCapacity.
func RestoreBuffer(s Snapshot, opts ...OptionFunc) (*Buffer, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	buf, err := NewBuffer(opts...)
	if err != nil {
		return nil, err
	}

	if s.Size > buf.opt.MaxCapacity {
		return nil, fmt.Errorf("%w: size %d exceeds max capacity %d", ErrInvalidSnapshot, s.Size, buf.opt.MaxCapacity)
	}

	buf.pos = s.Position
	buf.size = s.Size
	buf.reserve(s.Size)

	for _, e := range s.Extents {
		buf.write(e.Offset, e.Data)
		buf.index.insert(e.Offset, len(e.Data), e.Timestamp)
	}

	return buf, nil
}

func (s Snapshot) validate() error {
	if s.Position < 0 || s.Size < 0 {
		return fmt.Errorf("%w: negative position %d or size %d", ErrInvalidSnapshot, s.Position, s.Size)
	}

	prevEnd := s.Position

	for _, e := range s.Extents {
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: empty extent at %d", ErrInvalidSnapshot, e.Offset)
		}

		if e.Offset < prevEnd {
			return fmt.Errorf("%w: extent at %d overlaps or precedes %d", ErrInvalidSnapshot, e.Offset, prevEnd)
		}

		prevEnd = e.Offset + int64(len(e.Data))
	}

	// the window always ends with the last written byte
	if prevEnd != s.Position+int64(s.Size) {
		return fmt.Errorf("%w: extents end at %d, window ends at %d", ErrInvalidSnapshot, prevEnd, s.Position+int64(s.Size))
	}

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(snapshotMagic)+1+3*binary.MaxVarintLen64)

	out = append(out, snapshotMagic...)
	out = append(out, snapshotVersion)
	out = binary.AppendVarint(out, s.Position)
	out = binary.AppendUvarint(out, uint64(s.Size))
	out = binary.AppendUvarint(out, uint64(len(s.Extents)))

	for _, e := range s.Extents {
		// offsets are stored relative to the position, extents are always within the window
		out = binary.AppendUvarint(out, uint64(e.Offset-s.Position))
		out = binary.AppendUvarint(out, e.Timestamp)
		out = binary.AppendUvarint(out, uint64(len(e.Data)))
		out = append(out, e.Data...)
	}

	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
//nolint:gocognit
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) < len(snapshotMagic)+1 || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}

	if version := data[len(snapshotMagic)]; version != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, version)
	}

	d := decoder{data: data[len(snapshotMagic)+1:]}

	position := d.varint()
	size := d.uvarint()
	count := d.uvarint()

	if d.err != nil {
		return d.err
	}

	// each extent takes at least 4 bytes
	if count > uint64(len(d.data))/4 {
		return fmt.Errorf("%w: extent count %d is too large", ErrInvalidSnapshot, count)
	}

	decoded := Snapshot{
		Position: position,
		Size:     int(size),
		Extents:  make([]SnapshotExtent, 0, count),
	}

	for range count {
		offset := d.uvarint()
		timestamp := d.uvarint()
		length := d.uvarint()
		payload := d.bytes(length)

		if d.err != nil {
			return d.err
		}

		decoded.Extents = append(decoded.Extents, SnapshotExtent{
			Offset:    position + int64(offset),
			Timestamp: timestamp,
			Data:      slices.Clone(payload),
		})
	}

	if len(d.data) > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidSnapshot, len(d.data))
	}

	if err := decoded.validate(); err != nil {
		return err
	}

	*s = decoded

	return nil
}

type decoder struct {
	err  error
	data []byte
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Uvarint(d.data)
	if n <= 0 {
		d.err = fmt.Errorf("%w: truncated varint", ErrInvalidSnapshot)

		return 0
	}

	d.data = d.data[n:]

	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Varint(d.data)
	if n <= 0 {
		d.err = fmt.Errorf("%w: truncated varint", ErrInvalidSnapshot)

		return 0
	}

	d.data = d.data[n:]

	return v
}

func (d *decoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}

	if n > uint64(len(d.data)) {
		d.err = fmt.Errorf("%w: truncated extent data", ErrInvalidSnapshot)

		return nil
	}

	p := d.data[:n]
	d.data = d.data[n:]

	return p
}

// WriteSnapshot writes the compressed snapshot to the path.
//
// The file is replaced atomically.
func WriteSnapshot(path string, s Snapshot, c Compressor) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}

	compressed, err := c.Compress(data, nil)
	if err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}

	return atomicWriteFile(path, compressed, 0o644)
}

// ReadSnapshot reads the compressed snapshot from the path.
func ReadSnapshot(path string, c Compressor) (Snapshot, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}

	data, err := c.Decompress(compressed, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var s Snapshot

	if err = s.UnmarshalBinary(data); err != nil {
		return Snapshot{}, err
	}

	return s, nil
}

func atomicWriteFile(path string, data []byte, mode fs.FileMode) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
