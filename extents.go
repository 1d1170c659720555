// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package streambuf

import (
	"slices"
	"sort"
)

// extent is a filled range of the stream, written by a single Add call.
type extent struct {
	// absolute offset of the first byte
	start int64
	// number of bytes
	length int
	// capture timestamp of the Add call which wrote the bytes
	timestamp uint64
}

func (e extent) end() int64 {
	return e.start + int64(e.length)
}

// extentIndex keeps track of filled ranges and their timestamps.
//
// Extents are sorted by start offset and never overlap, so the union of the extents
// is exactly the set of valid bytes of the buffer.
type extentIndex struct {
	extents []extent
}

// search returns the index of the first extent which ends after off.
func (idx *extentIndex) search(off int64) int {
	return sort.Search(len(idx.extents), func(i int) bool {
		return idx.extents[i].end() > off
	})
}

// lookup returns the index of the extent which contains off.
func (idx *extentIndex) lookup(off int64) (int, bool) {
	i := idx.search(off)
	if i < len(idx.extents) && idx.extents[i].start <= off {
		return i, true
	}

	return 0, false
}

// runEnd returns the end offset of the contiguous run of extents starting with extent i.
func (idx *extentIndex) runEnd(i int) int64 {
	end := idx.extents[i].end()

	for j := i + 1; j < len(idx.extents) && idx.extents[j].start == end; j++ {
		end = idx.extents[j].end()
	}

	return end
}

// insert records the range [start, start+length) as written at timestamp.
//
// Overlapped parts of the existing extents are replaced.
func (idx *extentIndex) insert(start int64, length int, timestamp uint64) {
	end := start + int64(length)

	lo := idx.search(start)

	hi := lo
	for hi < len(idx.extents) && idx.extents[hi].start < end {
		hi++
	}

	var (
		replacement [3]extent
		n           int
	)

	if lo < hi && idx.extents[lo].start < start {
		replacement[n] = extent{
			start:     idx.extents[lo].start,
			length:    int(start - idx.extents[lo].start),
			timestamp: idx.extents[lo].timestamp,
		}
		n++
	}

	k := lo + n

	replacement[n] = extent{
		start:     start,
		length:    length,
		timestamp: timestamp,
	}
	n++

	if lo < hi {
		if last := idx.extents[hi-1]; last.end() > end {
			replacement[n] = extent{
				start:     end,
				length:    int(last.end() - end),
				timestamp: last.timestamp,
			}
			n++
		}
	}

	idx.extents = slices.Replace(idx.extents, lo, hi, replacement[:n]...)

	// merge with the neighbours written at the same timestamp, right first so that k stays valid
	if k+1 < len(idx.extents) && idx.canMerge(k, k+1) {
		idx.extents[k].length += idx.extents[k+1].length
		idx.extents = slices.Delete(idx.extents, k+1, k+2)
	}

	if k > 0 && idx.canMerge(k-1, k) {
		idx.extents[k-1].length += idx.extents[k].length
		idx.extents = slices.Delete(idx.extents, k, k+1)
	}
}

func (idx *extentIndex) canMerge(i, j int) bool {
	return idx.extents[i].end() == idx.extents[j].start && idx.extents[i].timestamp == idx.extents[j].timestamp
}

// truncate drops everything before off, returning the number of dropped bytes.
func (idx *extentIndex) truncate(off int64) int {
	i := idx.search(off)

	var dropped int

	for _, e := range idx.extents[:i] {
		dropped += e.length
	}

	idx.extents = slices.Delete(idx.extents, 0, i)

	if len(idx.extents) > 0 && idx.extents[0].start < off {
		n := int(off - idx.extents[0].start)

		idx.extents[0].start = off
		idx.extents[0].length -= n
		dropped += n
	}

	return dropped
}

// filled returns the total number of bytes covered by the extents.
func (idx *extentIndex) filled() int {
	var n int

	for _, e := range idx.extents {
		n += e.length
	}

	return n
}
