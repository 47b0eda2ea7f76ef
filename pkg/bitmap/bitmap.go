// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size set of small integers.
package bitmap

import (
	"math"
	"math/bits"
)

// MaxBitEntryLimit is the largest size a Bitmap may have.
const MaxBitEntryLimit uint32 = math.MaxInt32

const wordBits = 64

// Bitmap is a set of integers in [0, Len()).
//
// The zero value is an empty bitmap of length zero.
type Bitmap struct {
	words []uint64

	// ones is the number of set bits.
	ones uint32

	size uint32
}

// New returns an empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic("bitmap size exceeds MaxBitEntryLimit")
	}
	return Bitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Len returns the number of bits in b.
func (b *Bitmap) Len() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.ones
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.ones == 0
}

func (b *Bitmap) index(i uint32) (int, uint64) {
	if i >= b.size {
		panic("bitmap index out of range")
	}
	return int(i / wordBits), 1 << (i % wordBits)
}

// Test returns true if bit i is set. It panics if i is out of range.
func (b *Bitmap) Test(i uint32) bool {
	w, mask := b.index(i)
	return b.words[w]&mask != 0
}

// Set sets bit i and returns false if it was already set.
func (b *Bitmap) Set(i uint32) bool {
	w, mask := b.index(i)
	if b.words[w]&mask != 0 {
		return false
	}
	b.words[w] |= mask
	b.ones++
	return true
}

// Clear clears bit i and returns false if it was not set.
func (b *Bitmap) Clear(i uint32) bool {
	w, mask := b.index(i)
	if b.words[w]&mask == 0 {
		return false
	}
	b.words[w] &^= mask
	b.ones--
	return true
}

// ForEachSet calls fn for every set bit in increasing order until fn
// returns false.
func (b *Bitmap) ForEachSet(fn func(i uint32) bool) {
	for w, word := range b.words {
		for word != 0 {
			tz := bits.TrailingZeros64(word)
			if !fn(uint32(w*wordBits + tz)) {
				return
			}
			word &= word - 1
		}
	}
}
