// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package pileup

import (
	"context"
	"math"
	"math/bits"
)

// Common pileup components, shared by pileup producers (pileup/locus) and
// consumers (pileup/varcall).

// PosType is the integer type used to represent genomic positions.  Unless
// otherwise noted, positions in this package tree are 1-based.
type PosType = int32

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = math.MaxInt32

// Obs is a single read's base call at a pileup position.
type Obs struct {
	// Base is the uppercase ASCII base reported by the read.
	Base byte
	// Qual is the phred-scaled base quality.
	Qual byte
}

// Entry is the pileup at a single position: every read base which survived
// the source's quality, mapping-quality and duplicate filters.
type Entry struct {
	RefName string
	Pos     PosType
	Obs     []Obs
}

// Source produces pileup entries from an alignment input, in ascending
// position order within each contig.
type Source interface {
	// Scan calls fn once per covered position of the input at path.  fn must
	// not retain e or e.Obs after returning.  Scan stops at the first error
	// returned by fn, and returns it.
	Scan(ctx context.Context, path string, fn func(e *Entry) error) error
}

// Reference resolves reference bases.
type Reference interface {
	// Base returns the uppercase reference base at the 1-based position pos
	// of the named sequence.
	Base(refName string, pos PosType) (byte, error)
	// Len returns the length of the named sequence.
	Len(refName string) (PosType, error)
	// SeqNames returns the names of all sequences, in dictionary order.
	SeqNames() []string
}

// UpperBase maps lowercase (soft-masked) base letters to uppercase, and
// leaves everything else unchanged.
func UpperBase(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// NextExp2 returns the next power of 2 strictly greater than x.  (Useful when
// setting circular buffer size.)
func NextExp2(x int) int {
	log2 := 63 - bits.LeadingZeros64(uint64(x))
	return 2 << uint32(log2)
}
