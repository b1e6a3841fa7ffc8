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

package locus

import (
	"fmt"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/varcall/pileup"
	"github.com/willf/bitset"
)

// piler accumulates the observations of the reads overlapping a sliding
// window of one contig, and hands each position to fn once no later read can
// touch it.
//
// Window state lives in a ring buffer of nCirc slots; position pos maps to
// slot pos & (nCirc - 1).  Since reads are sorted and no read spans more than
// maxReadSpan < nCirc positions, every position of the read being added fits
// in the ring once all positions before its start have been flushed.
type piler struct {
	maxReadSpan   int
	emitUncovered bool
	fn            func(e *pileup.Entry) error

	nCirc PosType
	obs   [][]pileup.Obs
	// covered has one bit per ring slot, set when a read spans the position.
	covered *bitset.BitSet

	refID   int
	refName string
	// next is the first unflushed 0-based position; end is one past the last
	// position any read so far has touched.
	next PosType
	end  PosType

	seq   []byte
	entry pileup.Entry
}

func newPiler(maxReadSpan int, emitUncovered bool, fn func(e *pileup.Entry) error) *piler {
	nCirc := pileup.NextExp2(maxReadSpan)
	return &piler{
		maxReadSpan:   maxReadSpan,
		emitUncovered: emitUncovered,
		fn:            fn,
		nCirc:         PosType(nCirc),
		obs:           make([][]pileup.Obs, nCirc),
		covered:       bitset.New(uint(nCirc)),
		refID:         -1,
	}
}

// flushTo reports every pending position before limit.
func (p *piler) flushTo(limit PosType) error {
	stop := limit
	if stop > p.end {
		stop = p.end
	}
	mask := p.nCirc - 1
	for pos := p.next; pos < stop; pos++ {
		slot := pos & mask
		if len(p.obs[slot]) != 0 || (p.emitUncovered && p.covered.Test(uint(slot))) {
			p.entry.Pos = pos + 1
			p.entry.Obs = p.obs[slot]
			if err := p.fn(&p.entry); err != nil {
				return err
			}
		}
		p.obs[slot] = p.obs[slot][:0]
		p.covered.Clear(uint(slot))
	}
	if limit > p.next {
		p.next = limit
	}
	return nil
}

// finishRef flushes everything left on the current contig.
func (p *piler) finishRef() error {
	if p.refID < 0 {
		return nil
	}
	return p.flushTo(p.end)
}

func (p *piler) nextRef(ref *sam.Reference) error {
	if ref.ID() < p.refID {
		return fmt.Errorf("locus: input is not coordinate-sorted: %s follows %s", ref.Name(), p.refName)
	}
	if err := p.finishRef(); err != nil {
		return err
	}
	p.refID = ref.ID()
	p.refName = ref.Name()
	p.entry.RefName = p.refName
	p.next = 0
	p.end = 0
	return nil
}

// addRead adds the aligned bases of rec with quality >= minBaseQual to the
// window.  Insertions and soft clips consume read bases only, deletions and
// reference skips consume reference positions only, and none of them
// contribute observations.
func (p *piler) addRead(rec *sam.Record, minBaseQual byte) error {
	if rec.Ref.ID() != p.refID {
		if err := p.nextRef(rec.Ref); err != nil {
			return err
		}
	}
	start := PosType(rec.Pos)
	if start < p.next {
		return fmt.Errorf("locus: input is not coordinate-sorted: read %s at %s:%d follows position %d", rec.Name, p.refName, rec.Pos+1, p.next)
	}
	if err := p.flushTo(start); err != nil {
		return err
	}
	span, _ := rec.Cigar.Lengths()
	if span > p.maxReadSpan {
		return fmt.Errorf("locus: MaxReadSpan is %d, but read %s at %s:%d has span %d", p.maxReadSpan, rec.Name, p.refName, rec.Pos+1, span)
	}
	if end := start + PosType(span); end > p.end {
		p.end = end
	}

	p.seq = append(p.seq[:0], rec.Seq.Expand()...)
	mask := p.nCirc - 1
	posInRef := start
	posInRead := 0
	for _, co := range rec.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < cLen; i++ {
				slot := (posInRef + PosType(i)) & mask
				p.covered.Set(uint(slot))
				readIdx := posInRead + i
				if readIdx >= len(p.seq) {
					// No stored sequence ("*").
					continue
				}
				qual := byte(0)
				if readIdx < len(rec.Qual) && rec.Qual[readIdx] != missingQual {
					qual = rec.Qual[readIdx]
				}
				if qual < minBaseQual {
					continue
				}
				p.obs[slot] = append(p.obs[slot], pileup.Obs{
					Base: pileup.UpperBase(p.seq[readIdx]),
					Qual: qual,
				})
			}
			posInRef += PosType(cLen)
			posInRead += cLen
		case sam.CigarInsertion, sam.CigarSoftClipped:
			posInRead += cLen
		case sam.CigarDeletion:
			for i := 0; i < cLen; i++ {
				p.covered.Set(uint((posInRef + PosType(i)) & mask))
			}
			posInRef += PosType(cLen)
		case sam.CigarSkipped:
			posInRef += PosType(cLen)
		case sam.CigarHardClipped, sam.CigarPadded:
			// do nothing
		default:
			return fmt.Errorf("locus: read %s: unexpected CIGAR code %v", rec.Name, co)
		}
	}
	return nil
}
