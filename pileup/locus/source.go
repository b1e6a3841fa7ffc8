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

// Package locus turns a coordinate-sorted BAM file into a stream of
// per-position pileup entries.
package locus

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/varcall/pileup"
)

// PosType is the integer type used to represent genomic positions.
type PosType = pileup.PosType

// missingQual is the BAM placeholder for an absent base quality.
const missingQual = 0xff

// ctxCheckInterval is the number of reads between context checks.
const ctxCheckInterval = 4096

type Opts struct {
	// MinBaseQual is the minimum base quality of a reported observation.
	MinBaseQual int
	// MinMapQ is the minimum mapping quality of a read contributing to the
	// pileup.
	MinMapQ int
	// FilterDuplicates drops reads flagged as PCR/optical duplicates.
	FilterDuplicates bool
	// FlagExclude drops reads with any of these SAM flag bits set.
	FlagExclude int
	// EmitUncovered also reports positions spanned by an accepted read for
	// which every base was filtered out, as entries with no observations.
	EmitUncovered bool
	// MaxReadSpan is the largest reference span of a read; wider reads are an
	// error.
	MaxReadSpan int
	// Parallelism is the number of BGZF decompression goroutines.  0 =
	// runtime.NumCPU().
	Parallelism int
}

var DefaultOpts = Opts{
	MinBaseQual:      30,
	MinMapQ:          20,
	FilterDuplicates: true,
	FlagExclude:      int(sam.Unmapped | sam.Secondary | sam.QCFail | sam.Supplementary),
	MaxReadSpan:      511,
}

// Validate checks that o is usable.
func (o *Opts) Validate() error {
	switch {
	case o.MinBaseQual < 0 || o.MinBaseQual > 255:
		return errors.E(errors.Invalid, fmt.Sprintf("locus: MinBaseQual %d outside [0, 255]", o.MinBaseQual))
	case o.MinMapQ < 0 || o.MinMapQ > 255:
		return errors.E(errors.Invalid, fmt.Sprintf("locus: MinMapQ %d outside [0, 255]", o.MinMapQ))
	case o.MaxReadSpan <= 0:
		return errors.E(errors.Invalid, "locus: MaxReadSpan must be positive")
	case o.Parallelism < 0:
		return errors.E(errors.Invalid, "locus: Parallelism must be nonnegative")
	}
	return nil
}

// Source implements pileup.Source over coordinate-sorted BAM files.
type Source struct {
	opts Opts
}

// New creates a Source.  opts is copied.
func New(opts *Opts) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Source{opts: *opts}, nil
}

// Scan implements pileup.Source.  Positions are reported in ascending order
// within each contig, and contigs in file order.  Reads must be
// coordinate-sorted.
func (s *Source) Scan(ctx context.Context, path string, fn func(e *pileup.Entry) error) (err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return err
	}
	defer in.Close(ctx) // nolint: errcheck
	var r *bam.Reader
	if r, err = bam.NewReader(in.Reader(ctx), s.opts.Parallelism); err != nil {
		return err
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return s.scan(ctx, r, fn)
}

// recordReader is the subset of *bam.Reader used by scan.
type recordReader interface {
	Read() (*sam.Record, error)
}

func (s *Source) keep(rec *sam.Record) bool {
	if s.opts.FlagExclude&int(rec.Flags) != 0 ||
		(s.opts.FilterDuplicates && rec.Flags&sam.Duplicate != 0) ||
		int(rec.MapQ) < s.opts.MinMapQ ||
		rec.Ref == nil || rec.Pos < 0 || len(rec.Cigar) == 0 {
		return false
	}
	return true
}

func (s *Source) scan(ctx context.Context, r recordReader, fn func(e *pileup.Entry) error) (err error) {
	p := newPiler(s.opts.MaxReadSpan, s.opts.EmitUncovered, fn)
	var nRead, nKept int
	for {
		var rec *sam.Record
		if rec, err = r.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		nRead++
		if nRead%ctxCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
		}
		if !s.keep(rec) {
			sam.PutInFreePool(rec)
			continue
		}
		if err = p.addRead(rec, byte(s.opts.MinBaseQual)); err != nil {
			return err
		}
		nKept++
		sam.PutInFreePool(rec)
	}
	if err = p.finishRef(); err != nil {
		return err
	}
	log.Debug.Printf("locus.Scan: %d reads, %d used", nRead, nKept)
	return ctx.Err()
}
