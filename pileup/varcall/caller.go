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

// Package varcall is an incremental pileup variant caller.  Inputs are
// ingested one pass at a time into an in-memory accumulator which is never
// reset between passes; at any point the accumulated evidence can be scored
// and exported as VCF, dumped as raw JSON, or checkpointed.
package varcall

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/varcall/pileup"
	"github.com/klauspost/compress/gzip"
)

// progressInterval is the number of pileup entries (or records) between
// progress log messages.
var progressInterval = 1 << 20

// Caller owns an Accumulator and serializes access to it: an ingestion pass
// holds the write lock for its whole duration, and exports hold the read
// lock, so an export never observes a half-merged pass.  All methods are
// thread-safe.
type Caller struct {
	opts Opts
	src  pileup.Source
	ref  pileup.Reference

	mu  sync.RWMutex
	acc *Accumulator

	busy int32

	qmu   sync.Mutex
	queue *IngestQueue
}

// New creates a Caller which reads inputs with src and reference bases with
// ref.  opts is copied.
func New(src pileup.Source, ref pileup.Reference, opts *Opts) (*Caller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Caller{
		opts: *opts,
		src:  src,
		ref:  ref,
	}
	if c.opts.Parallelism == 0 {
		c.opts.Parallelism = runtime.NumCPU()
	}
	c.acc = NewAccumulator(ref.SeqNames(), c.opts.IncludeSitesWithoutReads)
	return c, nil
}

func (c *Caller) enter() { atomic.AddInt32(&c.busy, 1) }
func (c *Caller) exit()  { atomic.AddInt32(&c.busy, -1) }

// Busy reports whether an ingestion or export is running.  It is advisory
// only; use the Pending handles returned by Queue to wait for work.
func (c *Caller) Busy() bool {
	return atomic.LoadInt32(&c.busy) > 0
}

// Ingest runs one pass over the input at path and merges every pileup entry
// into the accumulator.  Passes are additive: ingesting the same input twice
// doubles its contribution.
//
// On error the pass stops, and positions merged before the error stay in the
// accumulator.  Use Clone and Restore to make a pass all-or-nothing.
func (c *Caller) Ingest(ctx context.Context, path string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enter()
	defer c.exit()

	log.Printf("varcall.Ingest: start %s", path)
	var nEntry, nSite int
	nSiteStart := c.acc.Len()
	err = c.src.Scan(ctx, path, func(e *pileup.Entry) error {
		var refBase byte
		if c.acc.Get(e.RefName, e.Pos) == nil {
			var err error
			if refBase, err = c.ref.Base(e.RefName, e.Pos); err != nil {
				return err
			}
		}
		c.acc.Ingest(e.RefName, e.Pos, refBase, e.Obs)
		nEntry++
		if nEntry%progressInterval == 0 {
			log.Printf("varcall.Ingest: %s: %d entries, at %s:%d", path, nEntry, e.RefName, e.Pos)
		}
		return nil
	})
	nSite = c.acc.Len() - nSiteStart
	if err != nil {
		return errors.E(err, "varcall.Ingest", path)
	}
	log.Printf("varcall.Ingest: done %s: %d entries, %d new sites, %d total", path, nEntry, nSite, c.acc.Len())
	return nil
}

// Queue submits an ingestion of path to the Caller's background worker and
// returns immediately.  Queued passes run one at a time in submission order,
// with a background context; call Ingest directly for a cancelable pass.
func (c *Caller) Queue(path string) *Pending {
	c.qmu.Lock()
	if c.queue == nil {
		c.queue = NewIngestQueue(context.Background(), c.Ingest, DefaultQueueSize)
	}
	q := c.queue
	c.qmu.Unlock()
	return q.Submit(path)
}

// Close waits for every queued ingestion to finish and stops the background
// worker.  The Caller stays usable for direct ingestion and export.
func (c *Caller) Close() error {
	c.qmu.Lock()
	q := c.queue
	c.queue = nil
	c.qmu.Unlock()
	if q == nil {
		return nil
	}
	return q.Close()
}

// Len returns the number of accumulated sites.
func (c *Caller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acc.Len()
}

// Site returns a copy of the site at (refName, pos), or nil.
func (c *Caller) Site(refName string, pos PosType) *Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s := c.acc.Get(refName, pos); s != nil {
		return s.clone()
	}
	return nil
}

// Call scores the accumulated evidence and returns the records passing the
// Caller's filters.  includeRefCalls overrides Opts.IncludeRefCalls.
func (c *Caller) Call(includeRefCalls bool) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.enter()
	defer c.exit()
	o := c.opts
	o.IncludeRefCalls = includeRefCalls
	return Call(c.acc, &o)
}

// Reset discards all accumulated evidence.
func (c *Caller) Reset() {
	c.mu.Lock()
	c.acc.Reset()
	c.mu.Unlock()
	log.Printf("varcall.Reset: accumulator cleared")
}

// Clone returns a deep copy of the accumulator.
func (c *Caller) Clone() *Accumulator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acc.Clone()
}

// Restore replaces the accumulator with a copy of acc, typically one
// returned by an earlier Clone.
func (c *Caller) Restore(acc *Accumulator) {
	acc = acc.Clone()
	acc.IncludeSitesWithoutReads = c.opts.IncludeSitesWithoutReads
	c.mu.Lock()
	c.acc = acc
	c.mu.Unlock()
}

// WriteVCF writes the records passing the Caller's filters to path.  Paths
// ending in .gz are BGZF-compressed.
func (c *Caller) WriteVCF(ctx context.Context, path string, includeRefCalls bool) (err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.enter()
	defer c.exit()

	log.Printf("varcall.WriteVCF: start %s", path)
	o := c.opts
	o.IncludeRefCalls = includeRefCalls
	recs := Call(c.acc, &o)

	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "varcall.WriteVCF", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	out := dst.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		bgzfWriter := bgzf.NewWriter(out, c.opts.Parallelism)
		defer func() {
			if e := bgzfWriter.Close(); e != nil && err == nil {
				err = e
			}
		}()
		out = bgzfWriter
	}
	if err = WriteVCF(out, c.acc.Contigs(), c.ref, recs); err != nil {
		return errors.E(err, "varcall.WriteVCF", path)
	}
	log.Printf("varcall.WriteVCF: done %s: %d records from %d sites", path, len(recs), c.acc.Len())
	return nil
}

// WriteSnapshot dumps every accumulated site, unfiltered, to path as JSON.
// Paths ending in .gz are gzip-compressed.
func (c *Caller) WriteSnapshot(ctx context.Context, path string) (err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.enter()
	defer c.exit()

	log.Printf("varcall.WriteSnapshot: start %s", path)
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "varcall.WriteSnapshot", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	out := dst.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(out)
		defer func() {
			if e := gz.Close(); e != nil && err == nil {
				err = e
			}
		}()
		out = gz
	}
	if err = WriteSnapshot(c.acc, out); err != nil {
		return errors.E(err, "varcall.WriteSnapshot", path)
	}
	log.Printf("varcall.WriteSnapshot: done %s: %d sites", path, c.acc.Len())
	return nil
}

// WriteCheckpoint saves the accumulator to path, so that a later process can
// resume accumulation with ReadCheckpoint.
func (c *Caller) WriteCheckpoint(ctx context.Context, path string) (err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.enter()
	defer c.exit()

	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "varcall.WriteCheckpoint", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	if err = WriteCheckpoint(c.acc, dst.Writer(ctx)); err != nil {
		return errors.E(err, "varcall.WriteCheckpoint", path)
	}
	log.Printf("varcall.WriteCheckpoint: %s: %d sites", path, c.acc.Len())
	return nil
}

// ReadCheckpoint merges a checkpoint written by WriteCheckpoint into the
// accumulator.
func (c *Caller) ReadCheckpoint(ctx context.Context, path string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enter()
	defer c.exit()

	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return errors.E(err, "varcall.ReadCheckpoint", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	var n int
	if n, err = ReadCheckpoint(c.acc, in.Reader(ctx)); err != nil {
		return errors.E(err, "varcall.ReadCheckpoint", path)
	}
	log.Printf("varcall.ReadCheckpoint: %s: merged %d sites, %d total", path, n, c.acc.Len())
	return nil
}
