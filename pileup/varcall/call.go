package varcall

import (
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Opts configures accumulation and filtering.
type Opts struct {
	// MinTotalDepth is the minimum site depth (DP) of a reported record.
	MinTotalDepth int
	// MinAlleleDepth is the minimum allele depth (AD) of a reported record.
	MinAlleleDepth int
	// MinEvidenceRatio is the minimum AD/DP of a reported record.
	MinEvidenceRatio float64
	// MaxAltAlleles caps the number of PASS records reported per site; the
	// alleles with the highest AD are kept.  0 means unlimited.
	MaxAltAlleles int
	// IncludeRefCalls reports RefCall records as well as PASS records.
	IncludeRefCalls bool
	// IncludeSitesWithoutReads keeps read-less pileup entries as depth-0 sites.
	IncludeSitesWithoutReads bool
	// Parallelism bounds the number of goroutines scoring sites.  0 =
	// runtime.NumCPU().
	Parallelism int
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{
	MinTotalDepth:    10,
	MinAlleleDepth:   5,
	MinEvidenceRatio: 0.1,
	MaxAltAlleles:    5,
}

// Validate checks that o is usable.
func (o *Opts) Validate() error {
	switch {
	case o.MinTotalDepth < 0:
		return errors.E(errors.Invalid, "varcall: MinTotalDepth must be nonnegative")
	case o.MinAlleleDepth < 0:
		return errors.E(errors.Invalid, "varcall: MinAlleleDepth must be nonnegative")
	case !(o.MinEvidenceRatio >= 0 && o.MinEvidenceRatio <= 1):
		return errors.E(errors.Invalid, "varcall: MinEvidenceRatio must be in [0, 1]")
	case o.MaxAltAlleles < 0:
		return errors.E(errors.Invalid, "varcall: MaxAltAlleles must be nonnegative")
	case o.Parallelism < 0:
		return errors.E(errors.Invalid, "varcall: Parallelism must be nonnegative")
	}
	return nil
}

// SiteRecords returns one unfiltered record per allele observed at s, in
// allele order.
func SiteRecords(s *Site) []Record {
	if len(s.Alleles) == 0 {
		return nil
	}
	ls := Likelihoods(s)
	sum := 0.0
	for _, l := range ls {
		sum += l
	}
	gl := make([]float64, len(ls))
	pl := make([]int, len(ls))
	for i, l := range ls {
		gl[i] = Log10Error(l)
		pl[i] = phredFromLog10(gl[i])
	}
	recs := make([]Record, len(s.Alleles))
	for i, a := range s.Alleles {
		filter := FilterPass
		if a.Base == s.RefBase {
			filter = FilterRefCall
		}
		// When every allele has zero likelihood (all reads Q0) the normalized
		// likelihood is undefined and the confidence saturates.
		qual := float64(MaxQual)
		if sum > 0 {
			qual = float64(Phred(1.0 - ls[i]/sum))
		}
		r, err := newRecord(Record{
			RefName: s.RefName,
			Pos:     s.Pos,
			Ref:     s.RefBase,
			Allele:  a.Base,
			Filter:  filter,
			Qual:    qual,
			DP:      s.Depth,
			AD:      len(a.Quals),
			ER:      float64(len(a.Quals)) / float64(s.Depth),
			AN:      len(s.Alleles),
			GL:      gl,
			PL:      pl,
		})
		if err != nil {
			log.Panicf("varcall.SiteRecords: %v", err)
		}
		recs[i] = r
	}
	return recs
}

// keep reports whether r passes the depth, evidence-ratio and RefCall
// filters.
func (o *Opts) keep(r *Record) bool {
	return r.DP >= o.MinTotalDepth &&
		r.AD >= o.MinAlleleDepth &&
		r.ER >= o.MinEvidenceRatio &&
		(o.IncludeRefCalls || r.Filter != FilterRefCall)
}

// filterSite appends the records of s surviving o to dst.
func (o *Opts) filterSite(dst []Record, s *Site) []Record {
	start := len(dst)
	nPass := 0
	for _, r := range SiteRecords(s) {
		if o.keep(&r) {
			dst = append(dst, r)
			if r.Filter == FilterPass {
				nPass++
			}
		}
	}
	if o.MaxAltAlleles == 0 || nPass <= o.MaxAltAlleles {
		return dst
	}
	// Drop the lowest-AD PASS records (latest-observed first among ties)
	// until MaxAltAlleles remain, preserving allele order.
	recs := dst[start:]
	for ; nPass > o.MaxAltAlleles; nPass-- {
		worst := -1
		for i := range recs {
			if recs[i].Filter != FilterPass {
				continue
			}
			if worst < 0 || recs[i].AD <= recs[worst].AD {
				worst = i
			}
		}
		recs = append(recs[:worst], recs[worst+1:]...)
	}
	return dst[:start+len(recs)]
}

// Call scores every site in acc and returns the records surviving o's
// filters, ordered by contig, position, then allele order.
func Call(acc *Accumulator, o *Opts) []Record {
	sites := acc.Sites()
	if len(sites) == 0 {
		return nil
	}
	parallelism := o.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	nShard := parallelism
	if nShard > len(sites) {
		nShard = len(sites)
	}
	results := make([][]Record, nShard)
	_ = traverse.Each(nShard, func(shardIdx int) error {
		startIdx := (shardIdx * len(sites)) / nShard
		endIdx := ((shardIdx + 1) * len(sites)) / nShard
		var recs []Record
		for _, s := range sites[startIdx:endIdx] {
			recs = o.filterSite(recs, s)
		}
		results[shardIdx] = recs
		return nil
	})
	n := 0
	for _, recs := range results {
		n += len(recs)
	}
	out := make([]Record, 0, n)
	for _, recs := range results {
		out = append(out, recs...)
	}
	log.Debug.Printf("varcall.Call: %d sites, %d records", len(sites), len(out))
	return out
}
