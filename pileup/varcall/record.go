package varcall

import (
	"fmt"
	"math"
)

// Filter is the FILTER value of a Record.
type Filter uint8

const (
	// FilterPass marks a record whose allele differs from the reference base.
	FilterPass Filter = iota
	// FilterRefCall marks a record whose allele is the reference base.
	FilterRefCall
)

var filterNames = [...]string{"PASS", "RefCall"}

func (f Filter) String() string {
	if int(f) < len(filterNames) {
		return filterNames[f]
	}
	return fmt.Sprintf("Filter(%d)", f)
}

// Record is a candidate call for one (site, allele) pair.  Records are
// derived from the accumulator on demand and never stored.
type Record struct {
	RefName string
	Pos     PosType
	Ref     byte
	// Allele is the observed base this record describes.  It equals Ref for
	// RefCall records.
	Allele byte
	Filter Filter
	// Qual is the phred-scaled confidence, -10*log10(1 - L(allele)/sum(L)).
	Qual float64

	DP int       // total depth at the site
	AD int       // reads supporting Allele
	ER float64   // AD / DP
	AN int       // number of distinct alleles at the site
	GL []float64 // log10 likelihoods of all alleles at the site, in allele order
	PL []int     // GL in phred scale
}

// newRecord validates and returns a record.  Failures indicate a bug in the
// record derivation, not bad input.
func newRecord(r Record) (Record, error) {
	switch {
	case r.AD < 1 || r.AD > r.DP:
		return r, fmt.Errorf("%s:%d %c: AD=%d outside [1, DP=%d]", r.RefName, r.Pos, r.Allele, r.AD, r.DP)
	case !(r.ER >= 0 && r.ER <= 1):
		return r, fmt.Errorf("%s:%d %c: ER=%v outside [0, 1]", r.RefName, r.Pos, r.Allele, r.ER)
	case r.AN < 1 || len(r.GL) != r.AN || len(r.PL) != r.AN:
		return r, fmt.Errorf("%s:%d %c: AN=%d but %d GL, %d PL values", r.RefName, r.Pos, r.Allele, r.AN, len(r.GL), len(r.PL))
	case math.IsNaN(r.Qual) || r.Qual < 0:
		return r, fmt.Errorf("%s:%d %c: invalid QUAL %v", r.RefName, r.Pos, r.Allele, r.Qual)
	case (r.Filter == FilterRefCall) != (r.Allele == r.Ref):
		return r, fmt.Errorf("%s:%d %c: filter %v inconsistent with REF %c", r.RefName, r.Pos, r.Allele, r.Filter, r.Ref)
	}
	return r, nil
}
