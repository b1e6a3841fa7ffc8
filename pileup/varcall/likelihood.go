package varcall

import (
	"github.com/grailbio/base/log"
)

// LikelihoodFloor is the smallest value the non-hypothesis term of a
// likelihood may take.  Without it, a deep site's product of error
// probabilities underflows to zero and every minority allele ties.
const LikelihoodFloor = 1e-300

// Likelihood returns the likelihood of hypothesis allele hyp given the
// evidence at a site:
//
//   prod_{reads supporting hyp} (1 - e) * max(prod_{other reads} e, LikelihoodFloor)
//
// where e is each read's base-call error probability.  Reads which do not
// support hyp are pooled regardless of which allele they do support; this is
// a deliberately simplified independence model, not a diploid genotype model.
//
// hyp must be one of alleles; anything else is a caller bug and panics.
func Likelihood(hyp byte, alleles []Allele) float64 {
	found := false
	hypVal := 1.0
	restVal := 1.0
	for _, a := range alleles {
		if a.Base == hyp {
			found = true
			for _, q := range a.Quals {
				hypVal *= 1.0 - Probability(q)
			}
			continue
		}
		for _, q := range a.Quals {
			restVal *= Probability(q)
		}
	}
	if !found {
		log.Panicf("varcall.Likelihood: hypothesis %q not among observed alleles", hyp)
	}
	if restVal < LikelihoodFloor {
		restVal = LikelihoodFloor
	}
	return hypVal * restVal
}

// Likelihoods returns Likelihood(a.Base, s.Alleles) for every allele of s, in
// allele order.
func Likelihoods(s *Site) []float64 {
	ls := make([]float64, len(s.Alleles))
	for i, a := range s.Alleles {
		ls[i] = Likelihood(a.Base, s.Alleles)
	}
	return ls
}
