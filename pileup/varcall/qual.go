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
package varcall

import (
	"math"
)

// This file contains qual phred-math routines.

// MaxQual is the phred score reported for an error probability of zero, and
// the largest score Phred ever returns.
const MaxQual = 127

// WorstLog10 is the log10 value reported for a probability of zero: the
// log10 of the smallest positive float64, i.e. no finite probability is
// worse.
var WorstLog10 = math.Log10(math.SmallestNonzeroFloat64)

// errProbTable[q] caches Probability(q) for every possible byte.
var errProbTable [256]float64

func init() {
	for q := range errProbTable {
		errProbTable[q] = math.Pow(10.0, float64(q)/-10.0)
	}
}

// Probability converts a phred-scaled quality score to an error probability,
// 10^(-q/10).
func Probability(q byte) float64 {
	return errProbTable[q]
}

// Phred converts an error probability to a phred-scaled quality score,
// round(-10*log10(p)).  p <= 0 saturates to MaxQual; results are clamped to
// [0, MaxQual].
func Phred(p float64) byte {
	if !(p > 0) {
		return MaxQual
	}
	q := math.Round(-10.0 * math.Log10(p))
	if q >= MaxQual {
		return MaxQual
	}
	if q <= 0 {
		return 0
	}
	return byte(q)
}

// Log10Error returns log10(p) for p > 0, and WorstLog10 otherwise.
func Log10Error(p float64) float64 {
	if p > 0 {
		return math.Log10(p)
	}
	return WorstLog10
}

// phredFromLog10 applies the phred rounding rule to a log10 probability
// without saturating; it is used for PL values.
func phredFromLog10(l float64) int {
	return int(math.Round(-10.0 * l))
}
