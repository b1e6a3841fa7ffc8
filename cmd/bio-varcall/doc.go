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

/*
bio-varcall accumulates pileup evidence from one or more coordinate-sorted BAM
files against a reference FASTA, and reports per-allele candidate calls as
VCF.

BAM files are ingested one at a time, in command-line order, into a single
accumulator; evidence for the same position across files adds up.  The
accumulator can be saved with --checkpoint-out and loaded again with
--checkpoint-in, so that later runs extend earlier ones.  --json dumps the
raw accumulated evidence, unfiltered.

Flags may also be given in a YAML, JSON or TOML file passed with --config,
keyed by flag name.  Flags set on the command line take precedence.

Sample usage:
bio-varcall \
    --vcf calls.vcf.gz \
    --checkpoint-out run1.rio \
    ref.fa \
    batch1.bam batch2.bam
*/
package main
