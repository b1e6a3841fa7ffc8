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
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/varcall/encoding/fasta"
	"github.com/grailbio/varcall/pileup/locus"
	"github.com/grailbio/varcall/pileup/varcall"
)

var (
	configPath    = flag.String("config", "", "Optional config file (YAML, JSON or TOML) supplying values for flags not set on the command line")
	vcfPath       = flag.String("vcf", "bio-varcall.vcf", "Output VCF path; BGZF-compressed if it ends in .gz; empty to skip")
	jsonPath      = flag.String("json", "", "If nonempty, dump the raw accumulated evidence to this path as JSON; gzipped if it ends in .gz")
	checkpointIn  = flag.String("checkpoint-in", "", "If nonempty, resume from this checkpoint before ingesting")
	checkpointOut = flag.String("checkpoint-out", "", "If nonempty, save the accumulator to this path after ingesting")
	refCalls      = flag.Bool("include-ref-calls", false, "Report RefCall records (allele == reference base) as well as PASS records")
	withoutReads  = flag.Bool("include-sites-without-reads", varcall.DefaultOpts.IncludeSitesWithoutReads, "Keep read-covered positions whose bases were all filtered, as depth-0 sites")
	parallelism   = flag.Int("parallelism", 0, "Maximum number of goroutines used for BAM decompression, scoring and BGZF output; 0 = runtime.NumCPU()")

	minBaseQual      = flag.Int("min-base-qual", locus.DefaultOpts.MinBaseQual, "Bases with quality below this level are skipped")
	minMapQ          = flag.Int("mapq", locus.DefaultOpts.MinMapQ, "Reads with MAPQ below this level are skipped")
	filterDuplicates = flag.Bool("filter-duplicates", locus.DefaultOpts.FilterDuplicates, "Skip reads flagged as duplicates")
	flagExclude      = flag.Int("flag-exclude", locus.DefaultOpts.FlagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	maxReadSpan      = flag.Int("max-read-span", locus.DefaultOpts.MaxReadSpan, "Upper bound on size of reference-genome region a read maps to")

	minTotalDepth    = flag.Int("min-total-depth", varcall.DefaultOpts.MinTotalDepth, "Records at sites with fewer reads are not reported")
	minAlleleDepth   = flag.Int("min-allele-depth", varcall.DefaultOpts.MinAlleleDepth, "Records for alleles with fewer supporting reads are not reported")
	minEvidenceRatio = flag.Float64("min-evidence-ratio", varcall.DefaultOpts.MinEvidenceRatio, "Records with allele depth / site depth below this level are not reported")
	maxAltAlleles    = flag.Int("max-alt-alleles", varcall.DefaultOpts.MaxAltAlleles, "Maximum number of PASS records per site, highest allele depth first; 0 = unlimited")
)

func bioVarcallUsage() {
	fmt.Printf("Usage: %s [OPTIONS] fapath bampath...\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func ingestAll(ctx context.Context, c *varcall.Caller, bampaths []string) (nFailed int) {
	pending := make([]*varcall.Pending, len(bampaths))
	for i, path := range bampaths {
		pending[i] = c.Queue(path)
	}
	for _, p := range pending {
		if err := p.Wait(ctx); err != nil {
			log.Error.Printf("ingestion %v of %s failed: %v", p.ID, p.Path, err)
			nFailed++
		}
	}
	return nFailed
}

func main() {
	flag.Usage = bioVarcallUsage
	shutdown := grail.Init()
	defer shutdown()

	if *configPath != "" {
		if err := applyConfig(flag.CommandLine, *configPath); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if flag.NArg() < 2 {
		log.Fatalf("Missing positional arguments (fapath and at least one bampath required); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	fapath := flag.Arg(0)
	bampaths := flag.Args()[1:]

	ctx := vcontext.Background()
	ref, err := fasta.Open(ctx, fapath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() {
		if err := ref.Close(ctx); err != nil {
			log.Error.Printf("%v", err)
		}
	}()

	locusOpts := locus.Opts{
		MinBaseQual:      *minBaseQual,
		MinMapQ:          *minMapQ,
		FilterDuplicates: *filterDuplicates,
		FlagExclude:      *flagExclude,
		EmitUncovered:    *withoutReads,
		MaxReadSpan:      *maxReadSpan,
		Parallelism:      *parallelism,
	}
	src, err := locus.New(&locusOpts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	opts := varcall.Opts{
		MinTotalDepth:            *minTotalDepth,
		MinAlleleDepth:           *minAlleleDepth,
		MinEvidenceRatio:         *minEvidenceRatio,
		MaxAltAlleles:            *maxAltAlleles,
		IncludeRefCalls:          *refCalls,
		IncludeSitesWithoutReads: *withoutReads,
		Parallelism:              *parallelism,
	}
	c, err := varcall.New(src, ref, &opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if *checkpointIn != "" {
		if err = c.ReadCheckpoint(ctx, *checkpointIn); err != nil {
			log.Fatalf("%v", err)
		}
	}
	nFailed := ingestAll(ctx, c, bampaths)
	if err = c.Close(); err != nil {
		log.Fatalf("%v", err)
	}

	if *checkpointOut != "" {
		if err = c.WriteCheckpoint(ctx, *checkpointOut); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *jsonPath != "" {
		if err = c.WriteSnapshot(ctx, *jsonPath); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *vcfPath != "" {
		if err = c.WriteVCF(ctx, *vcfPath, *refCalls); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if nFailed > 0 {
		log.Fatalf("%d of %d inputs could not be ingested", nFailed, len(bampaths))
	}
	log.Debug.Printf("exiting")
}
