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
	"io"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varcall/pileup"
)

// UnspecifiedAlt is written to the ALT column of RefCall records.
const UnspecifiedAlt = "<*>"

var vcfMetaLines = []string{
	"##fileformat=VCFv4.2",
	`##FILTER=<ID=PASS,Description="All filters passed">`,
	`##FILTER=<ID=RefCall,Description="Reference base was called">`,
	`##INFO=<ID=DP,Number=1,Type=Integer,Description="Depth">`,
	`##INFO=<ID=AD,Number=A,Type=Integer,Description="Allele depth">`,
	`##INFO=<ID=ER,Number=1,Type=Float,Description="Evidence ratio">`,
	`##INFO=<ID=AN,Number=1,Type=Integer,Description="Total number of alleles">`,
	`##INFO=<ID=GL,Number=.,Type=Float,Description="Log10-scaled likelihoods of every allele observed at the site, in observation order">`,
	`##INFO=<ID=PL,Number=.,Type=Integer,Description="Phred-scaled likelihoods, rounded to the closest integer (otherwise defined as GL)">`,
}

const vcfColumnHeader = "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"

// writeVCFHeader writes the meta-information lines, one ##contig line per
// element of contigs, and the column header line.  Contig lengths are taken
// from ref when it is non-nil and knows the contig.
func writeVCFHeader(w *tsv.Writer, contigs []string, ref pileup.Reference) error {
	for _, line := range vcfMetaLines {
		w.WriteString(line)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	var buf []byte
	for _, name := range contigs {
		buf = append(buf[:0], "##contig=<ID="...)
		buf = append(buf, name...)
		if ref != nil {
			if n, err := ref.Len(name); err == nil {
				buf = append(buf, ",length="...)
				buf = strconv.AppendInt(buf, int64(n), 10)
			}
		}
		buf = append(buf, '>')
		w.WriteString(string(buf))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	w.WriteString(vcfColumnHeader)
	return w.EndLine()
}

// appendInfo appends the INFO column of r to dst.
func appendInfo(dst []byte, r *Record) []byte {
	dst = append(dst, "DP="...)
	dst = strconv.AppendInt(dst, int64(r.DP), 10)
	dst = append(dst, ";AD="...)
	dst = strconv.AppendInt(dst, int64(r.AD), 10)
	dst = append(dst, ";ER="...)
	dst = strconv.AppendFloat(dst, r.ER, 'f', 3, 64)
	dst = append(dst, ";AN="...)
	dst = strconv.AppendInt(dst, int64(r.AN), 10)
	dst = append(dst, ";GL="...)
	for i, gl := range r.GL {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendFloat(dst, gl, 'f', 3, 64)
	}
	dst = append(dst, ";PL="...)
	for i, pl := range r.PL {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendInt(dst, int64(pl), 10)
	}
	return dst
}

// writeVCFRecord appends one data line to w.
func writeVCFRecord(w *tsv.Writer, r *Record, scratch []byte) ([]byte, error) {
	w.WriteString(r.RefName)     // CHROM
	w.WriteUint32(uint32(r.Pos)) // POS, already 1-based
	w.WriteByte('.')             // ID
	w.WriteByte(r.Ref)           // REF

	// ALT
	if r.Filter == FilterRefCall {
		w.WriteString(UnspecifiedAlt)
	} else {
		w.WriteByte(r.Allele)
	}
	scratch = strconv.AppendFloat(scratch[:0], r.Qual, 'f', -1, 64)
	w.WriteString(string(scratch)) // QUAL
	w.WriteString(r.Filter.String())
	scratch = appendInfo(scratch[:0], r)
	w.WriteString(string(scratch))
	return scratch, w.EndLine()
}

// WriteVCF writes a VCFv4.2 file containing recs to out.  contigs determines
// the ##contig header lines; ref, if non-nil, supplies their lengths.
func WriteVCF(out io.Writer, contigs []string, ref pileup.Reference, recs []Record) error {
	w := tsv.NewWriter(out)
	if err := writeVCFHeader(w, contigs, ref); err != nil {
		return err
	}
	var (
		scratch []byte
		err     error
	)
	for i := range recs {
		if scratch, err = writeVCFRecord(w, &recs[i], scratch); err != nil {
			return err
		}
		if (i+1)%progressInterval == 0 {
			log.Printf("varcall.WriteVCF: %d of %d records, at %s:%d", i+1, len(recs), recs[i].RefName, recs[i].Pos)
		}
	}
	return w.Flush()
}
