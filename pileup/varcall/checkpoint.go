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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

const (
	refNamesHeader    = "RefNames"
	checkpointVersion = 1
)

func init() {
	recordiozstd.Init()
}

// checkpointSite is the serialized form of a Site.  The contig is stored as an
// index into the RefNames header.
type checkpointSite struct {
	refID uint32
	site  Site
}

// cutAndAdvance returns s[offset:offset+pieceLen], and increments offset by
// pieceLen.
func cutAndAdvance(offset *int, s []byte, pieceLen int) []byte {
	tmpSlice := s[(*offset):]
	*offset += pieceLen
	return tmpSlice[:pieceLen]
}

// Serialized format:
//   [0..4): refID
//   [4..8): pos
//   [8..12): depth
//   [12]: reference base
//   [13]: number of alleles
//   for each allele: base (1 byte), n (4 bytes), then n quality bytes.
func marshalCheckpointSite(scratch []byte, p interface{}) ([]byte, error) {
	cs := p.(*checkpointSite)
	s := &cs.site
	if len(s.Alleles) > 255 {
		return nil, fmt.Errorf("%s:%d: %d alleles do not fit a checkpoint record", s.RefName, s.Pos, len(s.Alleles))
	}
	bytesReq := 14
	for _, a := range s.Alleles {
		bytesReq += 5 + len(a.Quals)
	}
	t := scratch
	if len(t) < bytesReq {
		t = make([]byte, bytesReq)
	}
	t = t[:bytesReq]

	offset := 0
	tStart := cutAndAdvance(&offset, t, 14)
	binary.LittleEndian.PutUint32(tStart[0:4], cs.refID)
	binary.LittleEndian.PutUint32(tStart[4:8], uint32(s.Pos))
	binary.LittleEndian.PutUint32(tStart[8:12], uint32(s.Depth))
	tStart[12] = s.RefBase
	tStart[13] = byte(len(s.Alleles))
	for _, a := range s.Alleles {
		hdr := cutAndAdvance(&offset, t, 5)
		hdr[0] = a.Base
		binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(a.Quals)))
		copy(cutAndAdvance(&offset, t, len(a.Quals)), a.Quals)
	}
	return t, nil
}

func unmarshalCheckpointSite(in []byte) (out interface{}, err error) {
	if len(in) < 14 {
		return nil, fmt.Errorf("checkpoint record too short: %d bytes", len(in))
	}
	offset := 0
	inStart := cutAndAdvance(&offset, in, 14)
	cs := &checkpointSite{
		refID: binary.LittleEndian.Uint32(inStart[0:4]),
		site: Site{
			Pos:     PosType(binary.LittleEndian.Uint32(inStart[4:8])),
			Depth:   int(binary.LittleEndian.Uint32(inStart[8:12])),
			RefBase: inStart[12],
		},
	}
	nAllele := int(inStart[13])
	if nAllele > 0 {
		cs.site.Alleles = make([]Allele, nAllele)
	}
	for i := range cs.site.Alleles {
		if len(in)-offset < 5 {
			return nil, fmt.Errorf("checkpoint record truncated at allele %d", i)
		}
		hdr := cutAndAdvance(&offset, in, 5)
		n := int(binary.LittleEndian.Uint32(hdr[1:5]))
		if len(in)-offset < n {
			return nil, fmt.Errorf("checkpoint record truncated at allele %d qualities", i)
		}
		cs.site.Alleles[i] = Allele{
			Base:  hdr[0],
			Quals: append([]byte(nil), cutAndAdvance(&offset, in, n)...),
		}
	}
	return cs, nil
}

func checkpointTrailer(numSites int) []byte {
	var buffer bytes.Buffer
	if err := binary.Write(&buffer, binary.LittleEndian, int64(checkpointVersion)); err != nil {
		panic("couldn't write trailer version")
	}
	if err := binary.Write(&buffer, binary.LittleEndian, int64(numSites)); err != nil {
		panic("couldn't write numSites to trailer")
	}
	return buffer.Bytes()
}

func parseCheckpointTrailer(trailer []byte) (int64, error) {
	r := bytes.NewReader(trailer)
	var version, numSites int64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != checkpointVersion {
		return 0, fmt.Errorf("unrecognized checkpoint version: got %d, want %d", version, checkpointVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &numSites); err != nil {
		return 0, err
	}
	return numSites, nil
}

// WriteCheckpoint serializes every site of acc, in key order, to out as a
// zstd-compressed recordio file.
func WriteCheckpoint(acc *Accumulator, out io.Writer) error {
	recordWriter := recordio.NewWriter(out, recordio.WriterOpts{
		Marshal:      marshalCheckpointSite,
		Transformers: []string{recordiozstd.Name},
	})
	recordWriter.AddHeader(refNamesHeader, strings.Join(acc.refNames, "\000"))
	recordWriter.AddHeader(recordio.KeyTrailer, true)
	numSites := 0
	acc.Scan(func(s *Site) bool {
		recordWriter.Append(&checkpointSite{refID: uint32(acc.refIDs[s.RefName]), site: *s})
		numSites++
		return true
	})
	recordWriter.SetTrailer(checkpointTrailer(numSites))
	return recordWriter.Finish()
}

// ReadCheckpoint merges the sites stored in a file written by WriteCheckpoint
// into acc, as if the passes that produced them had been ingested into acc.
// It returns the number of sites read.
func ReadCheckpoint(acc *Accumulator, rs io.ReadSeeker) (int, error) {
	scanner := recordio.NewScanner(rs, recordio.ScannerOpts{
		Unmarshal: unmarshalCheckpointSite,
	})
	var want int64 = -1
	if len(scanner.Trailer()) != 0 {
		var err error
		if want, err = parseCheckpointTrailer(scanner.Trailer()); err != nil {
			return 0, err
		}
	}
	var refNames []string
	for _, kv := range scanner.Header() {
		switch kv.Key {
		case refNamesHeader:
			if packed := kv.Value.(string); packed != "" {
				refNames = strings.Split(packed, "\000")
			}
		}
	}
	// Register the checkpoint's contigs first so that contig order survives
	// a round trip even for contigs acc has not seen.
	for _, name := range refNames {
		acc.refID(name)
	}
	n := 0
	for scanner.Scan() {
		cs := scanner.Get().(*checkpointSite)
		if int(cs.refID) >= len(refNames) {
			return n, fmt.Errorf("checkpoint site %d: contig index %d out of range [0, %d)", n, cs.refID, len(refNames))
		}
		cs.site.RefName = refNames[cs.refID]
		acc.mergeSite(&cs.site)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	if want >= 0 && int64(n) != want {
		return n, fmt.Errorf("checkpoint holds %d sites, trailer says %d", n, want)
	}
	return n, nil
}
