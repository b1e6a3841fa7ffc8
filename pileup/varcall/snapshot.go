package varcall

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// SnapshotSite is the JSON form of one Site.
type SnapshotSite struct {
	ReferenceName string           `json:"referenceName"`
	Position      int              `json:"position"`
	Reference     string           `json:"reference"`
	TotalDepth    int              `json:"totalDepth"`
	Variants      SnapshotVariants `json:"variants"`
}

// SnapshotAllele is one observed base and its read qualities, in ingestion
// order.
type SnapshotAllele struct {
	Base  string
	Quals []int
}

// SnapshotVariants is encoded as a JSON object mapping each base to its
// qualities.  Keys keep first-observed allele order rather than the sorted
// order encoding/json uses for maps.
type SnapshotVariants []SnapshotAllele

// MarshalJSON implements json.Marshaler.
func (v SnapshotVariants) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, a := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(a.Base)
		if err != nil {
			return nil, err
		}
		quals := a.Quals
		if quals == nil {
			quals = []int{}
		}
		val, err := json.Marshal(quals)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON implements json.Unmarshaler.  It keeps the order of the
// object's keys.
func (v *SnapshotVariants) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*v = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.E(errors.Invalid, "varcall.SnapshotVariants: expected a JSON object")
	}
	var out SnapshotVariants
	for dec.More() {
		if tok, err = dec.Token(); err != nil {
			return err
		}
		base, ok := tok.(string)
		if !ok {
			return errors.E(errors.Invalid, "varcall.SnapshotVariants: expected a key")
		}
		a := SnapshotAllele{Base: base}
		if err = dec.Decode(&a.Quals); err != nil {
			return err
		}
		out = append(out, a)
	}
	if _, err = dec.Token(); err != nil {
		return err
	}
	*v = out
	return nil
}

func newSnapshotSite(s *Site) SnapshotSite {
	ss := SnapshotSite{
		ReferenceName: s.RefName,
		Position:      int(s.Pos),
		Reference:     string(s.RefBase),
		TotalDepth:    s.Depth,
		Variants:      make(SnapshotVariants, len(s.Alleles)),
	}
	for i, a := range s.Alleles {
		quals := make([]int, len(a.Quals))
		for j, q := range a.Quals {
			quals[j] = int(q)
		}
		ss.Variants[i] = SnapshotAllele{Base: string(a.Base), Quals: quals}
	}
	return ss
}

// WriteSnapshot writes every site of acc, unfiltered and in key order, to
// out as a JSON array of SnapshotSite objects, one per line.
func WriteSnapshot(acc *Accumulator, out io.Writer) error {
	w := bufio.NewWriter(out)
	if _, err := w.WriteString("["); err != nil {
		return err
	}
	var (
		err   error
		first = true
		nSite int
	)
	acc.Scan(func(s *Site) bool {
		var data []byte
		if data, err = json.Marshal(newSnapshotSite(s)); err != nil {
			return false
		}
		if nSite++; nSite%progressInterval == 0 {
			log.Printf("varcall.WriteSnapshot: %d of %d sites, at %s:%d", nSite, acc.Len(), s.RefName, s.Pos)
		}
		if !first {
			w.WriteByte(',') // nolint: errcheck
		}
		first = false
		w.WriteByte('\n') // nolint: errcheck
		_, err = w.Write(data)
		return err == nil
	})
	if err != nil {
		return err
	}
	if _, err = w.WriteString("\n]\n"); err != nil {
		return err
	}
	return w.Flush()
}

// ReadSnapshot parses a file written by WriteSnapshot.  It is the inverse of
// WriteSnapshot, used to inspect or compare dumps.
func ReadSnapshot(in io.Reader) ([]SnapshotSite, error) {
	var sites []SnapshotSite
	if err := json.NewDecoder(in).Decode(&sites); err != nil {
		return nil, err
	}
	return sites, nil
}
