package varcall

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/varcall/pileup"
)

// PosType is the integer type used to represent genomic positions.
type PosType = pileup.PosType

// Allele is one base observed at a site, together with the base qualities
// of every read that reported it, in ingestion order.
type Allele struct {
	Base  byte
	Quals []byte
}

// Site is the evidence accumulated at a single genomic position across all
// ingestion passes.
//
// Invariant: Depth == sum(len(a.Quals) for a in Alleles), except for sites
// created from a read-less pileup entry (Accumulator.IncludeSitesWithoutReads),
// which may have Depth == 0 and no alleles.
type Site struct {
	RefName string
	// Pos is 1-based.
	Pos     PosType
	RefBase byte
	// Depth is the total number of reads merged into this site.  It never
	// decreases.
	Depth int
	// Alleles is in first-observed order.  Output arrays (GL, PL) are
	// positionally aligned with it.
	Alleles []Allele
}

// AlleleIndex returns the index of base in s.Alleles, or -1.
func (s *Site) AlleleIndex(base byte) int {
	for i := range s.Alleles {
		if s.Alleles[i].Base == base {
			return i
		}
	}
	return -1
}

// add merges one pileup entry's observations into s.
func (s *Site) add(obs []pileup.Obs) {
	s.Depth += len(obs)
	for _, o := range obs {
		i := s.AlleleIndex(o.Base)
		if i < 0 {
			i = len(s.Alleles)
			s.Alleles = append(s.Alleles, Allele{Base: o.Base})
		}
		s.Alleles[i].Quals = append(s.Alleles[i].Quals, o.Qual)
	}
}

// merge adds all of src's evidence to s.
func (s *Site) merge(src *Site) {
	s.Depth += src.Depth
	for _, a := range src.Alleles {
		i := s.AlleleIndex(a.Base)
		if i < 0 {
			s.Alleles = append(s.Alleles, Allele{Base: a.Base, Quals: append([]byte(nil), a.Quals...)})
			continue
		}
		s.Alleles[i].Quals = append(s.Alleles[i].Quals, a.Quals...)
	}
}

func (s *Site) clone() *Site {
	c := *s
	c.Alleles = make([]Allele, len(s.Alleles))
	for i, a := range s.Alleles {
		c.Alleles[i] = Allele{Base: a.Base, Quals: append([]byte(nil), a.Quals...)}
	}
	return &c
}

// siteKey orders sites by (contig index, position) in the llrb index.
type siteKey struct {
	refID int
	pos   PosType
	site  *Site
}

// Compare compares two siteKey objects for use in llrb.
func (k siteKey) Compare(c2 llrb.Comparable) int {
	k2 := c2.(siteKey)
	if diff := k.refID - k2.refID; diff != 0 {
		return diff
	}
	return int(k.pos) - int(k2.pos)
}

// Accumulator maps (contig, position) to Site.  It grows monotonically across
// ingestion passes and never evicts.  It is not thread-safe; Caller
// serializes access to the accumulator it owns.
//
// Sites are keyed by the (contig, position) pair, so the same coordinate on
// two contigs never aliases.  Contigs are ordered by the dictionary passed to
// NewAccumulator, followed by unknown contigs in first-seen order.
type Accumulator struct {
	// IncludeSitesWithoutReads causes pileup entries with zero observations to
	// create (depth 0) sites instead of being ignored.
	IncludeSitesWithoutReads bool

	refIDs   map[string]int
	refNames []string
	sites    llrb.Tree
}

// NewAccumulator creates an empty accumulator.  refNames is the contig
// dictionary, usually pileup.Reference.SeqNames(); it may be nil.
func NewAccumulator(refNames []string, includeSitesWithoutReads bool) *Accumulator {
	a := &Accumulator{
		IncludeSitesWithoutReads: includeSitesWithoutReads,
		refIDs:                   make(map[string]int, len(refNames)),
	}
	for _, name := range refNames {
		a.refID(name)
	}
	return a
}

func (a *Accumulator) refID(name string) int {
	id, ok := a.refIDs[name]
	if !ok {
		id = len(a.refNames)
		a.refIDs[name] = id
		a.refNames = append(a.refNames, name)
	}
	return id
}

// Ingest merges one pileup entry into the accumulator.  refBase is only used
// when the site is new.  Returns false if the entry was ignored (no
// observations, and IncludeSitesWithoutReads unset).
func (a *Accumulator) Ingest(refName string, pos PosType, refBase byte, obs []pileup.Obs) bool {
	if len(obs) == 0 && !a.IncludeSitesWithoutReads {
		return false
	}
	k := siteKey{refID: a.refID(refName), pos: pos}
	if c := a.sites.Get(k); c != nil {
		c.(siteKey).site.add(obs)
		return true
	}
	k.site = &Site{RefName: refName, Pos: pos, RefBase: refBase}
	k.site.add(obs)
	a.sites.Insert(k)
	return true
}

// mergeSite adds src (typically read from a checkpoint) to the accumulator.
func (a *Accumulator) mergeSite(src *Site) {
	k := siteKey{refID: a.refID(src.RefName), pos: src.Pos}
	if c := a.sites.Get(k); c != nil {
		c.(siteKey).site.merge(src)
		return
	}
	k.site = src.clone()
	a.sites.Insert(k)
}

// Get returns the site at (refName, pos), or nil.  The returned site must not
// be modified.
func (a *Accumulator) Get(refName string, pos PosType) *Site {
	id, ok := a.refIDs[refName]
	if !ok {
		return nil
	}
	if c := a.sites.Get(siteKey{refID: id, pos: pos}); c != nil {
		return c.(siteKey).site
	}
	return nil
}

// Len returns the number of sites.
func (a *Accumulator) Len() int {
	return a.sites.Len()
}

// Contigs returns the contig order used for emission.
func (a *Accumulator) Contigs() []string {
	return a.refNames
}

// Scan calls fn on every site in (contig, position) order, stopping early if
// fn returns false.
func (a *Accumulator) Scan(fn func(s *Site) bool) {
	a.sites.Do(func(c llrb.Comparable) bool {
		return !fn(c.(siteKey).site)
	})
}

// Sites returns all sites in (contig, position) order.
func (a *Accumulator) Sites() []*Site {
	sites := make([]*Site, 0, a.sites.Len())
	a.Scan(func(s *Site) bool {
		sites = append(sites, s)
		return true
	})
	return sites
}

// Reset discards all sites, keeping the contig dictionary.
func (a *Accumulator) Reset() {
	a.sites = llrb.Tree{}
}

// Clone returns a deep copy of a.  Together with Caller.Restore it lets a
// caller make a sequence of ingestions atomic: clone before, restore on
// failure.
func (a *Accumulator) Clone() *Accumulator {
	c := &Accumulator{
		IncludeSitesWithoutReads: a.IncludeSitesWithoutReads,
		refIDs:                   make(map[string]int, len(a.refIDs)),
		refNames:                 append([]string(nil), a.refNames...),
	}
	for name, id := range a.refIDs {
		c.refIDs[name] = id
	}
	a.sites.Do(func(x llrb.Comparable) bool {
		k := x.(siteKey)
		k.site = k.site.clone()
		c.sites.Insert(k)
		return false
	})
	return c
}
