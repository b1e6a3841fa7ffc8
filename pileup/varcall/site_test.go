package varcall

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/varcall/pileup"
)

func obs(base, qual byte, n int) []pileup.Obs {
	o := make([]pileup.Obs, n)
	for i := range o {
		o[i] = pileup.Obs{Base: base, Qual: qual}
	}
	return o
}

func TestAccumulatorIngest(t *testing.T) {
	acc := NewAccumulator([]string{"chr1"}, false)
	assert.True(t, acc.Ingest("chr1", 100, 'A', append(obs('A', 30, 2), obs('T', 20, 1)...)))
	assert.True(t, acc.Ingest("chr1", 100, 'A', append(obs('G', 10, 1), obs('A', 31, 1)...)))

	s := acc.Get("chr1", 100)
	assert.NotNil(t, s)
	expect.EQ(t, s.RefBase, byte('A'))
	expect.EQ(t, s.Depth, 5)
	expect.EQ(t, s.Alleles, []Allele{
		{Base: 'A', Quals: []byte{30, 30, 31}},
		{Base: 'T', Quals: []byte{20}},
		{Base: 'G', Quals: []byte{10}},
	})
	expect.EQ(t, acc.Len(), 1)
	expect.Nil(t, acc.Get("chr1", 101))
	expect.Nil(t, acc.Get("chr9", 100))
}

func TestAccumulatorDoubleIngest(t *testing.T) {
	acc := NewAccumulator(nil, false)
	for pass := 0; pass < 2; pass++ {
		acc.Ingest("chr1", 7, 'C', obs('C', 30, 4))
		acc.Ingest("chr1", 8, 'C', obs('T', 30, 3))
	}
	expect.EQ(t, acc.Get("chr1", 7).Depth, 8)
	expect.EQ(t, acc.Get("chr1", 8).Depth, 6)
	expect.EQ(t, len(acc.Get("chr1", 8).Alleles[0].Quals), 6)
}

func TestAccumulatorWithoutReads(t *testing.T) {
	acc := NewAccumulator(nil, false)
	expect.False(t, acc.Ingest("chr1", 1, 'A', nil))
	expect.EQ(t, acc.Len(), 0)

	acc = NewAccumulator(nil, true)
	expect.True(t, acc.Ingest("chr1", 1, 'A', nil))
	s := acc.Get("chr1", 1)
	assert.NotNil(t, s)
	expect.EQ(t, s.Depth, 0)
	expect.EQ(t, len(s.Alleles), 0)
}

func TestAccumulatorContigs(t *testing.T) {
	acc := NewAccumulator([]string{"chrB", "chrA"}, false)
	acc.Ingest("chrA", 5, 'A', obs('A', 30, 1))
	acc.Ingest("chrB", 5, 'C', obs('C', 30, 1))
	acc.Ingest("chrZ", 1, 'G', obs('G', 30, 1))
	acc.Ingest("chrB", 2, 'T', obs('T', 30, 1))

	// Same coordinate on two contigs: two sites.
	expect.EQ(t, acc.Get("chrA", 5).RefBase, byte('A'))
	expect.EQ(t, acc.Get("chrB", 5).RefBase, byte('C'))

	var got []string
	acc.Scan(func(s *Site) bool {
		got = append(got, s.RefName)
		return true
	})
	expect.EQ(t, got, []string{"chrB", "chrB", "chrA", "chrZ"})
	expect.EQ(t, acc.Sites()[0].Pos, PosType(2))
	expect.EQ(t, acc.Contigs(), []string{"chrB", "chrA", "chrZ"})

	n := 0
	acc.Scan(func(s *Site) bool {
		n++
		return n < 2
	})
	expect.EQ(t, n, 2)
}

func TestAccumulatorCloneReset(t *testing.T) {
	acc := NewAccumulator([]string{"chr1"}, false)
	acc.Ingest("chr1", 10, 'A', obs('A', 30, 3))
	c := acc.Clone()
	acc.Ingest("chr1", 10, 'A', obs('T', 30, 3))
	acc.Ingest("chr1", 11, 'A', obs('T', 30, 3))

	expect.EQ(t, c.Len(), 1)
	expect.EQ(t, c.Get("chr1", 10).Depth, 3)
	expect.EQ(t, len(c.Get("chr1", 10).Alleles), 1)
	expect.EQ(t, acc.Get("chr1", 10).Depth, 6)

	acc.Reset()
	expect.EQ(t, acc.Len(), 0)
	expect.EQ(t, acc.Contigs(), []string{"chr1"})
	expect.EQ(t, c.Len(), 1)
}

func TestAccumulatorMergeSite(t *testing.T) {
	acc := NewAccumulator(nil, false)
	acc.Ingest("chr1", 3, 'G', obs('G', 30, 2))
	src := &Site{
		RefName: "chr1",
		Pos:     3,
		RefBase: 'G',
		Depth:   3,
		Alleles: []Allele{{Base: 'C', Quals: []byte{20, 21}}, {Base: 'G', Quals: []byte{25}}},
	}
	acc.mergeSite(src)
	acc.mergeSite(&Site{RefName: "chr2", Pos: 3, RefBase: 'T', Depth: 1, Alleles: []Allele{{Base: 'T', Quals: []byte{9}}}})

	s := acc.Get("chr1", 3)
	expect.EQ(t, s.Depth, 5)
	expect.EQ(t, s.Alleles, []Allele{
		{Base: 'G', Quals: []byte{30, 30, 25}},
		{Base: 'C', Quals: []byte{20, 21}},
	})
	// src must not alias the accumulator.
	src.Alleles[0].Quals[0] = 99
	expect.EQ(t, acc.Get("chr1", 3).Alleles[1].Quals[0], byte(20))
	expect.EQ(t, acc.Get("chr2", 3).Depth, 1)
}
