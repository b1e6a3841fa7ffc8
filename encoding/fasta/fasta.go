// Package fasta provides single-base random access to a reference genome
// stored in FASTA format (see http://www.htslib.org/doc/faidx.html), either
// fully loaded into memory or read on demand through a .fai index.
//
// Briefly, FASTA files consist of a number of named sequences that may be
// interrupted by newlines.  For example:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// Sequence names are the stretch of characters immediately after '>' up to
// the first space; '>chr1 A viral sequence' becomes 'chr1'.
//
// Bases are always returned uppercase, so soft-masked (lowercase) regions
// compare equal to read bases.
package fasta

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/varcall/pileup"
	"github.com/pkg/errors"
)

// maxLineLen bounds the length of a single FASTA line in eager mode.
const maxLineLen = 1024 * 1024 * 300 // 300 MB

// Reference is a reference genome backed by FASTA data.  It implements
// pileup.Reference.  All methods are thread-safe.
type Reference struct {
	seqNames []string
	lens     map[string]int32

	// Exactly one of seqs and index is non-nil.
	seqs  map[string][]byte
	index map[string]faiEntry

	mu  sync.Mutex
	win window // guarded by mu; indexed mode only
}

// Read loads all FASTA data from r into memory.
func Read(r io.Reader) (*Reference, error) {
	ref := &Reference{
		lens: make(map[string]int32),
		seqs: make(map[string][]byte),
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineLen)
	var (
		seqName string
		seq     []byte
		started bool
	)
	finish := func() error {
		if !started {
			if len(seq) != 0 {
				return errors.Errorf("malformed FASTA file: sequence data before first header")
			}
			return nil
		}
		if _, ok := ref.seqs[seqName]; ok {
			return errors.Errorf("malformed FASTA file: duplicate sequence %s", seqName)
		}
		ref.seqs[seqName] = seq
		ref.lens[seqName] = int32(len(seq))
		ref.seqNames = append(ref.seqNames, seqName)
		return nil
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) != 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if err := finish(); err != nil {
				return nil, err
			}
			seqName = strings.Split(string(line[1:]), " ")[0]
			seq = nil
			started = true
			continue
		}
		for _, b := range line {
			seq = append(seq, pileup.UpperBase(b))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if err := finish(); err != nil {
		return nil, err
	}
	if len(ref.seqNames) == 0 {
		return nil, errors.Errorf("empty FASTA file")
	}
	return ref, nil
}

// Base returns the base at the 1-based position pos of sequence seqName.
func (r *Reference) Base(seqName string, pos int32) (byte, error) {
	n, ok := r.lens[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	if pos < 1 || pos > n {
		return 0, errors.Errorf("position %d out of range for sequence %s with length %d", pos, seqName, n)
	}
	if r.seqs != nil {
		return r.seqs[seqName][pos-1], nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.win.byteAt(r.index[seqName].offsetOf(pos))
	if err != nil {
		return 0, errors.Wrapf(err, "%s:%d", seqName, pos)
	}
	return pileup.UpperBase(b), nil
}

// Len returns the length of sequence seqName.
func (r *Reference) Len(seqName string) (int32, error) {
	n, ok := r.lens[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return n, nil
}

// SeqNames returns the names of all sequences, in the order of appearance in
// the FASTA file.
func (r *Reference) SeqNames() []string {
	return r.seqNames
}
