package fasta

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// windowSize is the number of FASTA bytes cached per disk read in indexed
// mode.  Pileup lookups are mostly sequential, so one window serves many
// consecutive positions.
const windowSize = 64 << 10

// faiEntry is one line of a .fai index: "<name>\t<length>\t<byte
// offset>\t<bases per line>\t<bytes per line>", e.g. "chr3\t12345\t9000\t80\t81".
type faiEntry struct {
	length    int64
	offset    int64
	lineBases int64
	lineWidth int64
}

// offsetOf returns the file offset of the 1-based position pos.
func (e faiEntry) offsetOf(pos int32) int64 {
	p := int64(pos) - 1
	return e.offset + (p/e.lineBases)*e.lineWidth + p%e.lineBases
}

// window caches a contiguous range of the underlying FASTA file.
type window struct {
	r   io.ReadSeeker
	off int64
	buf []byte
}

func (w *window) byteAt(off int64) (byte, error) {
	if off < w.off || off >= w.off+int64(len(w.buf)) {
		if _, err := w.r.Seek(off, io.SeekStart); err != nil {
			return 0, errors.Wrapf(err, "seek to offset %d", off)
		}
		if cap(w.buf) < windowSize {
			w.buf = make([]byte, windowSize)
		}
		w.buf = w.buf[:windowSize]
		n, err := io.ReadFull(w.r, w.buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			w.buf = w.buf[:0]
			return 0, err
		}
		w.off = off
		w.buf = w.buf[:n]
		if n == 0 {
			return 0, errors.Errorf("unexpected end of FASTA data at offset %d (bad index?)", off)
		}
	}
	return w.buf[off-w.off], nil
}

// ReadIndexed creates a Reference that reads bases from fa on demand, using
// the .fai index read from index.  Only the index is held in memory.
func ReadIndexed(fa io.ReadSeeker, index io.Reader) (*Reference, error) {
	ref := &Reference{
		lens:  make(map[string]int32),
		index: make(map[string]faiEntry),
		win:   window{r: fa},
	}
	scanner := bufio.NewScanner(index)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			return nil, errors.Errorf("invalid index line %d: %q", lineNum, line)
		}
		var (
			ent  faiEntry
			vals [4]int64
		)
		for i := range vals {
			v, err := strconv.ParseInt(fields[i+1], 10, 64)
			if err != nil || v < 0 {
				return nil, errors.Errorf("invalid index line %d: %q", lineNum, line)
			}
			vals[i] = v
		}
		ent.length, ent.offset, ent.lineBases, ent.lineWidth = vals[0], vals[1], vals[2], vals[3]
		if ent.length > 0 && (ent.lineBases == 0 || ent.lineWidth < ent.lineBases) {
			return nil, errors.Errorf("invalid line geometry in index line %d: %q", lineNum, line)
		}
		name := fields[0]
		if _, ok := ref.index[name]; ok {
			return nil, errors.Errorf("duplicate sequence %s in index", name)
		}
		ref.index[name] = ent
		ref.lens[name] = int32(ent.length)
		ref.seqNames = append(ref.seqNames, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA index")
	}
	if len(ref.seqNames) == 0 {
		return nil, errors.Errorf("empty FASTA index")
	}
	return ref, nil
}
