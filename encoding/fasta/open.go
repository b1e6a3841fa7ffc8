package fasta

import (
	"context"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Opened is a Reference opened from a path.  In indexed mode it keeps the
// FASTA file open; Close releases it.
type Opened struct {
	*Reference
	in file.File
}

// Open opens the FASTA file at path.  If path is uncompressed and path+".fai"
// exists, bases are read on demand through the index; otherwise the whole
// file is loaded (transparently decompressing it if necessary).
func Open(ctx context.Context, path string) (o *Opened, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, errors.E(err, "fasta.Open", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		if idx, e := file.Open(ctx, path+".fai"); e == nil {
			var ref *Reference
			ref, err = ReadIndexed(in.Reader(ctx), idx.Reader(ctx))
			file.CloseAndReport(ctx, idx, &err)
			if err != nil {
				file.CloseAndReport(ctx, in, &err)
				return nil, errors.E(err, "fasta.Open", path+".fai")
			}
			log.Debug.Printf("fasta.Open: %s: indexed mode, %d sequences", path, len(ref.SeqNames()))
			return &Opened{Reference: ref, in: in}, nil
		}
	}
	defer file.CloseAndReport(ctx, in, &err)
	reader, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	ref, err := Read(reader)
	if err != nil {
		return nil, errors.E(err, "fasta.Open", path)
	}
	log.Debug.Printf("fasta.Open: %s: loaded %d sequences", path, len(ref.SeqNames()))
	return &Opened{Reference: ref}, nil
}

// Close releases the underlying file, if any.
func (o *Opened) Close(ctx context.Context) error {
	if o.in == nil {
		return nil
	}
	err := o.in.Close(ctx)
	o.in = nil
	return err
}
