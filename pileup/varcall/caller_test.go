package varcall_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/varcall/encoding/fasta"
	"github.com/grailbio/varcall/pileup"
	"github.com/grailbio/varcall/pileup/varcall"
	"github.com/klauspost/compress/gzip"
)

// fakeSource serves canned pileup entries keyed by input path.
type fakeSource map[string][]pileup.Entry

func (f fakeSource) Scan(ctx context.Context, path string, fn func(e *pileup.Entry) error) error {
	entries, ok := f[path]
	if !ok {
		return errors.E(errors.NotExist, path)
	}
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func repeatObs(base, qual byte, n int) []pileup.Obs {
	o := make([]pileup.Obs, n)
	for i := range o {
		o[i] = pileup.Obs{Base: base, Qual: qual}
	}
	return o
}

// testReference returns a 120bp chr1 with A at 100 and G at 50, plus a short
// chr2.
func testReference(t *testing.T) *fasta.Reference {
	seq := []byte(strings.Repeat("t", 120))
	seq[99] = 'A'
	seq[49] = 'G'
	ref, err := fasta.Read(strings.NewReader(">chr1 test\n" + string(seq[:60]) + "\n" + string(seq[60:]) + "\n>chr2\nACGTACGTAC\n"))
	assert.NoError(t, err)
	return ref
}

func newTestCaller(t *testing.T, src pileup.Source, opts varcall.Opts) *varcall.Caller {
	c, err := varcall.New(src, testReference(t), &opts)
	assert.NoError(t, err)
	return c
}

var testSource = fakeSource{
	"scenario1.bam": {
		{RefName: "chr1", Pos: 100, Obs: append(repeatObs('A', 30, 8), repeatObs('T', 30, 2)...)},
	},
	"empty.bam": nil,
	"g50.bam": {
		{RefName: "chr1", Pos: 50, Obs: repeatObs('C', 30, 6)},
	},
	"g50b.bam": {
		{RefName: "chr1", Pos: 50, Obs: repeatObs('C', 30, 6)},
	},
	"twocontigs.bam": {
		{RefName: "chr1", Pos: 3, Obs: repeatObs('G', 35, 12)},
		{RefName: "chr2", Pos: 3, Obs: repeatObs('T', 35, 12)},
	},
	"unknowncontig.bam": {
		{RefName: "chr1", Pos: 7, Obs: repeatObs('C', 30, 3)},
		{RefName: "chr1", Pos: 8, Obs: repeatObs('C', 30, 3)},
		{RefName: "chrUn", Pos: 1, Obs: repeatObs('C', 30, 3)},
		{RefName: "chr1", Pos: 9, Obs: repeatObs('C', 30, 3)},
	},
}

func TestCallerSequentialIngest(t *testing.T) {
	ctx := vcontext.Background()
	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "g50.bam"))
	expect.EQ(t, len(c.Call(false)), 0) // depth 6 < 10
	assert.NoError(t, c.Ingest(ctx, "g50b.bam"))

	s := c.Site("chr1", 50)
	assert.NotNil(t, s)
	expect.EQ(t, s.RefBase, byte('G'))
	expect.EQ(t, s.Depth, 12)
	expect.EQ(t, len(s.Alleles[s.AlleleIndex('C')].Quals), 12)

	recs := c.Call(false)
	assert.EQ(t, len(recs), 1)
	expect.EQ(t, recs[0].Filter, varcall.FilterPass)
	expect.EQ(t, recs[0].DP, 12)
	expect.EQ(t, recs[0].AD, 12)
	expect.False(t, c.Busy())
}

func TestCallerDoubleIngest(t *testing.T) {
	ctx := vcontext.Background()
	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "twocontigs.bam"))
	assert.NoError(t, c.Ingest(ctx, "twocontigs.bam"))
	expect.EQ(t, c.Len(), 2)
	expect.EQ(t, c.Site("chr1", 3).Depth, 24)
	expect.EQ(t, c.Site("chr2", 3).Depth, 24)
	expect.EQ(t, c.Site("chr2", 3).RefBase, byte('G'))
}

// pausingSource serves entries like fakeSource, but blocks after the first
// pauseAfter entries of a pass until release is closed.  It supports a single
// pass.
type pausingSource struct {
	fakeSource
	pauseAfter int
	paused     chan struct{}
	release    chan struct{}
}

func (p *pausingSource) Scan(ctx context.Context, path string, fn func(e *pileup.Entry) error) error {
	n := 0
	return p.fakeSource.Scan(ctx, path, func(e *pileup.Entry) error {
		if n == p.pauseAfter {
			close(p.paused)
			<-p.release
		}
		n++
		return fn(e)
	})
}

func TestCallerExportWaitsForIngest(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	src := &pausingSource{
		fakeSource: fakeSource{"split.bam": {
			{RefName: "chr1", Pos: 50, Obs: repeatObs('C', 30, 12)},
			{RefName: "chr1", Pos: 100, Obs: repeatObs('T', 30, 12)},
			{RefName: "chr2", Pos: 3, Obs: repeatObs('T', 30, 12)},
		}},
		pauseAfter: 1,
		paused:     make(chan struct{}),
		release:    make(chan struct{}),
	}
	c := newTestCaller(t, src, varcall.DefaultOpts)
	ingestDone := make(chan error, 1)
	go func() { ingestDone <- c.Ingest(ctx, "split.bam") }()
	<-src.paused
	expect.True(t, c.Busy())

	path := filepath.Join(tmpdir, "out.vcf")
	callDone := make(chan []varcall.Record, 1)
	vcfDone := make(chan error, 1)
	go func() { callDone <- c.Call(false) }()
	go func() { vcfDone <- c.WriteVCF(ctx, path, false) }()
	select {
	case <-callDone:
		t.Fatal("Call returned while an ingestion pass was running")
	case <-vcfDone:
		t.Fatal("WriteVCF returned while an ingestion pass was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(src.release)
	assert.NoError(t, <-ingestDone)
	recs := <-callDone
	assert.EQ(t, len(recs), 3)
	expect.EQ(t, recs[0].Pos, varcall.PosType(50))
	expect.EQ(t, recs[1].Pos, varcall.PosType(100))
	expect.EQ(t, recs[2].RefName, "chr2")

	assert.NoError(t, <-vcfDone)
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	var body []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if !strings.HasPrefix(line, "#") {
			body = append(body, line)
		}
	}
	expect.EQ(t, len(body), 3)
	expect.False(t, c.Busy())
}

func TestCallerIngestError(t *testing.T) {
	ctx := vcontext.Background()
	c := newTestCaller(t, testSource, varcall.DefaultOpts)

	err := c.Ingest(ctx, "missing.bam")
	expect.True(t, errors.Is(errors.NotExist, err))
	expect.EQ(t, c.Len(), 0)

	// The pass stops at the unknown contig; what it merged before stays.
	err = c.Ingest(ctx, "unknowncontig.bam")
	assert.NotNil(t, err)
	expect.HasSubstr(t, err.Error(), "unknowncontig.bam")
	expect.EQ(t, c.Len(), 2)
	expect.NotNil(t, c.Site("chr1", 8))
	expect.Nil(t, c.Site("chr1", 9))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	expect.NotNil(t, c.Ingest(cctx, "g50.bam"))
	expect.Nil(t, c.Site("chr1", 50))
}

func TestCallerCloneRestore(t *testing.T) {
	ctx := vcontext.Background()
	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "g50.bam"))
	saved := c.Clone()
	assert.NotNil(t, c.Ingest(ctx, "unknowncontig.bam"))
	expect.EQ(t, c.Len(), 3)
	c.Restore(saved)
	expect.EQ(t, c.Len(), 1)
	expect.EQ(t, c.Site("chr1", 50).Depth, 6)

	c.Reset()
	expect.EQ(t, c.Len(), 0)
	expect.EQ(t, saved.Len(), 1)
}

func TestCallerQueue(t *testing.T) {
	ctx := vcontext.Background()
	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	p1 := c.Queue("g50.bam")
	p2 := c.Queue("missing.bam")
	p3 := c.Queue("g50b.bam")
	assert.NoError(t, p1.Wait(ctx))
	expect.NotNil(t, p2.Wait(ctx))
	assert.NoError(t, p3.Wait(ctx))
	expect.EQ(t, p3.Path, "g50b.bam")
	expect.EQ(t, c.Site("chr1", 50).Depth, 12)

	p4 := c.Queue("scenario1.bam")
	assert.NoError(t, c.Close())
	select {
	case <-p4.Done():
	default:
		t.Fatal("Close returned before the queue drained")
	}
	expect.NoError(t, p4.Err())
	expect.EQ(t, c.Len(), 2)
	assert.NoError(t, c.Close())
}

func TestCallerWriteVCF(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	opts := varcall.DefaultOpts
	opts.MinEvidenceRatio = 0
	c := newTestCaller(t, testSource, opts)
	assert.NoError(t, c.Ingest(ctx, "scenario1.bam"))

	wantHeader := []string{
		"##fileformat=VCFv4.2",
		`##FILTER=<ID=PASS,Description="All filters passed">`,
		`##FILTER=<ID=RefCall,Description="Reference base was called">`,
	}
	const refCall = "chr1\t100\t.\tA\t<*>\t127\tRefCall\tDP=10;AD=8;ER=0.800;AN=2;GL=-6.003,-24.001;PL=60,240"

	path := filepath.Join(tmpdir, "out.vcf")
	assert.NoError(t, c.WriteVCF(ctx, path, true))
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	expect.EQ(t, lines[:3], wantHeader)
	expect.True(t, contains(lines, "##contig=<ID=chr1,length=120>"))
	expect.True(t, contains(lines, "##contig=<ID=chr2,length=10>"))
	expect.EQ(t, lines[len(lines)-2], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO")
	expect.EQ(t, lines[len(lines)-1], refCall)

	// Without RefCalls, nothing at this site passes.
	gzPath := filepath.Join(tmpdir, "out.vcf.gz")
	assert.NoError(t, c.WriteVCF(ctx, gzPath, false))
	data, err = ioutil.ReadFile(gzPath)
	assert.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	assert.NoError(t, err)
	data, err = ioutil.ReadAll(gz)
	assert.NoError(t, err)
	lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	expect.EQ(t, lines[len(lines)-1], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO")
}

func TestCallerWriteVCFEmpty(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "empty.bam"))
	expect.EQ(t, c.Len(), 0)

	path := filepath.Join(tmpdir, "empty.vcf")
	assert.NoError(t, c.WriteVCF(ctx, path, true))
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		expect.True(t, strings.HasPrefix(line, "#"), line)
	}
}

func TestCallerWriteSnapshot(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "twocontigs.bam"))
	assert.NoError(t, c.Ingest(ctx, "g50.bam"))

	want := []varcall.SnapshotSite{
		{ReferenceName: "chr1", Position: 3, Reference: "T", TotalDepth: 12, Variants: varcall.SnapshotVariants{{Base: "G", Quals: repeatInt(35, 12)}}},
		{ReferenceName: "chr1", Position: 50, Reference: "G", TotalDepth: 6, Variants: varcall.SnapshotVariants{{Base: "C", Quals: repeatInt(30, 6)}}},
		{ReferenceName: "chr2", Position: 3, Reference: "G", TotalDepth: 12, Variants: varcall.SnapshotVariants{{Base: "T", Quals: repeatInt(35, 12)}}},
	}
	for _, name := range []string{"raw.json", "raw.json.gz"} {
		path := filepath.Join(tmpdir, name)
		assert.NoError(t, c.WriteSnapshot(ctx, path))
		data, err := ioutil.ReadFile(path)
		assert.NoError(t, err)
		if strings.HasSuffix(name, ".gz") {
			gz, err := gzip.NewReader(bytes.NewReader(data))
			assert.NoError(t, err)
			data, err = ioutil.ReadAll(gz)
			assert.NoError(t, err)
		}
		got, err := varcall.ReadSnapshot(bytes.NewReader(data))
		assert.NoError(t, err)
		expect.EQ(t, got, want)
	}
}

func TestCallerCheckpoint(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	c := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, c.Ingest(ctx, "twocontigs.bam"))
	assert.NoError(t, c.Ingest(ctx, "scenario1.bam"))
	path := filepath.Join(tmpdir, "acc.rio")
	assert.NoError(t, c.WriteCheckpoint(ctx, path))

	resumed := newTestCaller(t, testSource, varcall.DefaultOpts)
	assert.NoError(t, resumed.ReadCheckpoint(ctx, path))
	expect.EQ(t, resumed.Clone().Sites(), c.Clone().Sites())
	expect.EQ(t, resumed.Call(true), c.Call(true))

	// Resuming and ingesting more is the same as ingesting everything in one
	// process.
	assert.NoError(t, resumed.Ingest(ctx, "g50.bam"))
	assert.NoError(t, c.Ingest(ctx, "g50.bam"))
	expect.EQ(t, resumed.Call(true), c.Call(true))

	// Checkpoints are additive.
	assert.NoError(t, resumed.ReadCheckpoint(ctx, path))
	expect.EQ(t, resumed.Site("chr1", 100).Depth, 20)

	expect.NotNil(t, resumed.ReadCheckpoint(ctx, filepath.Join(tmpdir, "nonexistent.rio")))
}

func TestNewInvalidOpts(t *testing.T) {
	opts := varcall.DefaultOpts
	opts.MinEvidenceRatio = 2
	_, err := varcall.New(testSource, testReference(t), &opts)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func repeatInt(v, n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func contains(lines []string, s string) bool {
	for _, l := range lines {
		if l == s {
			return true
		}
	}
	return false
}
