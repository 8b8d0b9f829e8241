package smclib

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Missing marks a block whose allele configuration is unobserved.  Missing
// blocks contribute recombination transitions but no emission information.
const Missing int = -1

// Spans of missing data longer than this are treated as contig breaks: no
// hidden state is carried across them.
const longSpanCutoff = 50000

// ContigBlock is a run of consecutive genomic positions sharing one observed
// allele configuration.
type ContigBlock struct {
	// Span is the number of positions in the run.  Always positive.
	Span int

	// DerivedCount is the number of lineages carrying the derived allele,
	// or Missing if the site run is unobserved.
	DerivedCount int

	// DistinguishedDerived is the number of derived alleles among the two
	// distinguished lineages.
	DistinguishedDerived int

	// TotalLineages is the sample size at this block.
	TotalLineages int
}

// Contig is the ordered block sequence for one chromosome or segment.
// Contigs are independent: no hidden state crosses a contig boundary.
type Contig struct {
	Name   string
	Blocks []ContigBlock
}

// Length returns the number of genomic positions covered by the contig.
func (c *Contig) Length() int {
	var n int
	for _, b := range c.Blocks {
		n += b.Span
	}
	return n
}

// ObservationSet holds all contigs of one analysis together with the sample
// layout declared in the file headers.
type ObservationSet struct {
	// Populations lists the population labels from the header.
	Populations []string

	// SampleSize is the declared number of lineages.
	SampleSize int

	Contigs []*Contig
}

// fileHeader is the JSON payload on the first line of an observation file.
type fileHeader struct {
	Contig string   `json:"contig"`
	Pids   []string `json:"pids"`
	N      int      `json:"n"`
}

const headerMagic = "# COALHMM "

// ReadObservations loads one observation file, gzip-compressed or plain.
// The contig is normalized: adjacent identical blocks are merged and long
// missing spans become segment breaks.
func ReadObservations(fname string) (*ObservationSet, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	var rdr io.Reader = fid
	if strings.HasSuffix(fname, ".gz") {
		gid, err := gzip.NewReader(fid)
		if err != nil {
			return nil, &InputFormatError{File: fname, Msg: err.Error()}
		}
		defer gid.Close()
		rdr = gid
	}

	return parseObservations(rdr, fname)
}

func parseObservations(rdr io.Reader, fname string) (*ObservationSet, error) {

	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, &InputFormatError{File: fname, Msg: "empty file"}
	}
	first := scanner.Text()
	if !strings.HasPrefix(first, headerMagic) {
		return nil, &InputFormatError{File: fname, Line: 1, Msg: "missing header line"}
	}

	var hdr fileHeader
	if err := json.Unmarshal([]byte(first[len(headerMagic):]), &hdr); err != nil {
		return nil, &InputFormatError{File: fname, Line: 1, Msg: "bad header: " + err.Error()}
	}
	if hdr.N < 2 {
		return nil, &InputFormatError{File: fname, Line: 1, Msg: fmt.Sprintf("sample size %d too small", hdr.N)}
	}

	var blocks []ContigBlock
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, &InputFormatError{File: fname, Line: lineno,
				Msg: fmt.Sprintf("expected 4 columns, got %d", len(fields))}
		}
		v := make([]int, 4)
		for j, f := range fields {
			x, err := strconv.Atoi(f)
			if err != nil {
				return nil, &InputFormatError{File: fname, Line: lineno, Msg: err.Error()}
			}
			v[j] = x
		}
		blk := ContigBlock{Span: v[0], DerivedCount: v[1], DistinguishedDerived: v[2], TotalLineages: v[3]}
		if err := validateBlock(blk, hdr.N); err != nil {
			ie := err.(*InputFormatError)
			ie.File, ie.Line = fname, lineno
			return nil, ie
		}
		blocks = append(blocks, blk)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &InputFormatError{File: fname, Msg: "no blocks"}
	}

	blocks = compressRepeated(blocks)

	obs := &ObservationSet{
		Populations: hdr.Pids,
		SampleSize:  hdr.N,
	}
	for i, seg := range breakLongSpans(blocks) {
		name := hdr.Contig
		if i > 0 {
			name = fmt.Sprintf("%s.%d", hdr.Contig, i)
		}
		obs.Contigs = append(obs.Contigs, &Contig{Name: name, Blocks: seg})
	}

	return obs, nil
}

func validateBlock(b ContigBlock, n int) error {
	if b.Span <= 0 {
		return &InputFormatError{Msg: fmt.Sprintf("non-positive span %d", b.Span)}
	}
	if b.TotalLineages != n {
		return &InputFormatError{Msg: fmt.Sprintf("block has %d lineages, file declares %d",
			b.TotalLineages, n)}
	}
	if b.DerivedCount == Missing {
		return nil
	}
	if b.DerivedCount < 0 || b.DerivedCount > n {
		return &InputFormatError{Msg: fmt.Sprintf("derived count %d out of range", b.DerivedCount)}
	}
	if b.DistinguishedDerived < 0 || b.DistinguishedDerived > 2 {
		return &InputFormatError{Msg: fmt.Sprintf("distinguished count %d out of range", b.DistinguishedDerived)}
	}
	if b.DistinguishedDerived > b.DerivedCount {
		return &InputFormatError{Msg: "distinguished derived exceeds derived count"}
	}
	return nil
}

// compressRepeated merges adjacent blocks with identical configurations.
func compressRepeated(blocks []ContigBlock) []ContigBlock {
	out := blocks[:0]
	for _, b := range blocks {
		if n := len(out); n > 0 && sameConfig(out[n-1], b) {
			out[n-1].Span += b.Span
			continue
		}
		out = append(out, b)
	}
	return out
}

func sameConfig(a, b ContigBlock) bool {
	return a.DerivedCount == b.DerivedCount &&
		a.DistinguishedDerived == b.DistinguishedDerived &&
		a.TotalLineages == b.TotalLineages
}

// breakLongSpans splits the block sequence at missing runs longer than the
// cutoff.  The missing run itself is dropped: the Markov chain restarts on
// the far side.
func breakLongSpans(blocks []ContigBlock) [][]ContigBlock {

	var segs [][]ContigBlock
	var cur []ContigBlock
	for _, b := range blocks {
		if b.DerivedCount == Missing && b.Span >= longSpanCutoff {
			if len(cur) > 0 {
				segs = append(segs, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		segs = append(segs, cur)
	}
	return segs
}

// WriteObservations writes a contig in the observation file format, gzipped
// when the file name ends in .gz.  Used by the generator command.
func WriteObservations(fname string, pids []string, n int, contig *Contig) error {

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	var w io.Writer = fid
	var gz *gzip.Writer
	if strings.HasSuffix(fname, ".gz") {
		gz = gzip.NewWriter(fid)
		defer gz.Close()
		w = gz
	}

	hdr, err := json.Marshal(fileHeader{Contig: contig.Name, Pids: pids, N: n})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s%s\n", headerMagic, hdr); err != nil {
		return err
	}
	for _, b := range contig.Blocks {
		_, err := fmt.Fprintf(w, "%d %d %d %d\n", b.Span, b.DerivedCount,
			b.DistinguishedDerived, b.TotalLineages)
		if err != nil {
			return err
		}
	}
	return nil
}

// ExpandFileArgs resolves command-line observation arguments, replacing any
// argument of the form @listfile with the lines of that file.
func ExpandFileArgs(args []string) ([]string, error) {

	var ret []string
	for _, a := range args {
		if !strings.HasPrefix(a, "@") {
			ret = append(ret, a)
			continue
		}
		fid, err := os.Open(a[1:])
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(fid)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				ret = append(ret, line)
			}
		}
		if err := scanner.Err(); err != nil {
			fid.Close()
			return nil, err
		}
		fid.Close()
	}
	return ret, nil
}
