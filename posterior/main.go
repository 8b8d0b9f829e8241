package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/popgenlab/coalhmm/smclib"
)

var (
	logger *log.Logger
)

func setLogger(outdir string) *log.Logger {

	fid, err := os.Create(filepath.Join(outdir, "posterior_msg.log"))
	if err != nil {
		panic(err)
	}
	return log.New(io.MultiWriter(os.Stderr, fid), "", log.Ltime)
}

func main() {

	outdir := flag.String("o", ".", "Output directory")
	outname := flag.String("out", "posterior.gob.gz", "Output file name")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: posterior [flags] model.final.json data...\n")
		os.Exit(1)
	}
	if err := os.MkdirAll(*outdir, 0o755); err != nil {
		panic(err)
	}
	logger = setLogger(*outdir)

	mf, err := smclib.LoadModelFile(args[0])
	if err != nil {
		logger.Printf("cannot load %s: %v", args[0], err)
		os.Exit(1)
	}

	files, err := smclib.ExpandFileArgs(args[1:])
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}

	cfg := smclib.DefaultConfig()
	cfg.Theta = mf.Theta
	cfg.Rho = mf.Rho
	cfg.Fold = mf.Fold
	if len(mf.HiddenBoundaries) > 1 {
		cfg.NStates = len(mf.HiddenBoundaries)
	}

	var posts []*smclib.Posterior
	for _, f := range files {
		obs, err := smclib.ReadObservations(f)
		if err != nil {
			var ife *smclib.InputFormatError
			if errors.As(err, &ife) {
				logger.Printf("skipping %s: %v", f, err)
				continue
			}
			logger.Printf("cannot read %s: %v", f, err)
			os.Exit(1)
		}
		ps, err := smclib.DecodePosterior(mf, obs, &cfg)
		if err != nil {
			logger.Printf("decoding %s failed: %v", f, err)
			os.Exit(1)
		}
		posts = append(posts, ps...)
	}
	if len(posts) == 0 {
		logger.Printf("no valid observation files")
		os.Exit(1)
	}

	out := filepath.Join(*outdir, *outname)
	if err := smclib.WritePosterior(out, posts); err != nil {
		logger.Printf("cannot write %s: %v", out, err)
		os.Exit(1)
	}
	logger.Printf("wrote %s", out)
}
