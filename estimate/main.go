package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/popgenlab/coalhmm/smclib"
)

var (
	logger *log.Logger
)

// setLogger writes log messages to both stderr and a file in the output
// directory.
func setLogger(outdir, name string) *log.Logger {

	fid, err := os.Create(filepath.Join(outdir, name+"_msg.log"))
	if err != nil {
		panic(err)
	}
	return log.New(io.MultiWriter(os.Stderr, fid), "", log.Ltime)
}

func loadObservations(files []string) *smclib.ObservationSet {

	var all *smclib.ObservationSet
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
		if all == nil {
			all = obs
			continue
		}
		if obs.SampleSize != all.SampleSize {
			logger.Printf("skipping %s: sample size %d does not match %d",
				f, obs.SampleSize, all.SampleSize)
			continue
		}
		all.Contigs = append(all.Contigs, obs.Contigs...)
	}
	if all == nil || len(all.Contigs) == 0 {
		logger.Printf("no valid observation files")
		os.Exit(1)
	}
	return all
}

func main() {

	outdir := flag.String("o", ".", "Output directory")
	theta := flag.Float64("theta", 0, "Population-scaled mutation rate per site (required)")
	rho := flag.Float64("rho", 0, "Population-scaled recombination rate per site (defaults to theta)")
	fold := flag.Bool("fold", false, "Treat ancestral/derived labels as exchangeable")
	emiter := flag.Int("em-iterations", 20, "Maximum number of EM iterations")
	penalty := flag.Float64("penalty", 1.0, "Smoothness penalty weight on adjacent log-sizes")
	nstates := flag.Int("states", 16, "Number of hidden coalescence-time intervals")
	nseg := flag.Int("knots", 8, "Number of size-history segments")
	n0 := flag.Float64("N0", 1e4, "Initial population size guess")
	t1 := flag.Float64("t1", 1e2, "First size-history breakpoint")
	tk := flag.Float64("tK", 1e5, "Last size-history breakpoint")
	flag.Parse()

	if *theta <= 0 {
		fmt.Fprintf(os.Stderr, "estimate: -theta is required\n")
		os.Exit(1)
	}
	if err := os.MkdirAll(*outdir, 0o755); err != nil {
		panic(err)
	}
	logger = setLogger(*outdir, "estimate")

	files, err := smclib.ExpandFileArgs(flag.Args())
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "estimate: no observation files given\n")
		os.Exit(1)
	}

	obs := loadObservations(files)
	logger.Printf("%d contigs, sample size %d", len(obs.Contigs), obs.SampleSize)

	cfg := smclib.DefaultConfig()
	cfg.Theta = *theta
	cfg.Rho = *rho
	cfg.Fold = *fold
	cfg.Penalty = *penalty
	cfg.NStates = *nstates
	cfg.EMIterations = *emiter

	model, err := smclib.FlatModel(*n0, *nseg, *t1, *tk)
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}

	em, err := smclib.NewEMOptimizer(model, obs, cfg)
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
	em.SetLogger(logger)
	em.OutDir = *outdir
	em.Progress = true

	parfid, err := os.Create(filepath.Join(*outdir, "estimate_par.log"))
	if err != nil {
		panic(err)
	}
	defer parfid.Close()
	em.SetParamLogger(log.New(parfid, "", log.Ltime))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := em.Fit(ctx)
	if err != nil {
		var cw *smclib.ConvergenceWarning
		if !errors.As(err, &cw) {
			logger.Printf("estimation failed: %v", err)
			os.Exit(1)
		}
		logger.Printf("warning: %v", cw)
	}
	logger.Printf("status: %v", em.Status)

	mf := smclib.NewModelFile(final, em.States(), &cfg, em.LLF)
	if err := mf.Save(filepath.Join(*outdir, "model.final.json")); err != nil {
		logger.Printf("cannot write final model: %v", err)
		os.Exit(1)
	}
	logger.Printf("wrote %s", filepath.Join(*outdir, "model.final.json"))
}
