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

func setLogger(outdir string) *log.Logger {

	fid, err := os.Create(filepath.Join(outdir, "split_msg.log"))
	if err != nil {
		panic(err)
	}
	return log.New(io.MultiWriter(os.Stderr, fid), "", log.Ltime)
}

// groupByPopulation splits the observation files into two sets keyed by the
// leading population label in each file header.  The population of the
// first file listed becomes population one.
func groupByPopulation(files []string) (*smclib.ObservationSet, *smclib.ObservationSet) {

	sets := make(map[string]*smclib.ObservationSet)
	var order []string

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
		if len(obs.Populations) == 0 {
			logger.Printf("skipping %s: no population label in header", f)
			continue
		}
		pid := obs.Populations[0]
		if cur, ok := sets[pid]; ok {
			if obs.SampleSize != cur.SampleSize {
				logger.Printf("skipping %s: sample size %d does not match %d for population %s",
					f, obs.SampleSize, cur.SampleSize, pid)
				continue
			}
			cur.Contigs = append(cur.Contigs, obs.Contigs...)
		} else {
			sets[pid] = obs
			order = append(order, pid)
		}
	}

	if len(order) != 2 {
		logger.Printf("split needs observation files from exactly 2 populations, got %d", len(order))
		os.Exit(1)
	}
	return sets[order[0]], sets[order[1]]
}

func main() {

	outdir := flag.String("o", ".", "Output directory")
	emiter := flag.Int("em-iterations", 20, "Maximum number of iterations")
	penalty := flag.Float64("penalty", 0.01, "Penalty weight on the rescaling step")
	nstates := flag.Int("states", 16, "Number of hidden coalescence-time intervals")
	flag.Parse()

	args := flag.Args()
	if len(args) < 4 {
		fmt.Fprintf(os.Stderr, "usage: split [flags] model1.json model2.json data...\n")
		os.Exit(1)
	}
	if err := os.MkdirAll(*outdir, 0o755); err != nil {
		panic(err)
	}
	logger = setLogger(*outdir)

	mf1, err := smclib.LoadModelFile(args[0])
	if err != nil {
		logger.Printf("cannot load %s: %v", args[0], err)
		os.Exit(1)
	}
	mf2, err := smclib.LoadModelFile(args[1])
	if err != nil {
		logger.Printf("cannot load %s: %v", args[1], err)
		os.Exit(1)
	}
	m1, _ := mf1.Model()
	m2, _ := mf2.Model()

	files, err := smclib.ExpandFileArgs(args[2:])
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
	obs1, obs2 := groupByPopulation(files)
	logger.Printf("population 1: %d contigs; population 2: %d contigs",
		len(obs1.Contigs), len(obs2.Contigs))

	cfg := smclib.DefaultConfig()
	cfg.Theta = mf1.Theta
	cfg.Rho = mf1.Rho
	cfg.Fold = mf1.Fold
	cfg.Penalty = *penalty
	cfg.NStates = *nstates
	cfg.EMIterations = *emiter

	sc, err := smclib.NewSplitCoordinator(m1, m2, obs1, obs2, cfg)
	if err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
	sc.SetLogger(logger)
	sc.OutDir = *outdir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	split, err := sc.Fit(ctx)
	if err != nil {
		var cw *smclib.ConvergenceWarning
		if !errors.As(err, &cw) {
			logger.Printf("split estimation failed: %v", err)
			os.Exit(1)
		}
		logger.Printf("warning: %v", cw)
	}
	logger.Printf("status: %v, split time %f", sc.Status, split)

	if err := sc.FinalModelFile().Save(filepath.Join(*outdir, "model.final.json")); err != nil {
		logger.Printf("cannot write final model: %v", err)
		os.Exit(1)
	}
	logger.Printf("wrote %s", filepath.Join(*outdir, "model.final.json"))
}
