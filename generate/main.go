package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/popgenlab/coalhmm/smclib"
)

func main() {

	var outdir, modelname, pid string
	flag.StringVar(&outdir, "o", ".", "Output directory")
	flag.StringVar(&modelname, "model", "", "Model file to simulate from (flat model if empty)")
	flag.StringVar(&pid, "pid", "pop1", "Population label written to the headers")

	var theta, rho, n0 float64
	flag.Float64Var(&theta, "theta", 0.00025, "Population-scaled mutation rate per site")
	flag.Float64Var(&rho, "rho", 0, "Population-scaled recombination rate per site (defaults to theta)")
	flag.Float64Var(&n0, "N0", 1e4, "Flat model population size")

	var n, length, ncontig, nstates int
	flag.IntVar(&n, "n", 4, "Sample size")
	flag.IntVar(&length, "length", 1000000, "Contig length in positions")
	flag.IntVar(&ncontig, "ncontig", 1, "Number of contigs")
	flag.IntVar(&nstates, "states", 16, "Number of hidden coalescence-time intervals")

	var seed uint64
	flag.Uint64Var(&seed, "seed", 1, "Random seed")
	flag.Parse()

	if err := os.MkdirAll(outdir, 0o755); err != nil {
		panic(err)
	}

	var model *smclib.DemographyModel
	if modelname != "" {
		mf, err := smclib.LoadModelFile(modelname)
		if err != nil {
			panic(err)
		}
		model, err = mf.Model()
		if err != nil {
			panic(err)
		}
		theta, rho = mf.Theta, mf.Rho
	} else {
		var err error
		model, err = smclib.FlatModel(n0, 8, 1e2, 1e5)
		if err != nil {
			panic(err)
		}
	}

	cfg := smclib.DefaultConfig()
	cfg.Theta = theta
	cfg.Rho = rho
	cfg.NStates = nstates

	src := smclib.NewSimSource(seed)
	for i := 0; i < ncontig; i++ {
		name := fmt.Sprintf("sim%d", i+1)
		contig, err := smclib.SimulateContig(model, &cfg, n, length, name, src)
		if err != nil {
			panic(err)
		}
		fname := filepath.Join(outdir, name+".coalhmm.gz")
		if err := smclib.WriteObservations(fname, []string{pid}, n, contig); err != nil {
			panic(err)
		}
		fmt.Printf("wrote %s (%d blocks)\n", fname, len(contig.Blocks))
	}
}
