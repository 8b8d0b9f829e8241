package smclib

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulateContig draws a contig of the given length from the model with the
// sequential coalescent: the local coalescence time persists until a
// recombination resamples it, and each position emits an allele
// configuration from the state's emission distribution.  Output blocks are
// run-length compressed.
func SimulateContig(m *DemographyModel, cfg *Config, n, length int, name string, src rand.Source) (*Contig, error) {

	if n < 2 {
		return nil, &InputFormatError{Msg: fmt.Sprintf("sample size %d too small", n)}
	}
	if length <= 0 {
		return nil, &InputFormatError{Msg: "contig length must be positive"}
	}

	states := BalanceHiddenStates(m, cfg.NStates)
	hmm, err := BuildHMM(m, states, cfg, n)
	if err != nil {
		return nil, err
	}

	stateDist := distuv.NewCategorical(hmm.init, src)
	emitDist := make([]distuv.Categorical, states.K())
	for k := range emitDist {
		emitDist[k] = distuv.NewCategorical(hmm.emis[k], src)
	}

	rho := cfg.Rho
	if rho == 0 {
		rho = cfg.Theta
	}

	var blocks []ContigBlock
	pos := 0
	for pos < length {

		k := int(stateDist.Rand())

		// Distance to the next recombination scales with the local
		// tree height.
		rate := rho * 2 * states.Times[k]
		span := length - pos
		if rate > 0 {
			d := distuv.Exponential{Rate: rate, Src: src}.Rand()
			if int(d)+1 < span {
				span = int(d) + 1
			}
		}

		for s := 0; s < span; s++ {
			ci := int(emitDist[k].Rand())
			blocks = append(blocks, ContigBlock{
				Span:                 1,
				DerivedCount:         ci / 3,
				DistinguishedDerived: ci % 3,
				TotalLineages:        n,
			})
		}
		pos += span
	}

	return &Contig{Name: name, Blocks: compressRepeated(blocks)}, nil
}

// NewSimSource returns a deterministic random source for the generator.
func NewSimSource(seed uint64) rand.Source {
	if seed == 0 {
		seed = uint64(math.Float64bits(math.Pi))
	}
	return rand.NewSource(seed)
}
