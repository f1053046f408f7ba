package routing

import (
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/vllm-project/admission-router/pkg/config"
)

// Selector draws one deployment from an already-filtered candidate list.
// When any candidate declares a positive selection hint the draw is
// weighted, each candidate's probability proportional to its hint, and
// hintless candidates are never drawn. With no hints anywhere the draw
// is uniform.
type Selector struct {
	mu  sync.Mutex
	src rand.Source
}

// NewSelector builds a selector over the given random source. A nil
// source uses the shared global source; tests inject a seeded one for
// reproducible draws.
func NewSelector(src rand.Source) *Selector {
	return &Selector{src: src}
}

// Select draws one deployment, nil when candidates is empty. Safe for
// concurrent use.
func (s *Selector) Select(candidates []*config.Deployment) *config.Deployment {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}

	weights := make([]float64, len(candidates))
	for i, d := range candidates {
		weights[i] = d.SelectionHint()
	}
	if floats.Sum(weights) <= 0 {
		for i := range weights {
			weights[i] = 1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := sampleuv.NewWeighted(weights, s.src).Take()
	if !ok {
		return candidates[0]
	}
	return candidates[idx]
}
