package mcts

import "pelican/internal/chess"

// Params are the tunable search options. Zero values are not meaningful;
// start from DefaultParams.
type Params struct {
	// MiniBatchSize is the network batch width a worker gathers per
	// iteration.
	MiniBatchSize int
	// MaxPrefetchBatch caps speculative cache prefetches per network call.
	MaxPrefetchBatch int
	// Cpuct is the PUCT exploration constant.
	Cpuct float32
	// Temperature and TempDecayMoves control sampled move selection at the
	// game level. Zero temperature always picks the most-visited move.
	Temperature    float32
	TempDecayMoves int
	// Noise mixes Dirichlet noise into the root priors.
	Noise bool
	// VerboseStats emits one comment line per root child when reporting.
	VerboseStats bool
	// FutileSearchAversion scales smart pruning: how readily the search
	// stops once the best move cannot be caught. <= 0 disables it.
	FutileSearchAversion float32
	// FpuReduction is subtracted (scaled by visited policy) from the value
	// assumed for unvisited children.
	FpuReduction float32
	// CacheHistoryLength is how many plies of history, beyond the position
	// itself, feed the evaluation cache key.
	CacheHistoryLength int
	// PolicySoftmaxTemp flattens (>1) or sharpens (<1) the raw priors.
	PolicySoftmaxTemp float32
	// AllowedNodeCollisions is the collision budget per gathered minibatch.
	AllowedNodeCollisions int
	// OutOfOrderEval backs up terminal and cache-hit leaves before the
	// network batch completes.
	OutOfOrderEval bool
	// StickyCheckmate takes a proven mate as soon as it is seen, ignoring
	// exploration.
	StickyCheckmate bool
}

func DefaultParams() Params {
	return Params{
		MiniBatchSize:         256,
		MaxPrefetchBatch:      32,
		Cpuct:                 3.4,
		Temperature:           0,
		TempDecayMoves:        0,
		Noise:                 false,
		VerboseStats:          false,
		FutileSearchAversion:  1.33,
		FpuReduction:          0.9,
		CacheHistoryLength:    1,
		PolicySoftmaxTemp:     2.2,
		AllowedNodeCollisions: 32,
		OutOfOrderEval:        false,
		StickyCheckmate:       false,
	}
}

// Limits bound one search. Negative means "no limit".
type Limits struct {
	TimeMs      int64
	Visits      int64
	Playouts    int64
	Infinite    bool
	SearchMoves []chess.Move
}

func NoLimits() Limits {
	return Limits{TimeMs: -1, Visits: -1, Playouts: -1}
}
