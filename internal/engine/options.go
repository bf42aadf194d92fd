package engine

import "pelican/internal/mcts"

// Options is everything configurable from the outside: engine-level knobs
// plus the search parameters, held as plain fields so the UCI option table
// can bind to them directly.
type Options struct {
	Threads   int
	CacheSize int

	SlowMover          float64
	MoveOverheadMs     int
	TimeCurveMidpoint  float64
	TimeCurveSteepness float64

	ModelPath   string
	OrtLibPath  string
	SyzygyPaths string

	MiniBatchSize         int
	MaxPrefetch           int
	Cpuct                 float64
	Temperature           float64
	TempDecayMoves        int
	Noise                 bool
	VerboseStats          bool
	FutileSearchAversion  float64
	FpuReduction          float64
	CacheHistoryLength    int
	PolicySoftmaxTemp     float64
	AllowedNodeCollisions int
	OutOfOrderEval        bool
	StickyCheckmate       bool
}

func DefaultOptions() Options {
	return Options{
		Threads:               2,
		CacheSize:             200000,
		SlowMover:             1.0,
		MoveOverheadMs:        100,
		TimeCurveMidpoint:     101.5,
		TimeCurveSteepness:    6.8,
		MiniBatchSize:         256,
		MaxPrefetch:           32,
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

// SearchParams materializes the search-facing subset.
func (o *Options) SearchParams() mcts.Params {
	return mcts.Params{
		MiniBatchSize:         o.MiniBatchSize,
		MaxPrefetchBatch:      o.MaxPrefetch,
		Cpuct:                 float32(o.Cpuct),
		Temperature:           float32(o.Temperature),
		TempDecayMoves:        o.TempDecayMoves,
		Noise:                 o.Noise,
		VerboseStats:          o.VerboseStats,
		FutileSearchAversion:  float32(o.FutileSearchAversion),
		FpuReduction:          float32(o.FpuReduction),
		CacheHistoryLength:    o.CacheHistoryLength,
		PolicySoftmaxTemp:     float32(o.PolicySoftmaxTemp),
		AllowedNodeCollisions: o.AllowedNodeCollisions,
		OutOfOrderEval:        o.OutOfOrderEval,
		StickyCheckmate:       o.StickyCheckmate,
	}
}
