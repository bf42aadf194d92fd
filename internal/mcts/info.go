package mcts

import (
	"math"

	"pelican/internal/chess"
)

// BestMoveInfo is the final move report. Ponder is MoveNone when the best
// child has not been expanded; once it has, Ponder is its best reply even
// if no reply has been visited yet.
type BestMoveInfo struct {
	Move   chess.Move
	Ponder chess.Move
}

// ThinkingInfo is one progress report for the UCI layer.
type ThinkingInfo struct {
	Depth    int
	SelDepth int
	TimeMs   int64
	Nodes    int64
	NPS      int64
	Hashfull int
	ScoreCp  int
	TBHits   int64
	PV       []chess.Move
	Comment  string
}

// ScoreCentipawns converts a mean value to the centipawn scale. The
// constants invert the logistic value model the network was trained
// against.
func ScoreCentipawns(q float32) int {
	return int(290.680623072 * math.Tan(1.548090806*float64(q)))
}
