package engine

import (
	"math"
	"sync"

	"pelican/internal/mcts"
)

// GoParams carries one "go" command. Durations are milliseconds; negative
// means the field was not given.
type GoParams struct {
	WTime       int64
	BTime       int64
	WInc        int64
	BInc        int64
	MovesToGo   int
	MoveTime    int64
	Nodes       int64
	Infinite    bool
	Ponder      bool
	SearchMoves []string
}

func NewGoParams() GoParams {
	return GoParams{WTime: -1, BTime: -1, WInc: -1, BInc: -1, MovesToGo: -1, MoveTime: -1, Nodes: -1}
}

// TimeManager turns clock state into a per-move think budget. It also banks
// the time smart pruning leaves unspent, so the savings land on the next
// move with a real decision instead of diluting the whole curve.
type TimeManager struct {
	SlowMover      float64
	MoveOverheadMs int64
	CurveMidpoint  float64
	CurveSteepness float64

	mu      sync.Mutex
	bonusMs int64
}

// AddBonus deposits unspent think time for the next Limits call.
func (tm *TimeManager) AddBonus(ms int64) {
	tm.mu.Lock()
	tm.bonusMs += ms
	tm.mu.Unlock()
}

// BonusMs is the currently banked time.
func (tm *TimeManager) BonusMs() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.bonusMs
}

// survivalAtPly is the survival function of a logistic distribution fitted
// to empirical game lengths: the probability the game is still running at
// the given ply.
func survivalAtPly(ply, midpoint, steepness float64) float64 {
	return 1 / (1 + math.Pow(ply/midpoint, steepness))
}

// guessMovesToGo estimates the remaining game length by summing the
// survival function over future plies, normalized to the current one.
func (tm *TimeManager) guessMovesToGo(ply int) float64 {
	thisMove := survivalAtPly(float64(ply), tm.CurveMidpoint, tm.CurveSteepness)
	sum := 0.0
	for i := ply + 2; i < ply+300; i += 2 {
		sum += survivalAtPly(float64(i), tm.CurveMidpoint, tm.CurveSteepness)
	}
	return sum/thisMove + 1
}

// Limits computes the search limits for one move at the given game ply.
// Any banked bonus time is consumed here, exactly once.
func (tm *TimeManager) Limits(ply int, isBlack bool, params GoParams) mcts.Limits {
	limits := mcts.NoLimits()
	limits.TimeMs = params.MoveTime
	limits.Infinite = params.Infinite || params.Ponder
	if !limits.Infinite {
		limits.Visits = params.Nodes
	}

	clock := params.WTime
	if isBlack {
		clock = params.BTime
	}
	if limits.Infinite || clock < 0 {
		return limits
	}

	increment := params.WInc
	if isBlack {
		increment = params.BInc
	}
	if increment < 0 {
		increment = 0
	}

	// Some GUIs send movestogo 0; treat it as the last move before the
	// time control.
	movestogo := float64(params.MovesToGo)
	if params.MovesToGo == 0 {
		movestogo = 1
	}

	guessed := tm.guessMovesToGo(ply)
	if movestogo <= 0 || guessed < movestogo {
		movestogo = guessed
	}

	total := float64(clock) + float64(increment)*(movestogo-1) - float64(tm.MoveOverheadMs)
	if total < 0 {
		total = 0
	}

	tm.mu.Lock()
	bonus := tm.bonusMs
	if bonus > 0 {
		// Shape the curve as if the bonus had been spent normally, then
		// hand it all to this move below.
		total -= float64(bonus)
	}

	thisMove := total / movestogo

	// Slowmover only extends thinking when the extension is beyond what
	// smart pruning would claw back anyway.
	if tm.SlowMover < 1.0 || thisMove*tm.SlowMover > smartPruningToleranceMs {
		thisMove *= tm.SlowMover
	}

	if bonus > 0 {
		thisMove += float64(bonus)
		tm.bonusMs = 0
	}
	tm.mu.Unlock()

	budget := int64(thisMove)
	if ceiling := clock - tm.MoveOverheadMs; budget > ceiling {
		budget = ceiling
	}
	if budget < 0 {
		budget = 0
	}
	limits.TimeMs = budget
	return limits
}

const smartPruningToleranceMs = 200
