package engine

import "testing"

func newTestTimeManager() *TimeManager {
	return &TimeManager{
		SlowMover:      1.0,
		MoveOverheadMs: 100,
		CurveMidpoint:  101.5,
		CurveSteepness: 6.8,
	}
}

func TestMoveTimeUsedDirectly(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.MoveTime = 500
	limits := tm.Limits(0, false, params)
	if limits.TimeMs != 500 {
		t.Fatalf("movetime limit = %d, want 500", limits.TimeMs)
	}
}

func TestInfiniteIgnoresClock(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.Infinite = true
	params.WTime = 1000
	params.Nodes = 5000
	limits := tm.Limits(0, false, params)
	if !limits.Infinite || limits.TimeMs >= 0 || limits.Visits >= 0 {
		t.Fatalf("infinite limits = %+v", limits)
	}
}

func TestNodesBecomeVisitsLimit(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.Nodes = 5000
	limits := tm.Limits(0, false, params)
	if limits.Visits != 5000 {
		t.Fatalf("visits limit = %d, want 5000", limits.Visits)
	}
}

func TestBudgetRespectsMovesToGo(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.WTime = 60000
	params.MovesToGo = 2
	few := tm.Limits(0, false, params).TimeMs

	params.MovesToGo = 40
	many := tm.Limits(0, false, params).TimeMs

	if few <= many {
		t.Fatalf("2 moves to go budget %d not above 40 moves to go budget %d", few, many)
	}
	if ceiling := params.WTime - tm.MoveOverheadMs; few > ceiling {
		t.Fatalf("budget %d above ceiling %d", few, ceiling)
	}
}

func TestGuessedMovesToGoShrinksLateInGame(t *testing.T) {
	tm := newTestTimeManager()
	early := tm.guessMovesToGo(10)
	late := tm.guessMovesToGo(150)
	if early <= late {
		t.Fatalf("guessed moves to go: early %v <= late %v", early, late)
	}
	if late < 1 {
		t.Fatalf("guess below 1: %v", late)
	}
}

func TestBonusConsumedExactlyOnce(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.WTime = 60000

	plain := tm.Limits(20, false, params).TimeMs

	tm.AddBonus(3000)
	boosted := tm.Limits(20, false, params).TimeMs
	if tm.BonusMs() != 0 {
		t.Fatalf("bonus not cleared: %d", tm.BonusMs())
	}
	if boosted <= plain {
		t.Fatalf("boosted budget %d not above plain %d", boosted, plain)
	}

	again := tm.Limits(20, false, params).TimeMs
	if again != plain {
		t.Fatalf("post-bonus budget %d differs from plain %d", again, plain)
	}
}

func TestBlackClockSelected(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.WTime = 1000
	params.BTime = 60000
	white := tm.Limits(21, false, params).TimeMs
	black := tm.Limits(21, true, params).TimeMs
	if black <= white {
		t.Fatalf("black budget %d not above white budget %d", black, white)
	}
}

func TestStarvedClockStillNonNegative(t *testing.T) {
	tm := newTestTimeManager()
	params := NewGoParams()
	params.WTime = 50 // below the move overhead
	limits := tm.Limits(0, false, params)
	if limits.TimeMs < 0 {
		t.Fatalf("budget went negative: %d", limits.TimeMs)
	}
}
