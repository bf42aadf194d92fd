package mcts

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"pelican/internal/chess"
	"pelican/internal/nn"
	"pelican/internal/tb"
)

// fakeTablebase answers every probe with a canned result.
type fakeTablebase struct {
	cardinality int
	wdl         tb.WDL
	state       tb.ProbeState
	probes      int32
}

func (f *fakeTablebase) MaxCardinality() int { return f.cardinality }

func (f *fakeTablebase) ProbeWDL(pos *chess.Position) (tb.WDL, tb.ProbeState) {
	atomic.AddInt32(&f.probes, 1)
	return f.wdl, f.state
}

// White king e1 and pawn e2 against the black king on c3: pawn pushes reset
// the halfmove clock, so those children pass the probe gate; king moves
// keep the clock running and must not be probed.
const kpkFen = "8/8/8/8/8/2k5/4P3/4K3 w - - 3 1"

func tablebaseSearch(t *testing.T, fake *fakeTablebase) (*Search, *searchWorker) {
	t.Helper()
	tree := testTree(t, kpkFen)
	s := NewSearch(tree, SearchConfig{
		Network:   &stubNetwork{},
		Cache:     nn.NewCache(1000),
		Tablebase: fake,
		Limits:    NoLimits(),
		Params:    DefaultParams(),
		Logger:    zerolog.Nop(),
	})
	return s, newSearchWorker(s)
}

func extendChild(t *testing.T, s *Search, w *searchWorker, move string) *Node {
	t.Helper()
	root := s.rootNode
	for i := 0; i < root.NumEdges(); i++ {
		e := root.EdgeAt(i)
		if e.move.String() == move {
			child := root.SpawnChild(i)
			w.history.Append(e.Move())
			w.extendNode(child)
			return child
		}
	}
	t.Fatalf("move %s not among root edges", move)
	return nil
}

func TestTablebaseProbeTerminalMapping(t *testing.T) {
	cases := []struct {
		name  string
		wdl   tb.WDL
		state tb.ProbeState
		want  GameResult
		q     float32
	}{
		// A win for the side to move is a loss for the player who moved in.
		{"stm win", tb.WDLWin, tb.ProbeOK, ResultLoss, -1},
		{"stm loss", tb.WDLLoss, tb.ProbeOK, ResultWin, 1},
		{"draw", tb.WDLDraw, tb.ProbeOK, ResultDraw, 0},
		{"cursed win", tb.WDLCursedWin, tb.ProbeOK, ResultDraw, 0},
		{"blessed loss", tb.WDLBlessedLoss, tb.ProbeOK, ResultDraw, 0},
		// Any state besides a failed probe carries a usable result.
		{"zeroing state", tb.WDLLoss, tb.ProbeZeroingBestMove, ResultWin, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeTablebase{cardinality: 5, wdl: tc.wdl, state: tc.state}
			s, w := tablebaseSearch(t, fake)
			w.extendNode(s.rootNode)
			if fake.probes != 0 {
				t.Fatalf("root was probed %d times; the root is never a tablebase shortcut", fake.probes)
			}

			child := extendChild(t, s, w, "e2e4")
			if fake.probes != 1 {
				t.Fatalf("probes = %d, want 1", fake.probes)
			}
			if !child.IsTerminal() || child.Result() != tc.want {
				t.Fatalf("terminal=%v result=%v, want result %v",
					child.IsTerminal(), child.Result(), tc.want)
			}
			if child.Q() != tc.q {
				t.Fatalf("q = %v, want %v", child.Q(), tc.q)
			}
		})
	}
}

func TestTablebaseProbeFailureIsIgnored(t *testing.T) {
	fake := &fakeTablebase{cardinality: 5, state: tb.ProbeFail, wdl: tb.WDLWin}
	s, w := tablebaseSearch(t, fake)
	w.extendNode(s.rootNode)

	child := extendChild(t, s, w, "e2e4")
	if fake.probes != 1 {
		t.Fatalf("probes = %d, want 1", fake.probes)
	}
	if child.IsTerminal() || !child.HasChildren() {
		t.Fatal("failed probe must leave the node a normal expandable leaf")
	}
}

func TestTablebaseProbeGatedOnHalfmoveClock(t *testing.T) {
	fake := &fakeTablebase{cardinality: 5, wdl: tb.WDLDraw, state: tb.ProbeOK}
	s, w := tablebaseSearch(t, fake)
	w.extendNode(s.rootNode)

	// A king move keeps the halfmove clock running: no probe.
	child := extendChild(t, s, w, "e1f1")
	if fake.probes != 0 {
		t.Fatalf("probes = %d for a non-zeroing move, want 0", fake.probes)
	}
	if child.IsTerminal() {
		t.Fatal("unprobed node must not be terminal")
	}
}

func TestTablebaseCardinalityGate(t *testing.T) {
	fake := &fakeTablebase{cardinality: 2, wdl: tb.WDLWin, state: tb.ProbeOK}
	s, w := tablebaseSearch(t, fake)
	w.extendNode(s.rootNode)

	// Three men on the board, tables only cover two: no probe.
	extendChild(t, s, w, "e2e4")
	if fake.probes != 0 {
		t.Fatalf("probes = %d above max cardinality, want 0", fake.probes)
	}
}

func TestSearchUsesTablebaseWins(t *testing.T) {
	fake := &fakeTablebase{cardinality: 5, wdl: tb.WDLLoss, state: tb.ProbeOK}
	tree := testTree(t, kpkFen)
	params := DefaultParams()
	params.MiniBatchSize = 8
	limits := NoLimits()
	limits.Visits = 200
	s := NewSearch(tree, SearchConfig{
		Network:   &stubNetwork{},
		Cache:     nn.NewCache(10000),
		Tablebase: fake,
		Limits:    limits,
		Params:    params,
		Logger:    zerolog.Nop(),
	})
	if err := s.RunBlocking(1); err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&fake.probes) == 0 {
		t.Fatal("search never consulted the tablebase")
	}
	if hits := atomic.LoadInt64(&s.tbHits); hits == 0 {
		t.Fatal("tablebase hits not counted")
	}
	// Pawn pushes are proven wins for the mover; one of them must carry
	// the search's choice.
	bestMove := s.GetBestMove().Move
	best := bestMove.String()
	if best != "e2e3" && best != "e2e4" {
		t.Fatalf("best move = %s, want a winning pawn push", best)
	}
	if eval := s.GetBestEval(); eval < 0.99 {
		t.Fatalf("eval = %v, want a proven win", eval)
	}
}
