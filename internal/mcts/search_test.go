package mcts

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"pelican/internal/chess"
	"pelican/internal/nn"
)

// stubNetwork returns a fixed value and uniform priors, and counts how
// often the backing computation actually ran.
type stubNetwork struct {
	q            float32
	computeCalls int32
}

func (n *stubNetwork) NewComputation() nn.Computation {
	return &stubComputation{net: n}
}

type stubComputation struct {
	net  *stubNetwork
	size int
}

func (c *stubComputation) AddInput(planes []float32) { c.size++ }

func (c *stubComputation) ComputeBlocking() error {
	atomic.AddInt32(&c.net.computeCalls, 1)
	return nil
}

func (c *stubComputation) BatchSize() int { return c.size }

func (c *stubComputation) QVal(i int) float32 { return c.net.q }

func (c *stubComputation) PVal(i int, moveIndex int) float32 {
	return 1.0 / float32(chess.PolicySize)
}

type searchSetup struct {
	tree    *NodeTree
	network *stubNetwork
	cache   *nn.Cache
	params  Params
	limits  Limits
	onBonus func(int64)
}

func runSearch(t *testing.T, setup searchSetup, threads int) *Search {
	t.Helper()
	s := NewSearch(setup.tree, SearchConfig{
		Network:           setup.network,
		Cache:             setup.cache,
		Limits:            setup.limits,
		Params:            setup.params,
		Logger:            zerolog.Nop(),
		BonusTimeCallback: setup.onBonus,
	})
	if err := s.RunBlocking(threads); err != nil {
		t.Fatalf("search failed: %v", err)
	}
	return s
}

func testTree(t *testing.T, fen string) *NodeTree {
	t.Helper()
	tree := NewNodeTree()
	if err := tree.ResetToPosition(fen, nil); err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestSearchDeterministicSingleThread(t *testing.T) {
	run := func() (chess.Move, []uint32) {
		tree := testTree(t, chess.StartposFEN)
		params := DefaultParams()
		params.MiniBatchSize = 8
		limits := NoLimits()
		limits.Visits = 200
		s := runSearch(t, searchSetup{
			tree:    tree,
			network: &stubNetwork{},
			cache:   nn.NewCache(10000),
			params:  params,
			limits:  limits,
		}, 1)
		root := tree.Root()
		visits := make([]uint32, root.NumEdges())
		for i := range visits {
			visits[i] = root.EdgeAt(i).N()
		}
		return s.GetBestMove().Move, visits
	}

	move1, visits1 := run()
	move2, visits2 := run()
	if move1 != move2 {
		t.Fatalf("best move differs between runs: %v vs %v", move1, move2)
	}
	if len(visits1) != len(visits2) {
		t.Fatalf("edge counts differ: %d vs %d", len(visits1), len(visits2))
	}
	for i := range visits1 {
		if visits1[i] != visits2[i] {
			t.Fatalf("visit distribution differs at edge %d: %d vs %d",
				i, visits1[i], visits2[i])
		}
	}
}

func TestSearchVisitsOvershootBoundedByBatch(t *testing.T) {
	tree := testTree(t, chess.StartposFEN)
	params := DefaultParams()
	params.MiniBatchSize = 8
	limits := NoLimits()
	limits.Visits = 50
	runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{},
		cache:   nn.NewCache(10000),
		params:  params,
		limits:  limits,
	}, 1)

	n := int64(tree.Root().N())
	if n < 50 {
		t.Fatalf("root visits %d, want at least the limit 50", n)
	}
	if n > 50+int64(params.MiniBatchSize) {
		t.Fatalf("root visits %d overshoot the limit by more than one batch", n)
	}
}

func TestSearchPriorsNormalized(t *testing.T) {
	tree := testTree(t, chess.StartposFEN)
	params := DefaultParams()
	params.MiniBatchSize = 8
	limits := NoLimits()
	limits.Visits = 100
	runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{},
		cache:   nn.NewCache(10000),
		params:  params,
		limits:  limits,
	}, 1)

	var check func(n *Node)
	check = func(n *Node) {
		if !n.HasChildren() || n.N() == 0 {
			return
		}
		sum := float32(0)
		for i := 0; i < n.NumEdges(); i++ {
			sum += n.EdgeAt(i).P()
		}
		if sum < 0.999 || sum > 1.001 {
			t.Fatalf("priors sum to %v on an expanded node", sum)
		}
		for i := 0; i < n.NumEdges(); i++ {
			if child := n.EdgeAt(i).Child(); child != nil {
				check(child)
			}
		}
	}
	check(tree.Root())
}

func TestSearchTreeConsistentAfterParallelRun(t *testing.T) {
	tree := testTree(t, chess.StartposFEN)
	params := DefaultParams()
	params.MiniBatchSize = 8
	limits := NoLimits()
	limits.Visits = 500
	runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{},
		cache:   nn.NewCache(10000),
		params:  params,
		limits:  limits,
	}, 4)

	var check func(n *Node)
	check = func(n *Node) {
		if n.NInFlight() != 0 {
			t.Fatalf("in-flight reservation left behind: %d", n.NInFlight())
		}
		if !n.HasChildren() {
			return
		}
		childSum := uint32(0)
		for i := 0; i < n.NumEdges(); i++ {
			if child := n.EdgeAt(i).Child(); child != nil {
				childSum += child.N()
				check(child)
			}
		}
		if n.N() > 0 && n.N() != childSum+1 {
			t.Fatalf("node visits %d != children %d + 1", n.N(), childSum)
		}
	}
	check(tree.Root())
}

func TestStalemateIsTerminalDraw(t *testing.T) {
	tree := testTree(t, "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1")
	params := DefaultParams()
	params.MiniBatchSize = 4
	limits := NoLimits()
	limits.Visits = 10
	s := runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{q: 0.8},
		cache:   nn.NewCache(1000),
		params:  params,
		limits:  limits,
	}, 1)

	root := tree.Root()
	if !root.IsTerminal() || root.Result() != ResultDraw {
		t.Fatalf("stalemate root: terminal=%v result=%v", root.IsTerminal(), root.Result())
	}
	if eval := s.GetBestEval(); eval != 0 {
		t.Fatalf("stalemate eval = %v, want 0 regardless of network output", eval)
	}
	if best := s.GetBestMove(); best.Move != chess.MoveNone {
		t.Fatalf("stalemate produced a move: %v", best.Move)
	}
}

func TestStickyCheckmateFindsMateInOne(t *testing.T) {
	tree := testTree(t, "6k1/5ppp/8/8/8/8/5PPP/R5K1 w - - 0 1")
	params := DefaultParams()
	params.MiniBatchSize = 8
	params.StickyCheckmate = true
	// No FPU reduction: every root move gets explored early, so the mate
	// is found well within the visit budget.
	params.FpuReduction = 0
	limits := NoLimits()
	limits.Visits = 300
	s := runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{},
		cache:   nn.NewCache(10000),
		params:  params,
		limits:  limits,
	}, 1)

	best := s.GetBestMove()
	if best.Move.String() != "a1a8" {
		t.Fatalf("best move = %v, want the mate a1a8", best.Move)
	}
	if eval := s.GetBestEval(); eval < 0.99 {
		t.Fatalf("mate eval = %v, want 1", eval)
	}
}

func TestSearchMovesRestriction(t *testing.T) {
	tree := testTree(t, chess.StartposFEN)
	params := DefaultParams()
	params.MiniBatchSize = 8
	limits := NoLimits()
	limits.Visits = 100
	limits.TimeMs = 60000
	limits.SearchMoves = []chess.Move{mustMove(t, "e2e4")}

	var bonus int64
	bonusCalls := 0
	s := runSearch(t, searchSetup{
		tree:    tree,
		network: &stubNetwork{},
		cache:   nn.NewCache(10000),
		params:  params,
		limits:  limits,
		onBonus: func(ms int64) { bonus = ms; bonusCalls++ },
	}, 1)

	best := s.GetBestMove()
	if best.Move.String() != "e2e4" {
		t.Fatalf("best move = %v, want e2e4", best.Move)
	}
	root := tree.Root()
	for i := 0; i < root.NumEdges(); i++ {
		e := root.EdgeAt(i)
		if e.move.String() != "e2e4" && e.N() != 0 {
			t.Fatalf("excluded move %v got %d visits", e.Move(), e.N())
		}
	}
	// A single possible move trips smart pruning, which banks the unused
	// time exactly once.
	if bonusCalls != 1 {
		t.Fatalf("bonus recorded %d times, want once", bonusCalls)
	}
	if bonus <= 0 {
		t.Fatalf("bonus = %d, want the unspent think time", bonus)
	}
}

func TestOutOfOrderEvalServesEverythingFromCache(t *testing.T) {
	tree := testTree(t, chess.StartposFEN)
	params := DefaultParams()
	params.MiniBatchSize = 4
	params.CacheHistoryLength = 0
	params.FpuReduction = 0
	params.OutOfOrderEval = true
	limits := NoLimits()
	limits.Visits = 18

	cache := nn.NewCache(100000)
	populate := func(h *chess.PositionHistory) {
		legal := h.Last().GenerateLegalMoves()
		entries := make([]nn.PolicyEntry, 0, len(legal))
		p := float32(1)
		if len(legal) > 0 {
			p = 1 / float32(len(legal))
		}
		for _, m := range legal {
			entries = append(entries, nn.PolicyEntry{Index: uint16(chess.MoveToNNIndex(m)), P: p})
		}
		cache.Insert(h.HashLast(1), &nn.CachedEvaluation{Q: 0, P: entries})
	}
	// Every position two plies deep is in the cache before the search
	// starts; 18 visits cannot reach deeper.
	base := tree.History().Clone()
	populate(&base)
	for _, m1 := range base.Last().GenerateLegalMoves() {
		h1 := base.Clone()
		h1.Append(m1)
		populate(&h1)
		for _, m2 := range h1.Last().GenerateLegalMoves() {
			h2 := h1.Clone()
			h2.Append(m2)
			populate(&h2)
		}
	}

	network := &stubNetwork{}
	runSearch(t, searchSetup{
		tree:    tree,
		network: network,
		cache:   cache,
		params:  params,
		limits:  limits,
	}, 1)

	if calls := atomic.LoadInt32(&network.computeCalls); calls != 0 {
		t.Fatalf("network ran %d times despite a fully primed cache", calls)
	}
	if n := tree.Root().N(); int64(n) < limits.Visits {
		t.Fatalf("root visits %d, want at least %d", n, limits.Visits)
	}
}
