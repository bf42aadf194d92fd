package mcts

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pelican/internal/chess"
	"pelican/internal/nn"
	"pelican/internal/tb"
)

const (
	smartPruningToleranceNodes = 100
	smartPruningToleranceMs    = 200
	// Maximum delay between info reports when nothing interesting happens.
	uciInfoMinimumFrequencyMs = 5000
	maxWatchdogWait           = 100 * time.Millisecond

	maxRemainingPlayouts = int64(math.MaxInt64 / 2)
)

// SearchConfig wires a Search to its collaborators.
type SearchConfig struct {
	Network   nn.Network
	Cache     *nn.Cache
	Tablebase tb.Tablebase
	Limits    Limits
	Params    Params
	Logger    zerolog.Logger

	BestMoveCallback func(BestMoveInfo)
	InfoCallback     func(ThinkingInfo)
	// BonusTimeCallback receives the milliseconds left unspent when smart
	// pruning ends the search before its time limit.
	BonusTimeCallback func(ms int64)
}

// Search runs one think: a pool of workers plus a watchdog over a shared
// tree. Create one per "go", then StartThreads or RunBlocking.
type Search struct {
	rootNode      *Node
	playedHistory chess.PositionHistory

	network nn.Network
	cache   *nn.Cache
	syzygy  tb.Tablebase
	limits  Limits
	params  Params
	log     zerolog.Logger

	bestMoveCallback func(BestMoveInfo)
	infoCallback     func(ThinkingInfo)
	onBonusTime      func(int64)

	startTime     time.Time
	initialVisits int64

	// nodesMu guards the tree: exclusive for descent and backup, shared
	// for stat reads. Lock order is nodesMu before countersMu.
	nodesMu    sync.RWMutex
	countersMu sync.Mutex
	threadsMu  sync.Mutex

	group      *errgroup.Group
	numWorkers int

	stopCh        chan struct{}
	stopSignalled bool

	stop              bool
	respondedBestMove bool
	foundBestMove     bool
	bestMove          BestMoveInfo

	bestMoveEdge     *Edge
	lastReportedEdge *Edge
	uciInfo          ThinkingInfo

	totalPlayouts     int64
	cumDepth          int64
	maxDepth          int
	tbHits            int64 // atomic; written outside the tree lock
	remainingPlayouts int64
}

// NewSearch prepares a search over the tree's current root. The tree must
// not be mutated elsewhere until the search has stopped.
func NewSearch(tree *NodeTree, cfg SearchConfig) *Search {
	s := &Search{
		rootNode:          tree.Root(),
		playedHistory:     tree.History().Clone(),
		network:           cfg.Network,
		cache:             cfg.Cache,
		syzygy:            cfg.Tablebase,
		limits:            cfg.Limits,
		params:            cfg.Params,
		log:               cfg.Logger.With().Str("search_id", uuid.NewString()).Logger(),
		bestMoveCallback:  cfg.BestMoveCallback,
		infoCallback:      cfg.InfoCallback,
		onBonusTime:       cfg.BonusTimeCallback,
		startTime:         time.Now(),
		initialVisits:     int64(tree.Root().N()),
		stopCh:            make(chan struct{}),
		remainingPlayouts: maxRemainingPlayouts,
	}
	return s
}

// StartThreads launches the watchdog (once) and enough workers to reach n.
func (s *Search) StartThreads(n int) {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if s.group == nil {
		s.group = new(errgroup.Group)
		s.group.Go(func() error {
			s.watchdog()
			return nil
		})
	}
	for s.numWorkers < n {
		s.numWorkers++
		w := newSearchWorker(s)
		s.group.Go(w.runBlocking)
	}
	s.log.Debug().Int("threads", s.numWorkers).Msg("search started")
}

// RunBlocking starts n workers and waits for the search to finish.
func (s *Search) RunBlocking(n int) error {
	s.StartThreads(n)
	return s.Wait()
}

// IsSearchActive reports whether a stop has been requested yet.
func (s *Search) IsSearchActive() bool {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	return !s.stop
}

// Stop requests a graceful stop; the best move is still reported.
func (s *Search) Stop() {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	s.signalStop()
}

// Abort stops the search and suppresses the best-move report.
func (s *Search) Abort() {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	s.respondedBestMove = true
	s.signalStop()
}

// Wait joins all threads. It returns the first worker error, if any.
func (s *Search) Wait() error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	s.group = nil
	s.numWorkers = 0
	return err
}

func (s *Search) signalStop() {
	s.stop = true
	if !s.stopSignalled {
		s.stopSignalled = true
		close(s.stopCh)
	}
}

func (s *Search) elapsedMs() int64 {
	return time.Since(s.startTime).Milliseconds()
}

func (s *Search) watchdog() {
	for s.IsSearchActive() {
		wait := maxWatchdogWait
		if s.limits.TimeMs >= 0 {
			remaining := time.Duration(s.limits.TimeMs)*time.Millisecond - time.Since(s.startTime)
			if remaining < wait {
				wait = remaining
			}
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-s.stopCh:
		case <-time.After(wait):
		}
		s.maybeTriggerStop()
	}
	s.maybeTriggerStop()
}

// maybeTriggerStop checks every stop condition and, first time one fires,
// reports the best move.
func (s *Search) maybeTriggerStop() {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	if s.respondedBestMove {
		return
	}
	// Not until the root has been expanded.
	if s.totalPlayouts == 0 {
		return
	}
	if s.foundBestMove {
		s.signalStop()
	}
	if s.limits.Playouts >= 0 && s.totalPlayouts >= s.limits.Playouts {
		s.signalStop()
	}
	if s.limits.Visits >= 0 && s.totalPlayouts+s.initialVisits >= s.limits.Visits {
		s.signalStop()
	}
	if s.limits.TimeMs >= 0 && s.elapsedMs() >= s.limits.TimeMs {
		s.signalStop()
	}
	if s.stop && !s.respondedBestMove {
		s.sendUciInfo()
		if s.params.VerboseStats {
			s.sendMovesStats()
		}
		s.bestMove = s.getBestMoveInternal()
		if s.bestMoveCallback != nil {
			s.bestMoveCallback(s.bestMove)
		}
		s.respondedBestMove = true
		s.bestMoveEdge = nil

		if s.foundBestMove && s.onBonusTime != nil && s.limits.TimeMs >= 0 {
			// The search ran out of alternatives before running out of
			// time; bank the difference for the next real decision.
			bonus := s.limits.TimeMs - s.elapsedMs()
			if bonus < 0 {
				bonus = 0
			}
			s.log.Debug().Int64("bonus_ms", bonus).Msg("banking unused think time")
			s.onBonusTime(bonus)
		}
	}
}

// updateRemainingMoves refreshes the smart-pruning playout budget from the
// observed node rate and the configured limits.
func (s *Search) updateRemainingMoves() {
	if s.params.FutileSearchAversion <= 0 {
		return
	}
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.remainingPlayouts = maxRemainingPlayouts
	if s.limits.TimeMs >= 0 {
		elapsed := s.elapsedMs()
		if elapsed > smartPruningToleranceMs {
			nps := (1000*s.totalPlayouts+smartPruningToleranceNodes)/(elapsed-smartPruningToleranceMs) + 1
			remainingTime := s.limits.TimeMs - elapsed
			remaining := int64(float64(remainingTime*nps) / float64(s.params.FutileSearchAversion) / 1000)
			if remaining < s.remainingPlayouts {
				s.remainingPlayouts = remaining
			}
		}
	}
	if s.limits.Visits >= 0 {
		// One batch of overshoot is possible; allow for it.
		remaining := s.limits.Visits - s.totalPlayouts - s.initialVisits + int64(s.params.MiniBatchSize) - 1
		if remaining < s.remainingPlayouts {
			s.remainingPlayouts = remaining
		}
	}
	if s.limits.Playouts >= 0 {
		remaining := s.limits.Playouts - s.totalPlayouts + int64(s.params.MiniBatchSize) + 1
		if remaining < s.remainingPlayouts {
			s.remainingPlayouts = remaining
		}
	}
	// Never starve the search completely.
	if s.remainingPlayouts <= 1 {
		s.remainingPlayouts = 1
	}
}

// maybeOutputInfo emits a progress report when something user-visible
// changed, or enough time passed.
func (s *Search) maybeOutputInfo() {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	if s.respondedBestMove || s.bestMoveEdge == nil {
		return
	}
	depth := 0
	if s.totalPlayouts > 0 {
		depth = int(s.cumDepth / s.totalPlayouts)
	}
	if s.bestMoveEdge != s.lastReportedEdge ||
		s.uciInfo.Depth != depth ||
		s.uciInfo.SelDepth != s.maxDepth ||
		s.uciInfo.TimeMs+uciInfoMinimumFrequencyMs < s.elapsedMs() {
		s.sendUciInfo()
	}
}

// sendUciInfo builds and emits the current report. Callers hold both locks.
func (s *Search) sendUciInfo() {
	if s.bestMoveEdge == nil || s.infoCallback == nil {
		return
	}
	s.lastReportedEdge = s.bestMoveEdge
	info := &s.uciInfo
	if s.totalPlayouts > 0 {
		info.Depth = int(s.cumDepth / s.totalPlayouts)
	} else {
		info.Depth = 0
	}
	info.SelDepth = s.maxDepth
	info.TimeMs = s.elapsedMs()
	info.Nodes = s.totalPlayouts + s.initialVisits
	capacity := s.cache.Capacity()
	if capacity < 1 {
		capacity = 1
	}
	info.Hashfull = s.cache.Size() * 1000 / capacity
	if info.TimeMs > 0 {
		info.NPS = s.totalPlayouts * 1000 / info.TimeMs
	} else {
		info.NPS = 0
	}
	info.ScoreCp = ScoreCentipawns(s.bestMoveEdge.Q(0))
	info.TBHits = atomic.LoadInt64(&s.tbHits)
	info.PV = info.PV[:0]
	for e := s.bestMoveEdge; e != nil; {
		info.PV = append(info.PV, e.move)
		if e.child == nil {
			break
		}
		e = s.getBestChildNoTemperature(e.child)
	}
	info.Comment = ""
	s.infoCallback(*info)
}

// sendMovesStats emits one comment per root child, least promising first.
// Callers hold both locks.
func (s *Search) sendMovesStats() {
	if s.infoCallback == nil {
		return
	}
	root := s.rootNode
	parentQ := -root.Q() - s.params.FpuReduction*sqrt32(root.VisitedPolicy())
	uCoeff := s.params.Cpuct * sqrt32(float32(maxU32(root.ChildrenVisits(), 1)))

	order := make([]int, root.NumEdges())
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ea, eb := root.EdgeAt(order[a]), root.EdgeAt(order[b])
		na, nb := ea.N(), eb.N()
		if na != nb {
			return na < nb
		}
		return ea.Q(parentQ)+ea.U(uCoeff) < eb.Q(parentQ)+eb.U(uCoeff)
	})

	for _, i := range order {
		e := root.EdgeAt(i)
		valueKnown := false
		var value float32
		if e.IsTerminal() {
			value = e.child.Q()
			valueKnown = true
		} else if eval, ok := s.cachedFirstPlyResult(e); ok {
			value = -eval.Q
			valueKnown = true
		}
		comment := fmt.Sprintf("%-5s (%4d) N: %7d (+%2d) (P: %5.2f%%) (Q: %8.5f) (U: %6.5f) (Q+U: %8.5f)",
			e.move.String(), chess.MoveToNNIndex(e.move), e.N(), e.NStarted()-e.N(),
			e.P()*100, e.Q(parentQ), e.U(uCoeff), e.Q(parentQ)+e.U(uCoeff))
		if valueKnown {
			comment += fmt.Sprintf(" (V: %7.4f)", value)
		} else {
			comment += " (V: -.----)"
		}
		if e.IsTerminal() {
			comment += " (T)"
		}
		s.infoCallback(ThinkingInfo{Comment: comment})
	}
}

// cachedFirstPlyResult fetches the cached evaluation of the position after
// a root move, if the cache still holds it.
func (s *Search) cachedFirstPlyResult(e *Edge) (*nn.CachedEvaluation, bool) {
	history := s.playedHistory.Clone()
	history.Append(e.move)
	hash := history.HashLast(s.params.CacheHistoryLength + 1)
	return s.cache.Lookup(hash)
}

// GetBestEval is the eval of the actual best child, ignoring temperature.
func (s *Search) GetBestEval() float32 {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	parentQ := -s.rootNode.Q()
	if !s.rootNode.HasChildren() {
		return parentQ
	}
	best := s.getBestChildNoTemperature(s.rootNode)
	if best == nil {
		return parentQ
	}
	return best.Q(parentQ)
}

// GetBestMove returns the move the search would play now, respecting any
// temperature settings.
func (s *Search) GetBestMove() BestMoveInfo {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	s.countersMu.Lock()
	defer s.countersMu.Unlock()
	return s.getBestMoveInternal()
}

// getBestMoveInternal requires nodesMu (shared ok) and countersMu.
func (s *Search) getBestMoveInternal() BestMoveInfo {
	if s.respondedBestMove {
		return s.bestMove
	}
	if !s.rootNode.HasChildren() {
		return BestMoveInfo{}
	}

	temperature := s.params.Temperature
	if temperature != 0 && s.params.TempDecayMoves != 0 {
		moves := s.playedHistory.GamePly() / 2
		if moves >= s.params.TempDecayMoves {
			temperature = 0
		} else {
			temperature *= float32(s.params.TempDecayMoves-moves) / float32(s.params.TempDecayMoves)
		}
	}

	var best *Edge
	if temperature != 0 && s.rootNode.ChildrenVisits() > 0 {
		best = s.getBestChildWithTemperature(s.rootNode, temperature)
	} else {
		best = s.getBestChildNoTemperature(s.rootNode)
	}
	if best == nil {
		return BestMoveInfo{}
	}
	info := BestMoveInfo{Move: best.move}
	if best.child != nil && best.child.HasChildren() {
		if ponder := s.getBestChildNoTemperature(best.child); ponder != nil {
			info.Ponder = ponder.move
		}
	}
	return info
}

// getBestChildNoTemperature picks the child with the best (visits, eval,
// prior) tuple; at the root, searchmoves restricts the candidates.
func (s *Search) getBestChildNoTemperature(parent *Node) *Edge {
	var best *Edge
	bestN := int64(-1)
	var bestQ, bestP float32
	for i := 0; i < parent.NumEdges(); i++ {
		e := parent.EdgeAt(i)
		if parent == s.rootNode && len(s.limits.SearchMoves) > 0 &&
			!chess.ContainsMove(s.limits.SearchMoves, e.move) {
			continue
		}
		n, q, p := int64(e.N()), e.Q(-10), e.P()
		if n > bestN || (n == bestN && (q > bestQ || (q == bestQ && p > bestP))) {
			best, bestN, bestQ, bestP = e, n, q, p
		}
	}
	return best
}

// getBestChildWithTemperature samples a child weighted by visit share
// raised to 1/temperature.
func (s *Search) getBestChildWithTemperature(parent *Node, temperature float32) *Edge {
	var eligible []*Edge
	var cumulative []float64
	sum := 0.0
	nParent := float64(parent.N())
	for i := 0; i < parent.NumEdges(); i++ {
		e := parent.EdgeAt(i)
		if parent == s.rootNode && len(s.limits.SearchMoves) > 0 &&
			!chess.ContainsMove(s.limits.SearchMoves, e.move) {
			continue
		}
		sum += math.Pow(float64(e.N())/nParent, 1/float64(temperature))
		cumulative = append(cumulative, sum)
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return nil
	}
	toss := rand.Float64() * sum
	idx := sort.SearchFloat64s(cumulative, toss)
	if idx >= len(eligible) {
		idx = len(eligible) - 1
	}
	return eligible[idx]
}

// applyDirichletNoise perturbs the node's priors in place toward a fresh
// Dirichlet sample.
func applyDirichletNoise(node *Node, eps float32, alpha float64) {
	noise := make([]float32, node.NumEdges())
	total := float32(0)
	for i := range noise {
		eta := float32(gammaSample(alpha))
		noise[i] = eta
		total += eta
	}
	if total < 1e-30 {
		return
	}
	for i := 0; i < node.NumEdges(); i++ {
		e := node.EdgeAt(i)
		e.SetP(e.P()*(1-eps) + eps*noise[i]/total)
	}
}

// gammaSample draws from Gamma(alpha, 1) by Marsaglia-Tsang.
func gammaSample(alpha float64) float64 {
	if alpha < 1 {
		return gammaSample(alpha+1) * math.Pow(rand.Float64(), 1/alpha)
	}
	d := alpha - 1.0/3.0
	c := 1 / (3 * math.Sqrt(d))
	for {
		x := rand.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rand.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
