package mcts

import (
	"math"
	"sync/atomic"
	"time"

	"pelican/internal/chess"
	"pelican/internal/nn"
	"pelican/internal/tb"
)

const collisionIdleSleep = 10 * time.Millisecond

// searchWorker drives playouts for one thread: each iteration gathers a
// minibatch of leaves, runs the network once, and backs the results up.
type searchWorker struct {
	search      *Search
	history     chess.PositionHistory
	computation *nn.CachingComputation
	minibatch   []nodeToProcess
}

type nodeToProcess struct {
	node        *Node
	depth       int
	isCollision bool
	nnQueried   bool
	isCacheHit  bool
	// v is the fetched value for the node, from the perspective of the
	// player who moved into it.
	v float32
}

func newSearchWorker(s *Search) *searchWorker {
	return &searchWorker{
		search:  s,
		history: s.playedHistory.Clone(),
	}
}

func (w *searchWorker) runBlocking() error {
	for {
		if err := w.executeOneIteration(); err != nil {
			w.search.log.Error().Err(err).Msg("evaluation failed, aborting search")
			w.search.Abort()
			return err
		}
		if !w.search.IsSearchActive() {
			return nil
		}
	}
}

// executeOneIteration is one full pass of the worker pipeline.
func (w *searchWorker) executeOneIteration() error {
	// 1. Fresh computation and batch.
	w.initializeIteration(w.search.network.NewComputation())

	// 2. Gather minibatch.
	w.gatherMinibatch()

	// 3. Prefetch into cache.
	w.maybePrefetchIntoCache()

	// 4. Run NN computation.
	if err := w.runNNComputation(); err != nil {
		return err
	}

	// 5. Retrieve NN computations (and terminal values) into nodes.
	w.fetchMinibatchResults()

	// 6. Propagate the new nodes' information up the tree.
	w.doBackupUpdate()

	// 7. Update the search's status and progress information.
	w.updateCounters()
	return nil
}

func (w *searchWorker) initializeIteration(computation nn.Computation) {
	w.computation = nn.NewCachingComputation(computation, w.search.cache)
	w.minibatch = w.minibatch[:0]
}

// gatherMinibatch picks leaves until the batch is full, the collision
// budget is spent, or enough leaves were served out of order.
func (w *searchWorker) gatherMinibatch() {
	s := w.search
	minibatchSize := 0
	collisionsFound := 0
	numberOutOfOrder := 0

	for minibatchSize < s.params.MiniBatchSize &&
		numberOutOfOrder < s.params.MiniBatchSize {
		// If there is something to process without touching the slow
		// network, do it.
		if minibatchSize > 0 && w.computation.CacheMisses() == 0 {
			return
		}
		w.minibatch = append(w.minibatch, w.pickNodeToExtend())
		picked := &w.minibatch[len(w.minibatch)-1]
		node := picked.node

		if picked.isCollision {
			collisionsFound++
			if collisionsFound > s.params.AllowedNodeCollisions {
				return
			}
			continue
		}
		minibatchSize++

		// A node already known terminal was visited before; its value is
		// re-read rather than re-computed.
		if !node.IsTerminal() {
			w.extendNode(node)
			if !node.IsTerminal() {
				picked.nnQueried = true
				picked.isCacheHit = w.addNodeToComputation(node, true)
			}
		}

		if s.params.OutOfOrderEval && (node.IsTerminal() || picked.isCacheHit) {
			// Value is already known; back it up without waiting for the
			// batch and drop the entry.
			w.fetchSingleNodeResult(picked, w.computation.BatchSize()-1)
			s.nodesMu.Lock()
			w.doBackupUpdateSingleNode(picked)
			s.nodesMu.Unlock()

			if picked.nnQueried {
				w.computation.PopCacheHit()
			}
			w.minibatch = w.minibatch[:len(w.minibatch)-1]
			minibatchSize--
			numberOutOfOrder++
		}
	}
}

// pickNodeToExtend walks from the root by the PUCT rule, reserving each
// node on the way, until it reaches a leaf or collides with another
// worker's reservation.
func (w *searchWorker) pickNodeToExtend() nodeToProcess {
	s := w.search
	node := s.rootNode
	bestIdx := -1
	w.history.Trim(s.playedHistory.Len())

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	// Snapshot for smart pruning; refreshed on backup, may lag harmlessly.
	bestNodeN := int64(0)
	if s.bestMoveEdge != nil {
		bestNodeN = int64(s.bestMoveEdge.N())
	}

	isRootNode := true
	depth := 0

	for {
		if !isRootNode {
			node = node.SpawnChild(bestIdx)
		}
		depth++
		if !node.TryStartScoreUpdate() {
			return nodeToProcess{node: node, depth: depth, isCollision: true}
		}
		// Terminal or unexamined leaf: the end of this playout.
		if !node.HasChildren() {
			return nodeToProcess{node: node, depth: depth}
		}

		puctMult := s.params.Cpuct * sqrt32(float32(maxU32(node.ChildrenVisits(), 1)))
		best := float32(-100)
		bestIdx = -1
		possibleMoves := 0
		var parentQ float32
		if (isRootNode && s.params.Noise) || s.params.FpuReduction == 0 {
			parentQ = -node.Q()
		} else {
			parentQ = -node.Q() - s.params.FpuReduction*sqrt32(node.VisitedPolicy())
		}

		for i := 0; i < node.NumEdges(); i++ {
			child := node.EdgeAt(i)
			if isRootNode {
				// Skip children that can no longer catch the current best
				// within the remaining playouts. The best itself always
				// stays eligible so there is something to expand.
				if child != s.bestMoveEdge &&
					s.remainingPlayouts < bestNodeN-int64(child.N()) {
					continue
				}
				if len(s.limits.SearchMoves) > 0 &&
					!chess.ContainsMove(s.limits.SearchMoves, child.move) {
					continue
				}
				possibleMoves++
			}
			q := child.Q(parentQ)
			if s.params.StickyCheckmate && q == 1 && child.IsTerminal() {
				// A proven mate needs no exploration bonus.
				bestIdx = i
				break
			}
			if score := child.U(puctMult) + q; score > best {
				best = score
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			panic("mcts: no eligible child during selection")
		}

		w.history.Append(node.EdgeAt(bestIdx).move)
		if isRootNode && possibleMoves <= 1 && !s.limits.Infinite {
			// Only one move can matter within the remaining budget.
			s.countersMu.Lock()
			s.foundBestMove = true
			s.countersMu.Unlock()
		}
		isRootNode = false
	}
}

// extendNode classifies the reserved leaf and creates its edges. No tree
// lock is needed: other workers see n=0 with an in-flight claim and keep
// off.
func (w *searchWorker) extendNode(node *Node) {
	s := w.search
	pos := w.history.Last()
	legalMoves := pos.GenerateLegalMoves()

	if len(legalMoves) == 0 {
		if pos.IsUnderCheck() {
			// The mover delivered mate.
			node.MakeTerminal(ResultWin)
		} else {
			node.MakeTerminal(ResultDraw)
		}
		return
	}

	// Draw-by-rule shortcuts are skipped at the root: thinking there is
	// the point, and a move must come out regardless.
	if node != s.rootNode {
		if !pos.HasMatingMaterial() {
			node.MakeTerminal(ResultDraw)
			return
		}
		if pos.HalfmoveClock() >= 100 {
			node.MakeTerminal(ResultDraw)
			return
		}
		if pos.Repetitions() >= 2 {
			node.MakeTerminal(ResultDraw)
			return
		}

		if s.syzygy != nil && !pos.HasCastlingRights() &&
			pos.HalfmoveClock() == 0 &&
			pos.PieceCount() <= s.syzygy.MaxCardinality() {
			wdl, state := s.syzygy.ProbeWDL(pos)
			// Any state but a failed probe carries a usable WDL.
			if state != tb.ProbeFail {
				switch {
				case wdl == tb.WDLWin:
					node.MakeTerminal(ResultLoss)
				case wdl == tb.WDLLoss:
					node.MakeTerminal(ResultWin)
				default:
					// Cursed wins and blessed losses count as draws.
					node.MakeTerminal(ResultDraw)
				}
				atomic.AddInt64(&s.tbHits, 1)
				return
			}
		}
	}

	node.CreateEdges(legalMoves)
}

// addNodeToComputation queues the position at the top of the worker history
// for evaluation. Returns whether the cache already had it.
func (w *searchWorker) addNodeToComputation(node *Node, addIfCached bool) bool {
	s := w.search
	hash := w.history.HashLast(s.params.CacheHistoryLength + 1)
	if addIfCached {
		if w.computation.AddInputByHash(hash) {
			return true
		}
	} else if s.cache.Contains(hash) {
		return true
	}
	planes := nn.EncodePosition(&w.history)

	var moves []uint16
	if node != nil && node.HasChildren() {
		moves = make([]uint16, 0, node.NumEdges())
		for i := 0; i < node.NumEdges(); i++ {
			moves = append(moves, uint16(chess.MoveToNNIndex(node.EdgeAt(i).Move())))
		}
	} else {
		legal := w.history.Last().GenerateLegalMoves()
		moves = make([]uint16, 0, len(legal))
		for _, m := range legal {
			moves = append(moves, uint16(chess.MoveToNNIndex(m)))
		}
	}

	w.computation.AddInput(hash, planes, moves)
	return false
}

// maybePrefetchIntoCache fills the spare network slots with positions the
// search is likely to want soon.
func (w *searchWorker) maybePrefetchIntoCache() {
	s := w.search
	misses := w.computation.CacheMisses()
	if misses > 0 && misses < s.params.MaxPrefetchBatch {
		w.history.Trim(s.playedHistory.Len())
		s.nodesMu.RLock()
		w.prefetchIntoCache(s.rootNode, s.params.MaxPrefetchBatch-misses)
		s.nodesMu.RUnlock()
	}
}

// prefetchIntoCache descends by Q+U, spending at most budget evaluation
// slots, and returns how many it spent. Visit counts are never touched.
func (w *searchWorker) prefetchIntoCache(node *Node, budget int) int {
	if budget <= 0 {
		return 0
	}

	// A leaf nobody is working on: cache its evaluation.
	if node == nil || node.NStarted() == 0 {
		w.addNodeToComputation(node, false)
		return 1
	}
	// n = 0 with reservations: the node is being extended right now.
	if node.N() == 0 {
		return 0
	}
	if node.IsTerminal() {
		return 0
	}

	type scoredEdge struct {
		score float32
		idx   int
	}
	puctMult := w.search.params.Cpuct * sqrt32(float32(maxU32(node.ChildrenVisits(), 1)))
	parentQ := -node.Q()
	scores := make([]scoredEdge, 0, node.NumEdges())
	for i := 0; i < node.NumEdges(); i++ {
		e := node.EdgeAt(i)
		if e.P() == 0 {
			continue
		}
		// Sign flipped so ascending order is best-first.
		scores = append(scores, scoredEdge{score: -e.U(puctMult) - e.Q(parentQ), idx: i})
	}

	firstUnsorted := 0
	totalBudgetSpent := 0
	// Covers the single-child case, and the last edge inherits the
	// prev-to-last edge's budget.
	budgetToSpend := budget
	for i := 0; i < len(scores); i++ {
		if budget <= 0 {
			break
		}

		// Sort the next chunk, three entries at a time: usually only the
		// top few are ever visited.
		if firstUnsorted != len(scores) && i+2 >= firstUnsorted {
			chunk := 3
			if budget < 2 {
				chunk = 2
			}
			newUnsorted := firstUnsorted + chunk
			if newUnsorted > len(scores) {
				newUnsorted = len(scores)
			}
			for k := firstUnsorted; k < newUnsorted; k++ {
				minIdx := k
				for j := k + 1; j < len(scores); j++ {
					if scores[j].score < scores[minIdx].score {
						minIdx = j
					}
				}
				scores[k], scores[minIdx] = scores[minIdx], scores[k]
			}
			firstUnsorted = newUnsorted
		}

		edge := node.EdgeAt(scores[i].idx)
		if i != len(scores)-1 {
			nextScore := -scores[i+1].score
			q := edge.Q(-parentQ)
			if nextScore > q {
				budgetToSpend = int(edge.P()*puctMult/(nextScore-q)-float32(edge.NStarted())) + 1
				if budgetToSpend > budget {
					budgetToSpend = budget
				}
			} else {
				budgetToSpend = budget
			}
		}
		w.history.Append(edge.Move())
		budgetSpent := w.prefetchIntoCache(edge.Child(), budgetToSpend)
		w.history.Pop()
		budget -= budgetSpent
		totalBudgetSpent += budgetSpent
	}
	return totalBudgetSpent
}

func (w *searchWorker) runNNComputation() error {
	return w.computation.ComputeBlocking()
}

func (w *searchWorker) fetchMinibatchResults() {
	idxInComputation := 0
	for i := range w.minibatch {
		picked := &w.minibatch[i]
		if picked.isCollision {
			continue
		}
		w.fetchSingleNodeResult(picked, idxInComputation)
		if picked.nnQueried {
			idxInComputation++
		}
	}
}

func (w *searchWorker) fetchSingleNodeResult(picked *nodeToProcess, idxInComputation int) {
	s := w.search
	node := picked.node
	if !picked.nnQueried {
		// Terminal: the fixed value is re-read, no network involved.
		picked.v = node.Q()
		return
	}
	// The network reports from the side to move; the backup convention
	// wants the value for the player who moved into the leaf.
	picked.v = -w.computation.QVal(idxInComputation)

	total := float32(0)
	for i := 0; i < node.NumEdges(); i++ {
		e := node.EdgeAt(i)
		p := w.computation.PVal(idxInComputation, chess.MoveToNNIndex(e.Move()))
		if s.params.PolicySoftmaxTemp != 1 {
			p = pow32(p, 1/s.params.PolicySoftmaxTemp)
		}
		e.SetP(p)
		// The storage representation may round; accumulate what was
		// actually stored.
		total += e.P()
	}
	if total > 0 {
		scale := 1 / total
		for i := 0; i < node.NumEdges(); i++ {
			e := node.EdgeAt(i)
			e.SetP(e.P() * scale)
		}
	}
	if s.params.Noise && node == s.rootNode {
		applyDirichletNoise(node, 0.25, 0.3)
	}
}

func (w *searchWorker) doBackupUpdate() {
	s := w.search
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	for i := range w.minibatch {
		w.doBackupUpdateSingleNode(&w.minibatch[i])
	}
}

// doBackupUpdateSingleNode walks the parent chain, finalizing (or, for
// collisions, cancelling) the reservations taken on descent. Requires
// nodesMu held exclusively.
func (w *searchWorker) doBackupUpdateSingleNode(picked *nodeToProcess) {
	s := w.search
	node := picked.node
	if picked.isCollision {
		for n := node.Parent(); n != nil; n = n.Parent() {
			n.CancelScoreUpdate()
		}
		return
	}

	v := picked.v
	for n := node; n != nil; n = n.Parent() {
		n.FinalizeScoreUpdate(v)
		// Flip for the opponent one level up.
		v = -v

		if n.Parent() == s.rootNode {
			bestN := uint32(0)
			if s.bestMoveEdge != nil {
				bestN = s.bestMoveEdge.N()
			}
			if bestN <= n.N() {
				s.bestMoveEdge = s.getBestChildNoTemperature(s.rootNode)
			}
		}
	}
	s.totalPlayouts++
	s.cumDepth += int64(picked.depth)
	if picked.depth > s.maxDepth {
		s.maxDepth = picked.depth
	}
}

func (w *searchWorker) updateCounters() {
	s := w.search
	s.updateRemainingMoves()
	s.maybeOutputInfo()
	s.maybeTriggerStop()

	// Collisions are not work; sleep a little if that is all this batch
	// held, so spinning workers do not starve the one doing the expanding.
	workDone := false
	for i := range w.minibatch {
		if !w.minibatch[i].isCollision {
			workDone = true
			break
		}
	}
	if !workDone {
		time.Sleep(collisionIdleSleep)
	}
}

func pow32(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}
