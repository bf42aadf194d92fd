package mcts

import "pelican/internal/chess"

// GameResult tags a terminal node, from the perspective of the player whose
// move created it: ResultWin means the mover has won (delivered mate).
type GameResult int8

const (
	ResultNone GameResult = iota
	ResultWin
	ResultLoss
	ResultDraw
)

// Node is one position in the search tree. Nodes are created lazily on
// first descent through their parent edge and never reshaped mid-search;
// all fields besides parent/index are guarded by the search's tree lock.
type Node struct {
	parent *Node
	edges  []Edge
	// index of this node's edge in parent.edges; used to charge the edge's
	// prior to the parent's visitedPolicy on first visit.
	index uint16

	// n counts completed visits, nInFlight visits reserved by workers that
	// have not backed up (or cancelled) yet.
	n         uint32
	nInFlight uint32

	// q is the mean backed-up value in [-1, 1], from the perspective of the
	// player who moved into this node.
	q float32

	// visitedPolicy is the summed priors of children with at least one
	// completed visit; it drives first-play-urgency reduction.
	visitedPolicy float32

	result   GameResult
	terminal bool
}

// Edge is a candidate move out of its owning node. The child node is
// spawned on first descent.
type Edge struct {
	move  chess.Move
	p     float32
	child *Node
}

func (e *Edge) Move() chess.Move { return e.move }
func (e *Edge) P() float32       { return e.p }
func (e *Edge) SetP(p float32)   { e.p = p }
func (e *Edge) Child() *Node     { return e.child }

// N is the completed visit count of the child, 0 if unspawned.
func (e *Edge) N() uint32 {
	if e.child == nil {
		return 0
	}
	return e.child.n
}

// NStarted counts completed plus reserved visits.
func (e *Edge) NStarted() uint32 {
	if e.child == nil {
		return 0
	}
	return e.child.n + e.child.nInFlight
}

// Q returns the child's mean value, or defaultQ while the child has no
// completed visits.
func (e *Edge) Q(defaultQ float32) float32 {
	if e.child != nil && e.child.n > 0 {
		return e.child.q
	}
	return defaultQ
}

// U is the exploration term: puctMult scales the prior down by the started
// visit count.
func (e *Edge) U(puctMult float32) float32 {
	return puctMult * e.p / float32(1+e.NStarted())
}

func (e *Edge) IsTerminal() bool {
	return e.child != nil && e.child.terminal
}

func (n *Node) Parent() *Node          { return n.parent }
func (n *Node) N() uint32              { return n.n }
func (n *Node) NInFlight() uint32      { return n.nInFlight }
func (n *Node) NStarted() uint32       { return n.n + n.nInFlight }
func (n *Node) Q() float32             { return n.q }
func (n *Node) VisitedPolicy() float32 { return n.visitedPolicy }
func (n *Node) IsTerminal() bool       { return n.terminal }
func (n *Node) Result() GameResult     { return n.result }
func (n *Node) HasChildren() bool      { return len(n.edges) > 0 }
func (n *Node) NumEdges() int          { return len(n.edges) }

func (n *Node) EdgeAt(i int) *Edge { return &n.edges[i] }

// ChildrenVisits is the number of completed visits that went through this
// node's children (the node's own evaluation visit excluded).
func (n *Node) ChildrenVisits() uint32 {
	if n.n > 0 {
		return n.n - 1
	}
	return 0
}

// CreateEdges attaches one edge per legal move. Priors stay zero until the
// network result arrives.
func (n *Node) CreateEdges(moves []chess.Move) {
	n.edges = make([]Edge, len(moves))
	for i, m := range moves {
		n.edges[i].move = m
	}
}

// SpawnChild returns the child behind edge i, creating it on first descent.
func (n *Node) SpawnChild(i int) *Node {
	e := &n.edges[i]
	if e.child == nil {
		e.child = &Node{parent: n, index: uint16(i)}
	}
	return e.child
}

// MakeTerminal fixes the node's value and drops any edges.
func (n *Node) MakeTerminal(result GameResult) {
	n.terminal = true
	n.result = result
	n.edges = nil
	switch result {
	case ResultWin:
		n.q = 1
	case ResultLoss:
		n.q = -1
	default:
		n.q = 0
	}
}

// TryStartScoreUpdate reserves an in-flight visit. It fails exactly when
// the node is an unexpanded leaf already claimed by another worker — the
// collision case.
func (n *Node) TryStartScoreUpdate() bool {
	if n.n == 0 && n.nInFlight > 0 {
		return false
	}
	n.nInFlight++
	return true
}

// CancelScoreUpdate releases a reservation without recording a visit.
func (n *Node) CancelScoreUpdate() {
	n.nInFlight--
}

// FinalizeScoreUpdate converts a reservation into a completed visit,
// folding v into the running mean. Terminal nodes pass their own fixed q
// back in, leaving it unchanged.
func (n *Node) FinalizeScoreUpdate(v float32) {
	if n.n == 0 && n.parent != nil {
		n.parent.visitedPolicy += n.parent.edges[n.index].p
	}
	n.q += (v - n.q) / float32(n.n+1)
	n.n++
	n.nInFlight--
}
