package chess

import (
	dragon "github.com/dylhunn/dragontoothmg"
)

// Move is the engine-wide move representation. It is a value type and
// comparable, so moves can be matched against searchmoves lists directly.
type Move = dragon.Move

// MoveNone is the null move ("no move").
const MoveNone Move = 0

// StartposFEN is the standard starting position.
const StartposFEN = dragon.Startpos

// PolicySize is the width of the network's policy head: every from/to square
// pair, plus separate slots for knight/bishop/rook underpromotions (keyed by
// target square and capture direction). Queen promotions share the plain
// from/to slot.
const PolicySize = 64*64 + 3*3*64

// MoveToNNIndex maps a move to its stable policy index.
func MoveToNNIndex(m Move) int {
	var promo int
	switch m.Promote() {
	case dragon.Knight:
		promo = 0
	case dragon.Bishop:
		promo = 1
	case dragon.Rook:
		promo = 2
	default:
		return int(m.From())*64 + int(m.To())
	}
	// delta in {-1, 0, +1}: capture toward the a-file, push, capture toward
	// the h-file.
	delta := int(m.To()%8) - int(m.From()%8)
	return 64*64 + promo*3*64 + (delta+1)*64 + int(m.To())
}

// ParseMove parses a move in long algebraic notation (e2e4, e7e8q).
func ParseMove(s string) (Move, error) {
	return dragon.ParseMove(s)
}

// ContainsMove reports whether moves contains m.
func ContainsMove(moves []Move, m Move) bool {
	for _, x := range moves {
		if x == m {
			return true
		}
	}
	return false
}
