package chess

import (
	"errors"
	"math/bits"
	"strings"

	dragon "github.com/dylhunn/dragontoothmg"
)

// Position is a single game state: the board plus the derived facts the
// search needs and the move generator does not track (repetition count,
// game ply).
type Position struct {
	board       dragon.Board
	repetitions int
	ply         int
}

func (p *Position) Board() *dragon.Board { return &p.board }

// Hash is the position's Zobrist key.
func (p *Position) Hash() uint64 { return p.board.Hash() }

// Repetitions is the number of earlier occurrences of this exact position
// in the game history. 2 means the current occurrence is the third.
func (p *Position) Repetitions() int { return p.repetitions }

// HalfmoveClock is the number of plies since the last capture or pawn move.
func (p *Position) HalfmoveClock() int { return int(p.board.Halfmoveclock) }

// GamePly is the number of half-moves played to reach this position.
func (p *Position) GamePly() int { return p.ply }

func (p *Position) IsBlackToMove() bool { return !p.board.Wtomove }

func (p *Position) GenerateLegalMoves() []Move { return p.board.GenerateLegalMoves() }

func (p *Position) IsUnderCheck() bool { return p.board.OurKingInCheck() }

// PieceCount is the total number of men on the board, kings included.
func (p *Position) PieceCount() int {
	return bits.OnesCount64(p.board.White.All | p.board.Black.All)
}

// HasCastlingRights reports whether any side may still castle.
func (p *Position) HasCastlingRights() bool {
	fields := strings.Fields(p.board.ToFen())
	return len(fields) > 2 && fields[2] != "-"
}

const darkSquares uint64 = 0xAA55AA55AA55AA55

// HasMatingMaterial reports whether either side can still in principle
// deliver mate. Bare kings, a lone minor piece, and same-colored bishops
// cannot.
func (p *Position) HasMatingMaterial() bool {
	w, b := &p.board.White, &p.board.Black
	if w.Pawns|b.Pawns|w.Rooks|b.Rooks|w.Queens|b.Queens != 0 {
		return true
	}
	knights := w.Knights | b.Knights
	bishops := w.Bishops | b.Bishops
	minors := bits.OnesCount64(knights | bishops)
	if minors <= 1 {
		return false
	}
	if minors == 2 && knights == 0 {
		dark := bishops & darkSquares
		if dark == 0 || dark == bishops {
			return false
		}
	}
	return true
}

// PositionHistory is the sequence of positions from the game start (or the
// position command's base FEN) to the current one. Workers keep their own
// copy and extend it during tree descent.
type PositionHistory struct {
	positions []Position
}

// NewHistory parses fen and starts a history at it.
func NewHistory(fen string) (PositionHistory, error) {
	board := dragon.ParseFen(fen)
	if board.White.Kings == 0 || board.Black.Kings == 0 {
		return PositionHistory{}, errors.New("chess: fen has no kings")
	}
	ply := (int(board.Fullmoveno) - 1) * 2
	if !board.Wtomove {
		ply++
	}
	return PositionHistory{positions: []Position{{board: board, ply: ply}}}, nil
}

func (h *PositionHistory) Len() int { return len(h.positions) }

func (h *PositionHistory) Last() *Position { return &h.positions[len(h.positions)-1] }

func (h *PositionHistory) At(i int) *Position { return &h.positions[i] }

func (h *PositionHistory) IsBlackToMove() bool { return h.Last().IsBlackToMove() }

func (h *PositionHistory) GamePly() int { return h.Last().GamePly() }

// Append plays m on top of the last position.
func (h *PositionHistory) Append(m Move) {
	last := h.positions[len(h.positions)-1]
	next := Position{board: last.board, ply: last.ply + 1}
	next.board.Apply(m)
	next.repetitions = h.countRepetitions(&next)
	h.positions = append(h.positions, next)
}

// countRepetitions scans backwards over same-side-to-move positions within
// the halfmove-clock window. Any capture or pawn move resets the clock and
// bounds the scan.
func (h *PositionHistory) countRepetitions(next *Position) int {
	hash := next.board.Hash()
	window := next.HalfmoveClock()
	reps := 0
	for i, dist := len(h.positions)-2, 2; i >= 0 && dist <= window; i, dist = i-2, dist+2 {
		if h.positions[i].board.Hash() == hash {
			reps++
		}
	}
	return reps
}

// Pop removes the last position.
func (h *PositionHistory) Pop() {
	h.positions = h.positions[:len(h.positions)-1]
}

// Trim truncates the history to its first n positions.
func (h *PositionHistory) Trim(n int) {
	h.positions = h.positions[:n]
}

// Clone returns an independent copy with capacity for further Appends.
func (h *PositionHistory) Clone() PositionHistory {
	positions := make([]Position, len(h.positions), len(h.positions)+64)
	copy(positions, h.positions)
	return PositionHistory{positions: positions}
}

const (
	hashOffset = 14695981039346656037
	hashPrime  = 1099511628211
)

// HashLast folds the Zobrist keys of the last n positions (fewer if the
// history is shorter) into a single cache key.
func (h *PositionHistory) HashLast(n int) uint64 {
	first := len(h.positions) - n
	if first < 0 {
		first = 0
	}
	hash := uint64(hashOffset)
	for i := first; i < len(h.positions); i++ {
		hash ^= h.positions[i].board.Hash()
		hash *= hashPrime
	}
	return hash
}
