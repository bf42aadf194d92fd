package nn

import (
	"math/bits"

	"pelican/internal/chess"

	dragon "github.com/dylhunn/dragontoothmg"
)

// historyPositions is how many trailing positions feed the input planes.
const historyPositions = 2

// EncodePosition renders the last positions of the history as input planes,
// from the side to move's perspective: for each history slot, six planes of
// our pieces then six of the opponent's.
func EncodePosition(history *chess.PositionHistory) []float32 {
	planes := make([]float32, InputSize)
	blackToMove := history.IsBlackToMove()
	for slot := 0; slot < historyPositions; slot++ {
		idx := history.Len() - 1 - slot
		if idx < 0 {
			break
		}
		board := history.At(idx).Board()
		ours, theirs := &board.White, &board.Black
		if blackToMove {
			ours, theirs = theirs, ours
		}
		base := slot * 12 * PlaneSize
		fillPiecePlanes(planes[base:base+6*PlaneSize], ours)
		fillPiecePlanes(planes[base+6*PlaneSize:base+12*PlaneSize], theirs)
	}
	return planes
}

func fillPiecePlanes(dst []float32, bb *dragon.Bitboards) {
	sets := [6]uint64{bb.Pawns, bb.Knights, bb.Bishops, bb.Rooks, bb.Queens, bb.Kings}
	for plane, set := range sets {
		for set != 0 {
			dst[plane*PlaneSize+bits.TrailingZeros64(set)] = 1
			set &= set - 1
		}
	}
}
