package tb

import (
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	dragon "github.com/dylhunn/dragontoothmg"

	"pelican/internal/chess"
)

// wdlTableSuffix is the extension of Syzygy win/draw/loss tables.
const wdlTableSuffix = ".rtbw"

// Syzygy indexes the tablebase files found under a path list and gates
// probes on the material actually covered. The compressed table payload is
// decoded by an external probing backend; without one, a probe of a covered
// position reports failure, which the search treats as "no tablebase".
type Syzygy struct {
	tables         map[string]string
	maxCardinality int
}

// LoadSyzygy scans the ':'- or ';'-separated directory list for tablebase
// files. An unreadable directory or an empty result is a configuration
// error, surfaced before any search starts.
func LoadSyzygy(paths string) (*Syzygy, error) {
	s := &Syzygy{tables: make(map[string]string)}
	dirs := strings.FieldsFunc(paths, func(r rune) bool { return r == ':' || r == ';' })
	if len(dirs) == 0 {
		return nil, fmt.Errorf("tb: empty tablebase path %q", paths)
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("tb: read tablebase dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, wdlTableSuffix) {
				continue
			}
			sig := strings.TrimSuffix(name, wdlTableSuffix)
			men, ok := tableCardinality(sig)
			if !ok {
				continue
			}
			s.tables[sig] = filepath.Join(dir, name)
			if men > s.maxCardinality {
				s.maxCardinality = men
			}
		}
	}
	if len(s.tables) == 0 {
		return nil, fmt.Errorf("tb: no tablebase files under %q", paths)
	}
	return s, nil
}

// MaxCardinality is the largest piece count covered by the indexed tables.
func (s *Syzygy) MaxCardinality() int { return s.maxCardinality }

// ProbeWDL resolves the position's material signature against the indexed
// tables. Positions without a covering table fail immediately; covered
// positions fail too until a payload decoder is plugged in, and the search
// carries on as if no tablebase were configured.
func (s *Syzygy) ProbeWDL(pos *chess.Position) (WDL, ProbeState) {
	white, black := sideSignature(&pos.Board().White), sideSignature(&pos.Board().Black)
	if _, ok := s.tables[white+"v"+black]; !ok {
		if _, ok := s.tables[black+"v"+white]; !ok {
			return WDLDraw, ProbeFail
		}
	}
	// Covered material, but no payload decoder is bundled: report a failed
	// probe so the search continues on its own strength.
	return WDLDraw, ProbeFail
}

// tableCardinality parses a table name like "KQvKR" into its piece count.
func tableCardinality(sig string) (int, bool) {
	men := 0
	sides := strings.Split(sig, "v")
	if len(sides) != 2 {
		return 0, false
	}
	for _, side := range sides {
		if !strings.HasPrefix(side, "K") {
			return 0, false
		}
		for _, r := range side {
			switch r {
			case 'K', 'Q', 'R', 'B', 'N', 'P':
				men++
			default:
				return 0, false
			}
		}
	}
	return men, true
}

// sideSignature renders one side's material in table-name order.
func sideSignature(bb *dragon.Bitboards) string {
	sb := &strings.Builder{}
	for _, set := range []struct {
		letter byte
		pieces uint64
	}{
		{'K', bb.Kings},
		{'Q', bb.Queens},
		{'R', bb.Rooks},
		{'B', bb.Bishops},
		{'N', bb.Knights},
		{'P', bb.Pawns},
	} {
		for i := bits.OnesCount64(set.pieces); i > 0; i-- {
			sb.WriteByte(set.letter)
		}
	}
	return sb.String()
}
