package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"pelican/internal/chess"
	"pelican/internal/engine"
	"pelican/internal/mcts"
)

// ErrQuit is returned by Handle when the GUI asked the engine to exit.
var ErrQuit = errors.New("quit")

// Protocol is the UCI front end: it parses commands from the GUI, drives
// the engine controller, and prints search output.
type Protocol struct {
	name    string
	author  string
	version string
	log     zerolog.Logger
	engine  *engine.Controller
	opts    *engine.Options
	options []Option
	out     io.Writer
}

func New(name, author, version string, log zerolog.Logger, opts *engine.Options, out io.Writer) *Protocol {
	p := &Protocol{
		name:    name,
		author:  author,
		version: version,
		log:     log,
		opts:    opts,
		out:     out,
	}
	p.engine = engine.NewController(log, opts, p.sendBestMove, p.sendInfo)
	p.options = []Option{
		&IntOption{Name: "Threads", Min: 1, Max: 128, Value: &opts.Threads},
		&IntOption{Name: "NNCacheSize", Min: 0, Max: 999999999, Value: &opts.CacheSize},
		&StringOption{Name: "WeightsFile", Value: &opts.ModelPath},
		&StringOption{Name: "SyzygyPath", Value: &opts.SyzygyPaths},
		&FloatOption{Name: "SlowMover", Min: 0, Max: 100, Value: &opts.SlowMover},
		&IntOption{Name: "MoveOverheadMs", Min: 0, Max: 10000, Value: &opts.MoveOverheadMs},
		&FloatOption{Name: "TimeCurveMidpoint", Min: 1, Max: 200, Value: &opts.TimeCurveMidpoint},
		&FloatOption{Name: "TimeCurveSteepness", Min: 1, Max: 100, Value: &opts.TimeCurveSteepness},
		&IntOption{Name: "MinibatchSize", Min: 1, Max: 1024, Value: &opts.MiniBatchSize},
		&IntOption{Name: "MaxPrefetch", Min: 0, Max: 1024, Value: &opts.MaxPrefetch},
		&FloatOption{Name: "Cpuct", Min: 0, Max: 100, Value: &opts.Cpuct},
		&FloatOption{Name: "Temperature", Min: 0, Max: 100, Value: &opts.Temperature},
		&IntOption{Name: "TempDecayMoves", Min: 0, Max: 100, Value: &opts.TempDecayMoves},
		&BoolOption{Name: "DirichletNoise", Value: &opts.Noise},
		&BoolOption{Name: "VerboseMoveStats", Value: &opts.VerboseStats},
		&FloatOption{Name: "FutileSearchAversion", Min: 0, Max: 10, Value: &opts.FutileSearchAversion},
		&FloatOption{Name: "FpuReduction", Min: -100, Max: 100, Value: &opts.FpuReduction},
		&IntOption{Name: "CacheHistoryLength", Min: 0, Max: 7, Value: &opts.CacheHistoryLength},
		&FloatOption{Name: "PolicySoftmaxTemp", Min: 0.1, Max: 10, Value: &opts.PolicySoftmaxTemp},
		&IntOption{Name: "AllowedNodeCollisions", Min: 0, Max: 1024, Value: &opts.AllowedNodeCollisions},
		&BoolOption{Name: "OutOfOrderEval", Value: &opts.OutOfOrderEval},
		&BoolOption{Name: "StickyCheckmate", Value: &opts.StickyCheckmate},
		&BoolOption{Name: "Ponder", Value: new(bool)},
	}
	return p
}

// Engine exposes the controller, e.g. to plug in a tablebase backend.
func (p *Protocol) Engine() *engine.Controller { return p.engine }

// Run reads commands until EOF or quit.
func (p *Protocol) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if err := p.Handle(line); err != nil {
			if errors.Is(err, ErrQuit) {
				break
			}
			p.log.Error().Err(err).Str("command", line).Msg("command failed")
		}
	}
	p.engine.Abort()
	return scanner.Err()
}

func (p *Protocol) Handle(commandLine string) error {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil
	}
	command := fields[0]
	fields = fields[1:]

	if p.engine.IsSearchActive() {
		switch command {
		case "stop":
			p.engine.Stop()
			return nil
		case "ponderhit":
			return p.engine.PonderHit()
		case "quit":
			return ErrQuit
		case "isready":
			p.send("readyok")
			return nil
		}
		return errors.New("search still running")
	}

	switch command {
	case "uci":
		return p.uciCommand()
	case "setoption":
		return p.setOptionCommand(fields)
	case "isready":
		return p.isReadyCommand()
	case "ucinewgame":
		return p.engine.NewGame()
	case "position":
		return p.positionCommand(fields)
	case "go":
		return p.goCommand(fields)
	case "stop":
		p.engine.Stop()
		return nil
	case "ponderhit":
		return p.engine.PonderHit()
	case "quit":
		return ErrQuit
	}
	return errors.New("command not found")
}

func (p *Protocol) send(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *Protocol) uciCommand() error {
	p.send("id name %s %s", p.name, p.version)
	p.send("id author %s", p.author)
	for _, option := range p.options {
		p.send("%s", option.UciString())
	}
	p.send("uciok")
	return nil
}

func (p *Protocol) setOptionCommand(fields []string) error {
	if len(fields) < 4 || fields[0] != "name" {
		return errors.New("invalid setoption arguments")
	}
	valueIdx := findIndexString(fields, "value")
	if valueIdx < 0 || valueIdx+1 >= len(fields) {
		return errors.New("invalid setoption arguments")
	}
	name := strings.Join(fields[1:valueIdx], " ")
	value := strings.Join(fields[valueIdx+1:], " ")
	for _, option := range p.options {
		if strings.EqualFold(option.UciName(), name) {
			return option.Set(value)
		}
	}
	return errors.New("unhandled option")
}

func (p *Protocol) isReadyCommand() error {
	if err := p.engine.EnsureReady(); err != nil {
		return err
	}
	p.send("readyok")
	return nil
}

func (p *Protocol) positionCommand(fields []string) error {
	if len(fields) == 0 {
		return errors.New("invalid position command")
	}
	var fen string
	movesIdx := findIndexString(fields, "moves")
	switch fields[0] {
	case "startpos":
		fen = chess.StartposFEN
	case "fen":
		if movesIdx == -1 {
			fen = strings.Join(fields[1:], " ")
		} else {
			fen = strings.Join(fields[1:movesIdx], " ")
		}
	default:
		return errors.New("unknown position command")
	}
	var moves []string
	if movesIdx >= 0 && movesIdx+1 < len(fields) {
		moves = fields[movesIdx+1:]
	}
	p.engine.SetPosition(fen, moves)
	return nil
}

func (p *Protocol) goCommand(fields []string) error {
	params := engine.NewGoParams()
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "ponder":
			params.Ponder = true
		case "infinite":
			params.Infinite = true
		case "wtime":
			params.WTime = nextInt64(fields, &i)
		case "btime":
			params.BTime = nextInt64(fields, &i)
		case "winc":
			params.WInc = nextInt64(fields, &i)
		case "binc":
			params.BInc = nextInt64(fields, &i)
		case "movestogo":
			params.MovesToGo = int(nextInt64(fields, &i))
		case "movetime":
			params.MoveTime = nextInt64(fields, &i)
		case "nodes":
			params.Nodes = nextInt64(fields, &i)
		case "searchmoves":
			for i+1 < len(fields) && isMoveToken(fields[i+1]) {
				i++
				params.SearchMoves = append(params.SearchMoves, fields[i])
			}
		}
	}
	return p.engine.Go(params)
}

func (p *Protocol) sendBestMove(info mcts.BestMoveInfo) {
	if info.Ponder != chess.MoveNone {
		p.send("bestmove %v ponder %v", info.Move.String(), info.Ponder.String())
		return
	}
	p.send("bestmove %v", info.Move.String())
}

func (p *Protocol) sendInfo(info mcts.ThinkingInfo) {
	if info.Comment != "" {
		p.send("info string %s", info.Comment)
		return
	}
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "info depth %d seldepth %d time %d nodes %d nps %d hashfull %d tbhits %d score cp %d",
		info.Depth, info.SelDepth, info.TimeMs, info.Nodes, info.NPS,
		info.Hashfull, info.TBHits, info.ScoreCp)
	if len(info.PV) > 0 {
		sb.WriteString(" pv")
		for _, move := range info.PV {
			sb.WriteString(" ")
			sb.WriteString(move.String())
		}
	}
	p.send("%s", sb.String())
}

func nextInt64(fields []string, i *int) int64 {
	if *i+1 >= len(fields) {
		return -1
	}
	*i++
	v, err := strconv.ParseInt(fields[*i], 10, 64)
	if err != nil {
		return -1
	}
	return v
}

func isMoveToken(s string) bool {
	if len(s) < 4 || len(s) > 5 {
		return false
	}
	return s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8' &&
		s[2] >= 'a' && s[2] <= 'h' && s[3] >= '1' && s[3] <= '8'
}

func findIndexString(slice []string, value string) int {
	for i, v := range slice {
		if v == value {
			return i
		}
	}
	return -1
}
