package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"pelican/internal/chess"
	"pelican/internal/engine"
	"pelican/internal/logx"
	"pelican/internal/mcts"
	"pelican/internal/nn"
	"pelican/internal/tb"
)

func main() {
	modelPath := flag.String("model", "", "path to ONNX model file")
	libPath := flag.String("ortlib", "", "path to the onnxruntime shared library")
	syzygyPaths := flag.String("syzygy", "", "':'-separated Syzygy tablebase directories")
	nodes := flag.Int64("nodes", 800, "visits per move")
	maxMoves := flag.Int("maxmoves", 200, "max moves to play")
	threads := flag.Int("threads", 2, "search threads")
	flag.Parse()

	logger := logx.NewLogger(os.Stderr)

	go func() {
		log.Println("pprof listening on :6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			log.Printf("pprof failed: %v", err)
		}
	}()

	var network nn.Network
	if *modelPath == "" {
		logger.Warn().Msg("no model given, playing with the uniform evaluator")
		network = &nn.StaticNetwork{}
	} else {
		path, err := engine.ResolveModelPath(*modelPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("resolve model")
		}
		onnx, err := nn.LoadOnnxNetwork(path, *libPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load network")
		}
		defer onnx.Close()
		network = onnx
	}

	var syzygy tb.Tablebase
	if *syzygyPaths != "" {
		loaded, err := tb.LoadSyzygy(*syzygyPaths)
		if err != nil {
			logger.Fatal().Err(err).Msg("load tablebases")
		}
		logger.Info().Int("max_cardinality", loaded.MaxCardinality()).Msg("loaded tablebases")
		syzygy = loaded
	}

	cache := nn.NewCache(200000)
	tree := mcts.NewNodeTree()
	if err := tree.ResetToPosition(chess.StartposFEN, nil); err != nil {
		logger.Fatal().Err(err).Msg("setup position")
	}

	params := mcts.DefaultParams()
	params.OutOfOrderEval = true

	for move := 1; move <= *maxMoves; move++ {
		if len(tree.History().Last().GenerateLegalMoves()) == 0 {
			logger.Info().Msg("game over: no moves")
			break
		}

		limits := mcts.NoLimits()
		limits.Visits = *nodes

		start := time.Now()
		search := mcts.NewSearch(tree, mcts.SearchConfig{
			Network:   network,
			Cache:     cache,
			Tablebase: syzygy,
			Limits:    limits,
			Params:    params,
			Logger:    logger,
		})
		if err := search.RunBlocking(*threads); err != nil {
			logger.Fatal().Err(err).Msg("search failed")
		}
		elapsed := time.Since(start)

		best := search.GetBestMove()
		eval := search.GetBestEval()
		fmt.Printf("move %3d: %-6s eval %+.3f cp %5d time %v\n",
			move, best.Move.String(), eval, mcts.ScoreCentipawns(eval), elapsed)

		tree.MakeMove(best.Move)
	}

	logger.Info().Msg("selfplay finished")
}
