package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"pelican/internal/engine"
	"pelican/internal/logx"
	"pelican/internal/uci"
)

const (
	name    = "Pelican"
	author  = "The Pelican Authors"
	version = "0.1"
)

func main() {
	modelPath := flag.String("model", "", "path to ONNX model file (.onnx or .onnx.zst)")
	libPath := flag.String("ortlib", "", "path to the onnxruntime shared library")
	syzygyPaths := flag.String("syzygy", "", "':'-separated Syzygy tablebase directories")
	threads := flag.Int("threads", 0, "worker threads (0 keeps the option default)")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	log := logx.NewLogger(os.Stderr)
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	opts := engine.DefaultOptions()
	opts.ModelPath = *modelPath
	opts.OrtLibPath = *libPath
	opts.SyzygyPaths = *syzygyPaths
	if *threads > 0 {
		opts.Threads = *threads
	}

	protocol := uci.New(name, author, version, log, &opts, os.Stdout)
	if err := protocol.Run(context.Background(), os.Stdin); err != nil {
		log.Fatal().Err(err).Msg("uci loop failed")
	}
}
