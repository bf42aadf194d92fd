package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ResolveModelPath returns a path the ONNX runtime can load directly.
// Zstandard-compressed models (.onnx.zst) are decompressed into the
// temporary directory first.
func ResolveModelPath(path string) (string, error) {
	if !strings.HasSuffix(path, ".zst") {
		return path, nil
	}
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("engine: open model: %w", err)
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("engine: zstd reader: %w", err)
	}
	defer decoder.Close()

	outPath := filepath.Join(os.TempDir(), "pelican-"+uuid.NewString()+".onnx")
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("engine: create model temp file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, decoder); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("engine: decompress model: %w", err)
	}
	return outPath, nil
}
