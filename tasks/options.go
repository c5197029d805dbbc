package tasks

import (
	"encoding/binary"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/frame"
)

// frameOptions holds per-job overrides of the configured detector
// geometry and output settings. Every field starts from the server
// config and can be overridden by job arguments.
type frameOptions struct {
	width   int
	height  int
	order   binary.ByteOrder
	keep16  bool
	kernel  int
	outDir  string
	high    string
	convert bool
	// remaining holds positional arguments that were not option flags.
	remaining []string
}

// parseFrameOptions reads "-flag value" style job arguments on top of
// the current config.
func parseFrameOptions(args []string) frameOptions {
	cfg := appconfig.Get()
	opts := frameOptions{
		width:  cfg.FrameWidth,
		height: cfg.FrameHeight,
		order:  frame.ByteOrder(cfg.Endianness),
		keep16: cfg.Keep16Bit,
		kernel: cfg.DenoiseKernel,
		outDir: cfg.OutputPath,
	}

	for i := 0; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "-width":
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
					opts.width = n
				}
				i++
			}
		case "-height":
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
					opts.height = n
				}
				i++
			}
		case "-order":
			if i+1 < len(args) {
				opts.order = frame.ByteOrder(args[i+1])
				i++
			}
		case "-depth":
			if i+1 < len(args) {
				opts.keep16 = args[i+1] != "8"
				i++
			}
		case "-k", "-kernel":
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
					opts.kernel = n
				}
				i++
			}
		case "-out":
			if i+1 < len(args) {
				opts.outDir = args[i+1]
				i++
			}
		case "-high":
			if i+1 < len(args) {
				opts.high = args[i+1]
				i++
			}
		case "--convert":
			opts.convert = true
		default:
			opts.remaining = append(opts.remaining, args[i])
		}
	}

	return opts
}

// rawBaseName strips the raw frame extensions from a path's base name.
func rawBaseName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".raw")
	return base
}
