package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrTimeout     = errors.New("operation timed out")
	ErrDumpFailed  = errors.New("dump failed")
	ErrDumpInvalid = errors.New("dump failed integrity check")
)

// Extension is the suffix of every compressed dump the pipeline produces.
const Extension = ".sql.zst"

// Database is a single logical database the pipeline can dump. Dump
// writes a compressed dump named {name}-{date}.sql.zst into destDir and
// returns its path.
type Database interface {
	Name() string
	Engine() string
	Dump(ctx context.Context, destDir, date string) (string, error)
}

// VerifyDump checks the decompression integrity of a dump by decoding
// the whole zstd stream. A truncated or corrupted file fails the decode.
func VerifyDump(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump %q: %w", path, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDumpInvalid, path, err)
	}
	defer zr.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDumpInvalid, path, err)
	}
	return nil
}
