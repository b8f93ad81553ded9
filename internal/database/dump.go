package database

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// runDump executes a dump command, streaming its stdout through a zstd
// writer into destPath. The partial file is removed on any failure so a
// broken dump never lands in the destination tree. ctx is the command's
// context; its cancellation cause (the dump timeout, typically) takes
// precedence over the raw exec error.
func runDump(ctx context.Context, cmd *exec.Cmd, destPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(destPath), err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create dump file %q: %w", destPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close dump file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(destPath)
		}
	}()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stdout = zw
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		zw.Close()
		// A killed command reports "signal: killed"; the context cause
		// says why it was killed.
		if cause := context.Cause(ctx); cause != nil {
			return fmt.Errorf("%w: %v", cause, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %v: %s", ErrDumpFailed, err, msg)
		}
		return fmt.Errorf("%w: %v", ErrDumpFailed, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zstd: %w", err)
	}
	return nil
}
