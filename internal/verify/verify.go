// Package verify checks the structural integrity of the artifacts a
// run produced: archives must list cleanly, dumps must decompress
// cleanly. A failed check is counted, never fatal, so one damaged
// artifact does not hide damage in the others.
package verify

import (
	"context"

	"github.com/kebairia/hostsave/internal/archive"
	"github.com/kebairia/hostsave/internal/database"
	"github.com/kebairia/hostsave/internal/logger"
)

// Kind tells the verifier which structural check applies.
type Kind string

const (
	KindArchive Kind = "archive"
	KindDump    Kind = "dump"
)

// Artifact is one file to check.
type Artifact struct {
	Path string
	Kind Kind
}

// Verifier walks a list of artifacts and reports how many failed.
type Verifier struct {
	log      logger.Logger
	archiver *archive.Archiver
}

func NewVerifier(log logger.Logger) *Verifier {
	return &Verifier{log: log, archiver: archive.New(log)}
}

// Verify checks every artifact and returns the failure count. A
// canceled context stops the walk; remaining artifacts count as
// unverified failures so the exit code stays honest.
func (v *Verifier) Verify(ctx context.Context, artifacts []Artifact) int {
	failed := 0
	for i, a := range artifacts {
		if err := ctx.Err(); err != nil {
			v.log.Warn("verification aborted", "remaining", len(artifacts)-i, "error", err)
			return failed + len(artifacts) - i
		}

		var err error
		switch a.Kind {
		case KindDump:
			err = database.VerifyDump(ctx, a.Path)
		default:
			_, err = v.archiver.List(ctx, a.Path)
		}
		if err != nil {
			v.log.Error("artifact failed verification", "path", a.Path, "kind", string(a.Kind), "error", err)
			failed++
			continue
		}
		v.log.Debug("artifact verified", "path", a.Path, "kind", string(a.Kind))
	}
	return failed
}
