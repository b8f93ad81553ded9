package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/hostsave/internal/archive"
	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/database"
	"github.com/kebairia/hostsave/internal/logger"
	"github.com/kebairia/hostsave/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of an existing backup tree",
	Long: `verify walks this host's subtree on the backup destination and checks
every archive and dump structurally, without performing a backup. The
destination must already be mounted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.Init()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		defer logger.Cleanup()

		var cfg config.Config
		if err := cfg.Load(ConfigFile); err != nil {
			log.Error("configuration rejected", "path", ConfigFile, "error", err)
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hostRoot := filepath.Join(cfg.Backup.Root, cfg.Host)
		artifacts, err := collectArtifacts(hostRoot)
		if err != nil {
			log.Error("backup tree not readable", "path", hostRoot, "error", err)
			return err
		}
		if len(artifacts) == 0 {
			log.Warn("no artifacts found", "path", hostRoot)
			return nil
		}

		failed := verify.NewVerifier(log).Verify(ctx, artifacts)
		log.Info("verification finished", "artifacts", len(artifacts), "failed", failed)
		if failed > 0 {
			exitCode = 1
		}
		return nil
	},
}

// collectArtifacts gathers every archive and dump under the host
// subtree, classified by file extension.
func collectArtifacts(hostRoot string) ([]verify.Artifact, error) {
	var artifacts []verify.Artifact
	err := filepath.WalkDir(hostRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, database.Extension):
			artifacts = append(artifacts, verify.Artifact{Path: path, Kind: verify.KindDump})
		case strings.HasSuffix(path, archive.Extension):
			artifacts = append(artifacts, verify.Artifact{Path: path, Kind: verify.KindArchive})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", hostRoot, err)
	}
	return artifacts, nil
}
