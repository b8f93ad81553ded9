package cmd

import (
	"github.com/spf13/cobra"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// exitCode carries the pipeline result out to main.
	exitCode int
	// rootCmd is the base command for hostsave.
	rootCmd = &cobra.Command{
		Use:   "hostsave",
		Short: "Host backup orchestrator",
		Long: `hostsave mounts the backup share, archives host configuration and
application data, dumps the configured databases with tiered retention,
verifies the produced artifacts, and reports the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "/etc/hostsave/config.yaml", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
}
