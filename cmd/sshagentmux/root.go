package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sshagentmux/sshagentmux/internal/core"
)

// defaultConfigPath mirrors the teacher's homeDir-relative default: a
// per-user directory under the profile root, not a system-wide path.
func defaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sshagentmux", "config.json")
}

// NewRootCommand builds the single-command CLI surface: no args runs the
// engine; --uninstall/--reset removes the persisted configuration and
// exits; --help/-h is cobra's default usage.
func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose bool
	var uninstall bool
	var reset bool

	rootCmd := &cobra.Command{
		Use:     "sshagentmux",
		Short:   "SSH agent multiplexer",
		Version: core.FormatVersion(core.Version),
		Long: `sshagentmux merges multiple SSH-agent backends (1Password, Bitwarden, and
similar credential managers) behind a single named pipe, activating whichever
backend owns a requested key and switching between them transparently.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uninstall || reset {
				return runReset(configPath)
			}
			return runEngine(configPath, verbose)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config-path", defaultConfigPath(), "path to the persisted configuration document")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&uninstall, "uninstall", false, "remove the persisted configuration and exit")
	rootCmd.Flags().BoolVar(&reset, "reset", false, "alias for --uninstall")

	return rootCmd
}

func runReset(configPath string) error {
	if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing configuration: %w", err)
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", configPath)
	return nil
}
