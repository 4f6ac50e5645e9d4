// Package cmd assembles the leasekeeper command tree.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/leasekeeper/internal/cmd/branch"
	configcmd "github.com/Iron-Ham/leasekeeper/internal/cmd/config"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/recovery"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/session"
	"github.com/Iron-Ham/leasekeeper/internal/cmd/workitem"
	"github.com/Iron-Ham/leasekeeper/internal/config"
	"github.com/Iron-Ham/leasekeeper/internal/errors"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// NewRootCmd builds the leasekeeper command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "leasekeeper",
		Short: "Exclusive leases on work-items and git branches for agent sessions",
		Long: `leasekeeper keeps concurrent agent sessions from working on the same thing.

Work-item leases live in a shared registry and go stale when their holder
stops heartbeating. Branch locks are files in the repository. A session that
loses its context can reclaim its work-item with "leasekeeper recover run".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/leasekeeper/config.yaml)")

	workitem.Register(root)
	branch.Register(root)
	session.Register(root)
	recovery.Register(root)
	configcmd.Register(root)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig(cmd *cobra.Command) error {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LEASEKEEPER")
	// Replace dots with underscores for nested keys in env vars
	// e.g., LEASEKEEPER_LEASE_STALE_AFTER for lease.stale_after
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config is fine; an explicit or broken one is not.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}
