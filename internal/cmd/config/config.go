// Package config provides CLI commands for managing leasekeeper configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/Iron-Ham/leasekeeper/internal/config"
	"github.com/Iron-Ham/leasekeeper/internal/styles"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

// Register adds the config command tree to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(NewCommand())
}

// NewCommand builds the config command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or modify leasekeeper configuration",
		Long: `View or modify leasekeeper configuration.

Settings are read from the config file, then overridden by LEASEKEEPER_*
environment variables (e.g. LEASEKEEPER_LEASE_STALE_AFTER=10m).`,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			if err := appconfig.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShow(cmd.OutOrStdout())
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Show the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPath(cmd.OutOrStdout())
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  leasekeeper config set lease.stale_after 10m
  leasekeeper config set store.backend nats
  leasekeeper config set logging.level debug

Run 'leasekeeper config show' to see every key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd.OutOrStdout(), args[0], args[1])
		},
	}

	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Open config file in your editor",
		Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEdit(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(initCmd, showCmd, pathCmd, setCmd, editCmd)
	return cmd
}

// configPath is the file in use, or the default location when none was read.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return appconfig.ConfigFile()
}

func runShow(out io.Writer) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	p := styles.NewPrinter(out)

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(out, p.Field("Config file", used))
	} else {
		fmt.Fprintln(out, p.Field("Config file", "(none - using defaults)"))
	}
	fmt.Fprintln(out, p.Field("State dir", cfg.ResolvedStateDir()))
	fmt.Fprintln(out)

	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runPath(out io.Writer) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", appconfig.ConfigFile())
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: LEASEKEEPER_* (e.g., LEASEKEEPER_STORE_BACKEND)")
	return nil
}

func runSet(out io.Writer, key, value string) error {
	key = strings.ToLower(key)
	if !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'leasekeeper config show' to see valid keys", key)
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(out, "Set %s = %s\n", key, value)
	fmt.Fprintf(out, "Config saved to %s\n", path)
	return nil
}

func runEdit(out io.Writer) error {
	path := configPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "Config file doesn't exist, creating with defaults...")
		if err := appconfig.WriteDefault(path, false); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, path)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(out, "Config file saved: %s\n", path)
	return nil
}
