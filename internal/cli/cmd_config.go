package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/scribe/internal/config"
)

// newConfigCmd creates the config command with subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
		Long: `View the effective scribe configuration.

Configuration is loaded from multiple sources with this priority:
  1. Runtime: environment variables (SCRIBE_*), CLI flags
  2. .env in the working directory
  3. Config file: --config, ./scribe.yaml, .scribe/scribe.yaml, ~/.scribe/scribe.yaml
  4. Defaults: Built-in values

Keys use dot notation; the matching variable replaces dots with
underscores (archive.max_size is SCRIBE_ARCHIVE_MAX_SIZE).

Subcommands:
  show        Show merged configuration
  get         Get a specific config value

Examples:
  scribe config show
  scribe config get archive.max_size`,
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigGetCmd())

	return cmd
}

// newConfigShowCmd creates the 'config show' subcommand.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show merged configuration",
		Long: `Show the merged configuration from all sources as YAML.

The file in use, if any, is printed as a comment on the first line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadEffective(cmd)
			if err != nil {
				return err
			}
			return printConfigAsYAML(cmd.OutOrStdout(), v)
		},
	}
}

// newConfigGetCmd creates the 'config get' subcommand.
func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a specific config value",
		Long: `Get a specific configuration value by key.

Examples:
  scribe config get database.driver
  scribe config get import.timeout_per_mb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadEffective(cmd)
			if err != nil {
				return err
			}
			key := strings.ToLower(args[0])
			if !v.IsSet(key) {
				return fmt.Errorf("unknown config key %q (known keys: %s)", args[0], strings.Join(leafKeys(v), ", "))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v.Get(key))
			return err
		},
	}
}

// loadEffective loads and validates the configuration, returning the viper
// instance that holds the merged values.
func loadEffective(cmd *cobra.Command) (*viper.Viper, error) {
	v, err := loadViper(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := config.Load(v); err != nil {
		return nil, err
	}
	return v, nil
}

func printConfigAsYAML(w io.Writer, v *viper.Viper) error {
	if used := v.ConfigFileUsed(); used != "" {
		if _, err := fmt.Fprintf(w, "# %s\n", used); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func leafKeys(v *viper.Viper) []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}
