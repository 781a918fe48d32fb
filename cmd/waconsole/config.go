package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the config file as stored")
}

// configField binds a dotted config key and its environment override to a
// field of a Config.
type configField struct {
	Key    string
	Env    string
	Secret bool
	Value  *string
}

func configFields(cfg *Config) []configField {
	return []configField{
		{Key: "default.environment", Env: "WACONSOLE_ENV", Value: &cfg.Default.Environment},
		{Key: "default.base_url", Env: "WACONSOLE_API_URL", Value: &cfg.Default.BaseURL},
		{Key: "default.realtime_url", Env: "WACONSOLE_WS_URL", Value: &cfg.Default.RealtimeURL},
		{Key: "auth.token", Env: "WACONSOLE_TOKEN", Secret: true, Value: &cfg.Auth.Token},
		{Key: "auth.client_id", Env: "WACONSOLE_CLIENT_ID", Value: &cfg.Auth.ClientID},
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage waconsole configuration",
	Long:  "View or modify the waconsole CLI configuration stored in ~/.waconsole/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting after environment overrides, with where its value came from.\nSecrets are masked; use --raw to print the file itself.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			return printRawConfig(cmd.OutOrStdout())
		}
		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		writeEffectiveConfig(cmd.OutOrStdout(), file, effective)
		return nil
	},
}

func printRawConfig(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No configuration file found. Run 'waconsole init <token>' to create one.")
			return nil
		}
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Fprint(w, string(data))
	return nil
}

// writeEffectiveConfig prints one line per setting: key, value and source
// (env, file or unset).
func writeEffectiveConfig(w io.Writer, file, effective *Config) {
	fromFile := configFields(file)
	for i, f := range configFields(effective) {
		value, source := *f.Value, "unset"
		switch {
		case value == "":
			value = "-"
		case value != *fromFile[i].Value:
			source = "env " + f.Env
		default:
			source = "file"
		}
		if f.Secret && source != "unset" {
			value = maskKey(value)
		}
		fmt.Fprintf(w, "%-22s %-40s %s\n", f.Key, value, source)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: waconsole config set default.base_url https://console.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], strings.TrimSpace(args[1])

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
