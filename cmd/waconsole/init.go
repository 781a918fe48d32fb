package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initClientID string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initClientID, "client-id", "", "Operator id sent when identifying on the realtime channel")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.waconsole/config.toml",
	Long:  "Initialize the waconsole CLI by storing your API token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initClientID != "" {
			cfg.Auth.ClientID = initClientID
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "development"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
