package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	Long:  "Display the effective configuration and probe the REST API and the realtime channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment:  %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:     %s\n", client.BaseURL())
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.RealtimeURL, client.RealtimeURL()))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Client ID:    %s\n", clientID(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  REST:         error: %v\n", err)
		} else {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  REST:         ok (%d conversations, %d unread)\n", len(convs), unread)
		}

		rt := newRealtime(client, cfg)
		start := time.Now()
		if err := rt.Connect(ctx, clientID(cfg), nil); err != nil {
			fmt.Printf("  Realtime:     error: %v\n", err)
		} else {
			fmt.Printf("  Realtime:     ok (%s)\n", time.Since(start).Round(time.Millisecond))
		}
		rt.Disconnect()
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
