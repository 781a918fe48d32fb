package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	waconsole "github.com/LuminPulse-AI/waconsole"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool

	// watch
	watchConversation string
	watchMetricsAddr  string
	watchPollInterval time.Duration
	watchBroadcasts   []string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	watchCmd.Flags().StringVarP(&watchConversation, "conversation", "c", "", "Open this conversation and follow its messages")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().DurationVar(&watchPollInterval, "poll-interval", waconsole.DefaultPollInterval, "REST refresh interval while realtime is down")
	watchCmd.Flags().StringSliceVar(&watchBroadcasts, "broadcast", nil, "Broadcast ids whose delivery stats to follow")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, watchCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		view := waconsole.NewConversationView()
		view.SetConversations(convs)
		convs = view.Conversations()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			name := valueOrDefault(c.ContactName, c.ContactPhone)
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-24s %-28s %-14s %s%s\n", c.ID, truncate(name, 28), relTime(c.LastMessageAt), truncate(c.LastMessage, 48), unread)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.ListMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m waconsole.Message) {
	who := "contact"
	if m.Sender == waconsole.SenderAgent {
		who = "you"
	}
	text := m.Text
	if m.MediaURL != "" {
		text += " [" + m.MediaURL + "]"
	}
	fmt.Printf("[%s] %s: %s %s\n", relTime(m.Timestamp), who, text, statusMark(m.Status))
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], args[1]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		var to string
		for _, c := range convs {
			if c.ID == convID {
				to = c.ContactPhone
				break
			}
		}

		res, err := client.SendMessage(ctx, waconsole.SendMessageRequest{To: to, Text: text, ConversationID: convID})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !res.Success {
			return &waconsole.SendError{Message: res.Error}
		}

		if sendJSON {
			return printJSON(res)
		}
		fmt.Printf("Message sent to conversation %s\n", convID)
		if res.Message != nil {
			fmt.Printf("  Message ID: %s\n", valueOrDefault(res.Message.ID, "(pending)"))
			fmt.Printf("  Status:     %s\n", valueOrDefault(string(res.Message.Status), string(waconsole.StatusSent)))
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the inbox live",
	Long:  "Connect to the realtime channel and print inbox activity until interrupted.\nFalls back to periodic REST refreshes while the realtime channel is down.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", watchMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		rt := newRealtime(client, cfg)
		defer rt.Disconnect()
		watchLifecycle(rt.Events())

		broadcasts := waconsole.NewBroadcastMonitor(rt.Events(), func(s waconsole.BroadcastStats) {
			fmt.Printf("broadcast %s: %s sent, %s delivered, %s read, %s failed of %s\n",
				s.BroadcastID, humanize.Comma(int64(s.Sent)), humanize.Comma(int64(s.Delivered)),
				humanize.Comma(int64(s.Read)), humanize.Comma(int64(s.Failed)), humanize.Comma(int64(s.Total)))
		})
		defer broadcasts.Close()
		for _, id := range watchBroadcasts {
			s, err := client.GetBroadcastStats(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("broadcast_id", id).Msg("cannot load broadcast stats")
				continue
			}
			broadcasts.Seed(*s)
		}

		printer := &inboxPrinter{seen: make(map[string]waconsole.MessageStatus)}
		inbox := waconsole.NewInbox(client, rt,
			waconsole.WithInboxLogger(log.Logger),
			waconsole.WithOnChange(printer.render),
		)
		if err := inbox.Mount(ctx, clientID(cfg)); err != nil {
			return err
		}
		defer inbox.Unmount()

		if watchConversation != "" {
			if err := inbox.Select(ctx, watchConversation); err != nil {
				return err
			}
		}

		poller := waconsole.NewDegradedPoller(inbox, rt, watchPollInterval)
		if err := poller.Start(); err != nil {
			return err
		}
		defer poller.Stop()

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func watchLifecycle(bus *waconsole.EventBus) {
	bus.On(waconsole.EventConnected, func(...any) {
		fmt.Println("● realtime connected")
	})
	bus.On(waconsole.EventDisconnected, func(args ...any) {
		if len(args) > 0 {
			if info, ok := args[0].(waconsole.DisconnectInfo); ok && info.Manual {
				return
			}
		}
		fmt.Println("○ realtime disconnected")
	})
	bus.On(waconsole.EventReconnecting, func(args ...any) {
		if len(args) > 0 {
			if info, ok := args[0].(waconsole.ReconnectInfo); ok {
				fmt.Printf("○ reconnecting in %s (attempt %d)\n", info.Delay.Round(time.Millisecond), info.Attempt)
			}
		}
	})
	bus.On(waconsole.EventReconnectFailed, func(...any) {
		fmt.Println("✗ realtime gave up; polling over REST")
	})
}

// inboxPrinter prints what changed between two inbox snapshots.
type inboxPrinter struct {
	mu     sync.Mutex
	unread map[string]int
	seen   map[string]waconsole.MessageStatus
}

func (p *inboxPrinter) render(s waconsole.InboxSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unread == nil {
		p.unread = make(map[string]int)
		for _, c := range s.Conversations {
			p.unread[c.ID] = c.UnreadCount
		}
	} else {
		for _, c := range s.Conversations {
			if c.UnreadCount > p.unread[c.ID] {
				fmt.Printf("✉ %s: %s (%d unread)\n", valueOrDefault(c.ContactName, c.ContactPhone), truncate(c.LastMessage, 60), c.UnreadCount)
			}
			p.unread[c.ID] = c.UnreadCount
		}
	}

	for _, m := range s.Messages {
		key := m.ID
		if key == "" {
			key = m.TempID
		}
		if key == "" {
			continue
		}
		if prev, ok := p.seen[key]; ok && prev == m.Status {
			continue
		}
		p.seen[key] = m.Status
		printMessage(m)
	}
}
