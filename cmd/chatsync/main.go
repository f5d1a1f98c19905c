// Command chatsync is the course-chat client: it queues messages locally,
// syncs them with the relay, and keeps working through outages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edline/chatsync/internal/app"
	"github.com/edline/chatsync/internal/auth"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/config"
	"github.com/edline/chatsync/internal/log"
	"github.com/edline/chatsync/internal/proto"
)

var (
	flagConfig string
	overrides  config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "offline-tolerant course chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to config file")
	pf.StringVar(&overrides.RelayURL, "relay-url", "", "relay WebSocket URL")
	pf.StringVar(&overrides.APIBaseURL, "api-url", "", "platform REST base URL")
	pf.StringVar(&overrides.DatabasePath, "db", "", "path to the local database")
	pf.StringVar(&overrides.UserID, "user", "", "sender user ID")
	pf.StringVar(&overrides.Token, "token", "", "bearer token for the relay")
	pf.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newSendCmd(),
		newHistoryCmd(),
		newSentCmd(),
		newRetryCmd(),
		newWatchCmd(),
		newClearCmd(),
		newTokenCmd(),
	)
	return root
}

func setup() (*app.App, config.Config, *zerolog.Logger, error) {
	cfg, _, err := config.Load(nil, flagConfig)
	if err != nil {
		return nil, cfg, nil, err
	}
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel)
	a, err := app.New(&cfg, logger)
	if err != nil {
		return nil, cfg, logger, err
	}
	return a, cfg, logger, nil
}

func newSendCmd() *cobra.Command {
	var course, recipient string
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Queue a message and deliver it to the relay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("relay unreachable, message will stay queued")
			}

			msg, err := a.Engine().Send(ctx, course, strings.Join(args, " "), chat.Channel(cfg.Channel), recipient)
			if err != nil {
				return err
			}

			final := awaitSettlement(ctx, a, course, msg, cfg.RequestTimeout+2*time.Second)
			printMessage(final)
			if final.Status == chat.StatusFailed || final.Status == chat.StatusPending {
				return fmt.Errorf("message queued but not delivered; run retry when back online")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course conversation to send into")
	cmd.Flags().StringVar(&recipient, "to", "", "instructor to address directly")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

// awaitSettlement polls the conversation view until the optimistic entry
// either fails or is replaced by its server-confirmed record.
func awaitSettlement(ctx context.Context, a *app.App, course string, sent chat.Message, timeout time.Duration) chat.Message {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		msgs, err := a.Engine().View().Conversation(ctx, course)
		if err == nil {
			for _, m := range msgs {
				if m.ID == sent.ID {
					if m.Status == chat.StatusFailed {
						return m
					}
					continue
				}
				if !m.Optimistic && m.Body == sent.Body && m.CreatedAt.Equal(sent.CreatedAt) {
					return m
				}
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return sent
}

func newHistoryCmd() *cobra.Command {
	var course string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the merged conversation, pending entries included",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("relay unreachable, showing cached conversation")
			}

			msgs, err := a.Engine().Initialize(ctx, course, chat.Channel(cfg.Channel))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course conversation to show")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func newSentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sent",
		Short: "Show messages you sent, from the platform API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.Engine().SentHistory(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	var course, messageID string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-send the conversation's failed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Connect(ctx); err != nil {
				return fmt.Errorf("retry needs the relay or the API: %w", err)
			}

			if messageID != "" {
				if err := a.Engine().RetryMessage(ctx, course, messageID); err != nil {
					return err
				}
			} else if err := a.Engine().RetryPending(ctx, course); err != nil {
				return err
			}

			msgs, err := a.Engine().View().Conversation(ctx, course)
			if err != nil {
				return err
			}
			failed := 0
			for _, m := range msgs {
				if m.Status == chat.StatusFailed {
					failed++
				}
			}
			fmt.Printf("%d message(s) still failed\n", failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course conversation to retry")
	cmd.Flags().StringVar(&messageID, "message", "", "retry a single message by ID")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var course string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a conversation live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cfg, _, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Connect(ctx); err != nil {
				return fmt.Errorf("watch needs a live relay connection: %w", err)
			}

			a.Engine().OnMessage(func(m chat.Message) {
				printMessage(m)
			})
			a.Engine().OnTyping(func(data proto.TypingStatusData) {
				if data.CourseID == course && data.IsTyping {
					fmt.Println("  ... typing")
				}
			})

			msgs, err := a.Engine().Initialize(ctx, course, chat.Channel(cfg.Channel))
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course conversation to follow")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func newClearCmd() *cobra.Command {
	var course string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the cached conversation, keeping unsent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Engine().ClearConversation(cmd.Context(), course)
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course conversation to clear")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		userID   string
		username string
		secret   string
		issuer   string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for a shared-secret relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken(&auth.TokenConfig{
				Secret:   []byte(secret),
				Issuer:   issuer,
				Audience: audience,
				TTL:      ttl,
			}, userID, username)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID for the token subject")
	cmd.Flags().StringVar(&username, "name", "", "display name claim")
	cmd.Flags().StringVar(&secret, "secret", "", "relay shared secret")
	cmd.Flags().StringVar(&issuer, "issuer", "chatsync", "issuer claim")
	cmd.Flags().StringVar(&audience, "audience", "relay", "audience claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func printMessage(m chat.Message) {
	sender := m.SenderID
	if sender == "" {
		sender = "unknown"
	}
	marker := " "
	if m.Optimistic {
		marker = "*"
	}
	fmt.Printf("%s %s[%-7s] %s: %s\n",
		m.CreatedAt.Local().Format("2006-01-02 15:04:05"), marker, m.Status, sender, m.Body)
}
