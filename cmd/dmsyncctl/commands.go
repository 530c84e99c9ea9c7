package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/client"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	rootCmd.AddCommand(
		statusCmd(), chatsCmd(), openCmd(), closeCmd(), rmChatCmd(),
		messagesCmd(), sendCmd(), retryCmd(), rmCmd(), typingCmd(),
		syncCmd(), drainCmd(), logsCmd(), watchCmd(),
	)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Session:   %s\n", resp.Session)
				fmt.Printf("Account:   %s\n", resp.Account)
				fmt.Printf("Channel:   %s (since %s)\n", resp.ChannelState, formatMs(resp.StateSinceMs))
				if resp.LastError != "" {
					fmt.Printf("Retrying:  attempt %d, last error: %s\n", resp.ReconnectAttempts, resp.LastError)
				}
				fmt.Printf("Uptime:    %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
				fmt.Printf("Chats:     %d\n", resp.ChatCount)
				fmt.Printf("Outbox:    %d\n", resp.OutboxLen)
				fmt.Printf("Connected: %s\n", formatMs(resp.LastConnectedAtMs))
				return nil
			})
			if status.Code(err) != codes.Unavailable {
				return err
			}
			name, nerr := sessionName()
			if nerr != nil {
				return nerr
			}
			if held, ok := lock.Holder(session.For(name).Lock()); ok {
				return fmt.Errorf("daemon holds the lock (PID %d since %s) but is not answering: %w", held.PID, held.Since.Format(time.RFC3339), err)
			}
			fmt.Printf("Session %s: daemon not running\n", name)
			return nil
		},
	}
}

func chatsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				chats, err := c.ListChats(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(chats)
					return nil
				}
				if len(chats) == 0 {
					fmt.Println("No chats.")
					return nil
				}
				for _, ch := range chats {
					flag := " "
					if ch.PeerTyping {
						flag = "…"
					}
					fmt.Printf("%-20s %3d %s %s\n", ch.PeerID, ch.UnreadCount, flag, ch.Preview)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum chats to list")
	return cmd
}

// chatRequest names a chat by peer id, or by conversation id when the
// --conversation flag is set.
func chatRequest(arg string, isConversation bool) api.ChatRequest {
	if isConversation {
		return api.ChatRequest{ConversationID: arg}
	}
	return api.ChatRequest{PeerID: arg}
}

func openCmd() *cobra.Command {
	var conv bool
	cmd := &cobra.Command{
		Use:   "open <peer>",
		Short: "Open a chat, mark it read and print its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.OpenChat(ctx, chatRequest(args[0], conv))
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Conversation %s\n", resp.ConversationID)
				printMessages(resp.Messages)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&conv, "conversation", false, "argument is a conversation id")
	return cmd
}

func closeCmd() *cobra.Command {
	var conv bool
	cmd := &cobra.Command{
		Use:   "close <peer>",
		Short: "Close an open chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.CloseChat(ctx, chatRequest(args[0], conv))
			})
		},
	}
	cmd.Flags().BoolVar(&conv, "conversation", false, "argument is a conversation id")
	return cmd
}

func rmChatCmd() *cobra.Command {
	var conv bool
	cmd := &cobra.Command{
		Use:   "rmchat <peer>",
		Short: "Delete a chat and its local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.DeleteChat(ctx, chatRequest(args[0], conv))
			})
		},
	}
	cmd.Flags().BoolVar(&conv, "conversation", false, "argument is a conversation id")
	return cmd
}

func messagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print a conversation's messages without marking them read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				msgs, err := c.ListMessages(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(msgs)
					return nil
				}
				printMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "newest messages to print (0 for all)")
	return cmd
}

func printMessages(msgs []api.Message) {
	for _, m := range msgs {
		body := m.Body
		if m.Undecryptable {
			body = "[undecryptable]"
		}
		line := fmt.Sprintf("%s %-10s %-9s %s", formatMs(m.CreatedAt), m.SenderID, m.Status, body)
		if m.ReplyTo != nil {
			line += fmt.Sprintf("  (reply to %s)", m.ReplyTo.ID)
		} else if m.ReplyToID != "" {
			line += "  (reply to deleted message)"
		}
		if n := len(m.Attachments); n > 0 {
			line += fmt.Sprintf("  [%d attachment(s)]", n)
		}
		fmt.Printf("%s  %s\n", line, m.ID)
	}
}

func sendCmd() *cobra.Command {
	var req api.SendRequest
	cmd := &cobra.Command{
		Use:   "send <peer> [text...]",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RecipientID = args[0]
			req.Body = strings.Join(args[1:], " ")
			return withClient(func(ctx context.Context, c *client.Client) error {
				msg, err := c.Send(ctx, req)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(msg)
					return nil
				}
				fmt.Printf("%s %s\n", msg.ID, msg.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&req.MediaPaths, "media", "m", nil, "file to attach (repeatable)")
	cmd.Flags().StringVar(&req.ReplyToID, "reply", "", "id of the message being replied to")
	cmd.Flags().StringVar(&req.LinkURL, "link", "", "link to attach as a preview")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <conversation-id> <message-id>",
		Short: "Resend a failed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.Retry(ctx, args[0], args[1])
			})
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <conversation-id> <message-id>",
		Short: "Delete a message locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.DeleteMessage(ctx, args[0], args[1])
			})
		},
	}
}

func typingCmd() *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "typing <conversation-id>",
		Short: "Report local typing activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				return c.Typing(ctx, args[0], stop)
			})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "report that typing stopped")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Show synchronizer status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.SyncStatus(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("Connected:  %v\n", resp.Connected)
				fmt.Printf("Outbox:     %d\n", resp.OutboxLen)
				fmt.Printf("Last seen:  %s\n", formatMs(resp.LastConnectedAtMs))
				fmt.Printf("Last drain: %s\n", formatMs(resp.LastDrainAtMs))
				fmt.Printf("Recovered:  %s\n", formatMs(resp.LastRecoveryAtMs))
				return nil
			})
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Flush queued sends now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				resp, err := c.DrainOutbox(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(resp)
					return nil
				}
				fmt.Printf("sent %d, rejected %d, remaining %d\n", resp.Sent, resp.Rejected, resp.Remaining)
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent daemon log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				out, err := c.TailLogs(ctx, lines)
				if err != nil {
					return err
				}
				for _, l := range out {
					fmt.Println(l)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [kind-prefix...]",
		Short: "Stream daemon events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := sessionName()
			if err != nil {
				return err
			}
			c, err := client.New(session.For(name).Socket())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = c.WatchEvents(ctx, args, func(evt *structpb.Struct) error {
				b, err := protojson.Marshal(evt)
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			})
			if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		},
	}
}
