// Package main is the command-line client for a running wprelayd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/wprelay/internal/client"
	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/lock"
	"github.com/matheus3301/wprelay/internal/message"
)

type globals struct {
	addr    string
	jsonOut bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "wprelayctl",
		Short:         "Inspect and drive a running wprelayd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "daemon address (default: read from the data dir lock)")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "output in JSON format")
	root.AddCommand(statusCmd(g), chatsCmd(g), messagesCmd(g), readCmd(g), sendCmd(g), configCmd())
	return root
}

// daemonAddr prefers --addr, then the address recorded by the running
// daemon, then the configured listen address.
func (g *globals) daemonAddr() string {
	if g.addr != "" {
		return g.addr
	}
	if h, err := lock.Read(config.BaseDir()); err == nil && h.Addr != "" {
		return h.Addr
	}
	cfg, err := config.LoadOrDefault(config.ConfigPath())
	if err != nil {
		return config.Default().Server.Addr
	}
	return cfg.Server.Addr
}

func (g *globals) client() (*client.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	return client.New(g.daemonAddr()), ctx, cancel
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and store statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, ctx, cancel := g.client()
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return outputJSON(st)
			}
			fmt.Printf("State:    %s\n", st.State)
			if st.Reason != "" {
				fmt.Printf("Reason:   %s\n", st.Reason)
			}
			fmt.Printf("Since:    %s\n", st.Since.Local().Format(time.RFC3339))
			fmt.Printf("Store:    %s\n", st.Store)
			if st.Stats != nil {
				fmt.Printf("Chats:    %d\n", st.Stats.Conversations)
				fmt.Printf("Messages: %d\n", st.Stats.Messages)
			}
			fmt.Printf("Clients:  %d\n", st.RealtimeClients)
			return nil
		},
	}
}

func chatsCmd(g *globals) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List conversations, most recent first",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, ctx, cancel := g.client()
			defer cancel()
			convs, err := c.Chats(ctx, limit, offset)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return outputJSON(convs)
			}
			for _, conv := range convs {
				name := conv.Name
				if name == "" {
					name = conv.Address
				}
				fmt.Printf("%-16s %-24s %3d  %s\n", conv.Address, name, conv.UnreadCount, conv.LastMessage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conversations")
	cmd.Flags().IntVar(&offset, "offset", 0, "conversations to skip")
	return cmd
}

func messagesCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <address>",
		Short: "List the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := g.client()
			defer cancel()
			msgs, err := c.Messages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				arrow := "<"
				if m.Direction == message.Sent {
					arrow = ">"
				}
				fmt.Printf("%s %s [%s] %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), arrow, m.Status, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages")
	return cmd
}

func readCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <address>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := g.client()
			defer cancel()
			return c.MarkRead(ctx, args[0])
		},
	}
}

func sendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <address> <text>",
		Short: "Queue a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, ctx, cancel := g.client()
			defer cancel()
			resp, err := c.Send(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if g.jsonOut {
				return outputJSON(resp)
			}
			fmt.Printf("%s %s\n", resp.Status, resp.ClientMsgID)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.ConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}, &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.ConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})
	return cmd
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
