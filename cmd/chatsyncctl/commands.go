package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/spf13/cobra"
)

var (
	replyToFlag  string
	attachFlag   []string
	externalFlag []string
	richFlag     string
	reasonFlag   string
	nsFlag       string
)

func init() {
	sendCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().StringArrayVarP(&attachFlag, "attach", "a", nil, "file to attach (repeatable)")
	sendCmd.Flags().StringArrayVar(&externalFlag, "external", nil, "url of media hosted elsewhere (repeatable)")
	sendCmd.Flags().StringVar(&richFlag, "rich", "", "url of a rich media item such as a gif")
	knockCmd.Flags().StringVar(&reasonFlag, "reason", "", "message shown with the knock")
	watchCmd.Flags().StringVar(&nsFlag, "namespace", "", "event kind prefix, e.g. message. or conversation.")

	rootCmd.AddCommand(openCmd, pageCmd, retryCmd, sendCmd, resendCmd, reactCmd, indexCmd, joinCmd, knockCmd, closeCmd, watchCmd)
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a conversation and show its mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(_ context.Context, _ *api.Client, a activation) error {
			if jsonFlag {
				outputJSON(map[string]string{"mode": a.Mode, "conversation_id": a.Target.ConversationID})
				return nil
			}
			fmt.Printf("Mode:         %s\n", a.Mode)
			fmt.Printf("Conversation: %s\n", valueOr(a.Target.ConversationID, "(none yet)"))
			return nil
		})
	},
}

var pageCmd = &cobra.Command{
	Use:   "page [key]",
	Short: "Print a timeline page, 0 being the newest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := 0
		if len(args) == 1 {
			k, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid page key %q", args[0])
			}
			key = k
		}
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			page, err := c.LoadPage(ctx, a.Target, key)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(page)
				return nil
			}
			printPage(page)
			return nil
		})
	},
}

func printPage(p *api.Page) {
	for _, m := range p.Messages {
		ts := time.UnixMilli(m.SentAt).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-20s %s", ts, m.SenderID, m.Body)
		if m.State != "" && m.State != "received" && m.State != "sent" {
			fmt.Printf("  [%s]", m.State)
		}
		fmt.Println()
		for _, md := range m.Media {
			fmt.Printf("    📎 %s (%s, %s)\n", md.Name, md.Mimetype, humanize.Bytes(uint64(md.Size)))
		}
		if len(m.Reactions) > 0 {
			parts := make([]string, 0, len(m.Reactions))
			for _, r := range m.Reactions {
				parts = append(parts, fmt.Sprintf("%s %d", r.Content, r.Count))
			}
			fmt.Printf("    %s\n", strings.Join(parts, "  "))
		}
	}
	next := "end"
	if p.NextKey != nil {
		next = strconv.Itoa(*p.NextKey)
	}
	fmt.Printf("-- page %d, %d before, next %s\n", p.Key, p.ItemsBefore, next)
	if p.RefreshKey != nil && *p.RefreshKey != p.Key {
		fmt.Printf("-- timeline reloaded, your position is on page %d\n", *p.RefreshKey)
	}
	if p.RemoteError != "" {
		fmt.Printf("-- showing cached data: %s\n", p.RemoteError)
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := ""
		if len(args) == 1 {
			body = args[0]
		}
		atts, err := readAttachments(attachFlag)
		if err != nil {
			return err
		}
		req := api.SendRequest{Body: body, ReplyTo: replyToFlag, Attachments: atts}
		for _, u := range externalFlag {
			req.External = append(req.External, mediaRef(u))
		}
		if richFlag != "" {
			req.RichMedia = []remote.MediaRef{mediaRef(richFlag)}
		}
		if body == "" && len(atts) == 0 && len(req.External) == 0 && len(req.RichMedia) == 0 {
			return errors.New("nothing to send")
		}
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			tempID, err := c.Send(ctx, a.Target, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]string{"temporary_id": tempID})
				return nil
			}
			fmt.Printf("Queued %s\n", tempID)
			return nil
		})
	},
}

// mediaRef describes a hosted file by its url; name and type come from the
// last path element.
func mediaRef(u string) remote.MediaRef {
	name := path.Base(u)
	return remote.MediaRef{URL: u, Name: name, Mimetype: mime.TypeByExtension(path.Ext(name))}
}

func readAttachments(paths []string) ([]outbox.Attachment, error) {
	var atts []outbox.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = "application/octet-stream"
		}
		atts = append(atts, outbox.Attachment{
			Name:      filepath.Base(p),
			Mimetype:  mt,
			Data:      data,
			LocalPath: p,
		})
	}
	return atts, nil
}

var retryCmd = &cobra.Command{
	Use:       "retry [refresh|prepend|append]",
	Short:     "Retry a failed timeline load",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"refresh", "prepend", "append"},
	RunE: func(cmd *cobra.Command, args []string) error {
		loadType := "append"
		if len(args) == 1 {
			loadType = args[0]
		}
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			if err := c.Retry(ctx, a.Target, loadType); err != nil {
				return err
			}
			if !jsonFlag {
				fmt.Printf("Retried %s\n", loadType)
			}
			return nil
		})
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <temporary-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			return c.Resend(ctx, a.Target, args[0])
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			added, err := c.React(ctx, a.Target, args[0], args[1])
			if err != nil {
				return err
			}
			if added {
				fmt.Printf("Added %s\n", args[1])
			} else {
				fmt.Printf("Removed %s\n", args[1])
			}
			return nil
		})
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <message-id>",
	Short: "Show the timeline position of a cached message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			idx, err := c.IndexOf(ctx, a.Target, args[0])
			if err != nil {
				return err
			}
			fmt.Println(idx)
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a previewed conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			mode, err := c.Join(ctx, a.Target)
			if err != nil {
				return err
			}
			fmt.Printf("Mode: %s\n", mode)
			return nil
		})
	},
}

var knockCmd = &cobra.Command{
	Use:   "knock",
	Short: "Ask to be let into a conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			state, err := c.Knock(ctx, a.Target, reasonFlag)
			if err != nil {
				return err
			}
			fmt.Printf("Knock %s\n", state)
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the conversation in the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			closed, err := c.Leave(ctx, a.Target)
			if err != nil {
				return err
			}
			if !closed {
				fmt.Println("Not open.")
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !api.ValidNamespace(nsFlag) {
			return fmt.Errorf("namespace %q matches no event kind", nsFlag)
		}
		// Watching runs until interrupted, so no command timeout applies.
		timeoutFlag = 0
		return run(cmd, func(ctx context.Context, c *api.Client, a activation) error {
			err := c.Watch(ctx, nsFlag, a.Target.ConversationID, func(e api.Event) error {
				if jsonFlag {
					outputJSON(e)
					return nil
				}
				fmt.Printf("%s  %-28s %v\n", e.Timestamp.Format(time.TimeOnly), e.Kind, e.Payload)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
