package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration

	conversationFlag string
	userFlag         string
	joinRuleFlag     string
	fromCursorFlag   string
	prependFromFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "chatsyncctl",
	Short:         "Control a chatsync daemon",
	Long:          "chatsyncctl talks to the chatsync daemon of a session over its unix socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	pf.BoolVar(&jsonFlag, "json", false, "output in JSON format")
	pf.DurationVar(&timeoutFlag, "timeout", 10*time.Second, "per-command timeout")
	pf.StringVarP(&conversationFlag, "conversation", "c", "", "conversation id")
	pf.StringVarP(&userFlag, "user", "u", "", "user id of a direct conversation")
	pf.StringVar(&joinRuleFlag, "join-rule", "", "join rule hint: public, knock or restricted")
	pf.StringVar(&fromCursorFlag, "from-cursor", "", "remote cursor the first refresh loads from")
	pf.StringVar(&prependFromFlag, "prepend-from", "", "remote cursor newer events load from while nothing is cached")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func target() api.Target {
	return api.Target{
		ConversationID: conversationFlag,
		UserID:         userFlag,
		JoinRule:       joinRuleFlag,
		InitialCursor:  fromCursorFlag,
		PrependFrom:    prependFromFlag,
	}
}

// activation is the state of the target conversation after Activate.
type activation struct {
	Target api.Target
	Mode   string
}

// run dials the session daemon, activates the target conversation and
// calls fn with the resolved target.
func run(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client, a activation) error) error {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return err
	}
	c, err := api.Dial(session.For(name).Socket())
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeoutFlag)
		defer cancel()
	}

	t := target()
	mode, id, err := c.Activate(ctx, t)
	if err != nil {
		return err
	}
	if id != "" {
		t.ConversationID = id
	}
	return fn(ctx, c, activation{Target: t, Mode: mode})
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
