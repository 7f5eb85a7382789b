package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/debug"
	"github.com/chatwoot/crm-sync/internal/iocontext"
	"github.com/chatwoot/crm-sync/internal/outfmt"
	"github.com/chatwoot/crm-sync/internal/realtime"
	"github.com/chatwoot/crm-sync/internal/reconcile"
)

type watchOptions struct {
	selectConv string
	rooms      []string
	refresh    time.Duration
	status     string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream reconciled conversation changes",
		Long: `Loads a REST snapshot, then keeps it current from realtime events.

The realtime endpoint comes from CRM_REALTIME_URL or the profile. With a
pubsub token it is treated as Chatwoot's /cable; otherwise as the hub's /ws.
Without any endpoint the snapshot is polled every --refresh.`,
		Example: `  cwcrm watch
  cwcrm watch --select 123 -o jsonl
  cwcrm -w watch --refresh 10s`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		}),
	}
	cmd.Flags().StringVar(&opts.selectConv, "select", "", "Conversation to open and follow")
	cmd.Flags().StringSliceVar(&opts.rooms, "rooms", nil, "Realtime rooms to join (default chat,whatsapp)")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", 0, "Reload the REST snapshot at this interval (default 30s without realtime)")
	cmd.Flags().StringVar(&opts.status, "status", "", "Filter by status: open|pending|resolved|all")
	return cmd
}

// transportFor picks the realtime transport for an account, or nil when
// none is configured.
func transportFor(account config.Account) realtime.Transport {
	switch {
	case account.RealtimeURL == "":
		return nil
	case account.PubsubToken != "":
		return realtime.CableTransport{
			URL:         account.RealtimeURL,
			PubsubToken: account.PubsubToken,
			AccountID:   account.AccountID,
			UserID:      account.UserID,
			Presence:    20 * time.Second,
		}
	default:
		return realtime.RoomTransport{URL: account.RealtimeURL}
	}
}

func runWatch(cmd *cobra.Command, opts watchOptions) error {
	if opts.refresh < 0 {
		return &api.ValidationError{Field: "refresh", Message: "must be >= 0"}
	}
	filter := api.ListConversationsParams{}
	if opts.status != "" && opts.status != "all" {
		st, err := parseStatus(opts.status)
		if err != nil {
			return err
		}
		filter.Status = string(st)
	}
	v, account, err := getVendor(filter)
	if err != nil {
		return err
	}

	botKey := crm.DefaultBotAttribute
	if account.BotAttribute != "" {
		botKey = account.BotAttribute
	}
	session := reconcile.NewSession(v,
		reconcile.WithSessionLogger(debug.Component("session")),
		reconcile.WithBotKey(botKey),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events <-chan realtime.Event
	if t := transportFor(account); t != nil {
		listener := realtime.NewListener(t, opts.rooms,
			realtime.WithLogger(debug.Component("realtime")),
			realtime.WithBotAttribute(botKey),
		)
		events = listener.Run(ctx)
	} else if opts.refresh == 0 {
		opts.refresh = 30 * time.Second
	}

	changes, unsubscribe := session.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx, events) })
	g.Go(func() error { return printChanges(gctx, cmd, session, changes) })
	g.Go(func() error {
		if err := session.Load(gctx); err != nil {
			return err
		}
		if opts.selectConv != "" {
			id, err := resolveConversation(gctx, v, opts.selectConv)
			if err != nil {
				return err
			}
			if err := session.Select(gctx, id); err != nil {
				return err
			}
		}
		return refreshLoop(gctx, session, opts.refresh)
	})

	err = g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

// refreshLoop reloads the snapshot until ctx is done. Failures keep the
// current projection and are retried on the next tick.
func refreshLoop(ctx context.Context, s *reconcile.Session, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	logger := debug.Component("watch")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Load(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("refresh failed", "error", err)
			}
			if err := s.RefreshMessages(ctx); err != nil && !errors.Is(err, reconcile.ErrNoSelection) && ctx.Err() == nil {
				logger.Warn("message refresh failed", "error", err)
			}
		}
	}
}

type changeRecord struct {
	reconcile.Change
	Conversation *crm.Conversation `json:"conversation,omitempty"`
	Message      *crm.Message      `json:"message,omitempty"`
	Link         string            `json:"link,omitempty"`
}

func printChanges(ctx context.Context, cmd *cobra.Command, s *reconcile.Session, changes <-chan reconcile.Change) error {
	out := iocontext.GetIO(cmd.Context()).Out
	for {
		var c reconcile.Change
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			c = ch
		}
		view, err := s.Snapshot(ctx)
		if err != nil {
			return nil
		}
		rec := describeChange(c, view)
		if isJSON(cmd) {
			if err := outfmt.WriteJSONFiltered(out, rec, outfmt.GetQuery(cmd.Context()), true); err != nil {
				return err
			}
			continue
		}
		if line := changeLine(rec); line != "" {
			printf(cmd, "%s\n", line)
		}
	}
}

func describeChange(c reconcile.Change, view reconcile.View) changeRecord {
	rec := changeRecord{Change: c}
	if c.ConversationID != "" {
		for i := range view.Conversations {
			if view.Conversations[i].ID == c.ConversationID {
				conv := view.Conversations[i]
				rec.Conversation = &conv
				break
			}
		}
	}
	if c.MessageID != "" && c.ConversationID == view.Active {
		for i := range view.Messages {
			if view.Messages[i].ID == c.MessageID {
				m := view.Messages[i]
				rec.Message = &m
				break
			}
		}
	}
	if c.Kind == reconcile.ChangeConnection {
		rec.Link = view.Link.String()
	}
	return rec
}

func changeLine(rec changeRecord) string {
	switch rec.Kind {
	case reconcile.ChangeConversations:
		return "conversations reloaded"
	case reconcile.ChangeConversation:
		if rec.Conversation == nil {
			return "conversation " + string(rec.ConversationID) + " updated"
		}
		c := rec.Conversation
		return "conversation " + string(c.ID) + " " + orDash(contactLabel(c.Contact)) + " [" + string(c.Status) + "]"
	case reconcile.ChangeMessages:
		if rec.Message != nil {
			return formatMessageLine(*rec.Message)
		}
		return "new activity in conversation " + string(rec.ConversationID)
	case reconcile.ChangeSelection:
		return "opened conversation " + string(rec.ConversationID)
	case reconcile.ChangeLabels:
		return "labels updated"
	case reconcile.ChangeConnection:
		return "realtime " + rec.Link
	}
	return ""
}
