package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/dryrun"
	"github.com/chatwoot/crm-sync/internal/reconcile"
	"github.com/chatwoot/crm-sync/internal/resolve"
	"github.com/chatwoot/crm-sync/internal/urlparse"
)

// resolveConversation accepts a conversation id or a contact name/phone
// fragment.
func resolveConversation(ctx context.Context, v reconcile.Vendor, arg string) (crm.ID, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", &api.ValidationError{Field: "conversation", Message: "conversation is required"}
	}
	if _, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64); err == nil {
		return crm.ID(strings.TrimPrefix(arg, "#")), nil
	}
	if urlparse.LooksLikeURL(arg) {
		id, err := urlparse.ID(arg, urlparse.Conversation)
		if err != nil {
			return "", &api.ValidationError{Field: "conversation", Message: err.Error()}
		}
		return id, nil
	}
	convs, err := v.Conversations(ctx)
	if err != nil {
		return "", err
	}
	return resolve.Conversation(arg, convs)
}

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conversation", "conv", "c"},
		Short:   "List conversations",
	}
	cmd.AddCommand(newConversationsListCmd())
	cmd.AddCommand(newConversationsShowCmd())
	return cmd
}

func newConversationsListCmd() *cobra.Command {
	var (
		status string
		label  string
		inbox  string
		since  string
		unread bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent activity first",
		Example: `  cwcrm conversations list
  cwcrm conversations list --status pending --label vip
  cwcrm conversations list -w -o json -q '.items[].contact.phone_number'`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			filter := api.ListConversationsParams{InboxID: inbox}
			if status != "" && status != "all" {
				st, err := parseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = string(st)
			} else {
				filter.Status = status
			}
			if label != "" {
				filter.Labels = []string{label}
			}
			after, err := parseSince(since)
			if err != nil {
				return err
			}
			v, _, err := getVendor(filter)
			if err != nil {
				return err
			}
			convs, err := v.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			convs = filterConversations(convs, conversationFilter{
				status: filter.Status, label: label, unread: unread, since: after,
			})
			crm.SortConversations(convs)

			if isJSON(cmd) {
				return formatter(cmd).Output(convs)
			}
			f := formatter(cmd)
			if len(convs) == 0 {
				f.Empty("No conversations found")
				return nil
			}
			f.StartTable("ID", "CONTACT", "STATUS", "UNREAD", "LABELS", "LAST ACTIVITY")
			for _, c := range convs {
				f.Row(
					string(c.ID),
					truncate(orDash(contactLabel(c.Contact)), 28),
					string(c.Status),
					strconv.Itoa(c.UnreadCount),
					orDash(strings.Join(c.Labels, ",")),
					shortTime(c.LastActivityAt),
				)
			}
			return f.EndTable()
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: open|pending|resolved|all")
	cmd.Flags().StringVar(&label, "label", "", "Only conversations carrying this label")
	cmd.Flags().StringVar(&inbox, "inbox", "", "Filter by inbox ID")
	cmd.Flags().BoolVar(&unread, "unread", false, "Only conversations with unread messages")
	cmd.Flags().StringVar(&since, "since", "", "Only conversations active since (2h, 3d ago, yesterday, 2006-01-02)")
	return cmd
}

type conversationFilter struct {
	status string
	label  string
	unread bool
	since  time.Time
}

// filterConversations applies the filters the gateway cannot apply itself.
func filterConversations(convs []crm.Conversation, f conversationFilter) []crm.Conversation {
	out := convs[:0:0]
	for _, c := range convs {
		if f.status != "" && f.status != "all" && c.Status != "" && string(c.Status) != f.status {
			continue
		}
		if f.label != "" && !c.HasLabel(f.label) {
			continue
		}
		if f.unread && c.UnreadCount == 0 {
			continue
		}
		if !f.since.IsZero() && c.LastActivityAt.Before(f.since) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func contactLabel(c crm.ContactRef) string {
	switch {
	case c.Name != "" && c.PhoneNumber != "" && c.Name != c.PhoneNumber:
		return c.Name + " (" + c.PhoneNumber + ")"
	case c.Name != "":
		return c.Name
	default:
		return c.PhoneNumber
	}
}

func newConversationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Show one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), reconcile.Chatwoot{Client: client}, args[0])
			if err != nil {
				return err
			}
			c, err := client.Conversations().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printResult(cmd, c, func() {
				printf(cmd, "Conversation #%s\n", c.ID)
				printf(cmd, "  Contact:       %s\n", orDash(contactLabel(c.Contact)))
				printf(cmd, "  Status:        %s\n", c.Status)
				printf(cmd, "  Unread:        %d\n", c.UnreadCount)
				printf(cmd, "  Labels:        %s\n", orDash(strings.Join(c.Labels, ", ")))
				printf(cmd, "  Bot:           %s\n", crm.BotStateOf(c.BotPaused))
				printf(cmd, "  Last activity: %s\n", shortTime(c.LastActivityAt))
			})
		}),
	}
}

func newMessagesCmd() *cobra.Command {
	var (
		limit    int
		maxPages int
		since    string
	)
	cmd := &cobra.Command{
		Use:     "messages <conversation>",
		Aliases: []string{"msgs"},
		Short:   "Show a conversation's messages, oldest first",
		Example: `  cwcrm messages 123
  cwcrm messages "ana" --limit 50
  cwcrm -w messages 5511999998888`,
		Args: cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return &api.ValidationError{Field: "limit", Message: "must be >= 0"}
			}
			after, err := parseSince(since)
			if err != nil {
				return err
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), v, args[0])
			if err != nil {
				return err
			}
			var msgs []crm.Message
			if cw, ok := v.(reconcile.Chatwoot); ok && limit > 0 {
				msgs, err = cw.Client.Messages().ListWithLimit(cmd.Context(), id, limit, maxPages)
			} else {
				msgs, err = v.Messages(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			crm.SortMessages(msgs)
			if !after.IsZero() {
				kept := msgs[:0]
				for _, m := range msgs {
					if !m.CreatedAt.Before(after) {
						kept = append(kept, m)
					}
				}
				msgs = kept
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			if isJSON(cmd) {
				return formatter(cmd).Output(msgs)
			}
			if len(msgs) == 0 {
				formatter(cmd).Empty("No messages")
				return nil
			}
			for _, m := range msgs {
				printf(cmd, "%s\n", formatMessageLine(m))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the last N messages (0 = all)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 20, "Maximum pages to fetch when --limit is set")
	cmd.Flags().StringVar(&since, "since", "", "Only messages sent since (30m, 2h ago, today, 2006-01-02)")
	return cmd
}

func formatMessageLine(m crm.Message) string {
	who := m.SenderName
	if who == "" {
		who = string(m.Sender)
	}
	arrow := "<"
	if m.Direction == crm.Outgoing {
		arrow = ">"
	}
	line := fmt.Sprintf("[%s] %s %s: %s", shortTime(m.CreatedAt), arrow, orDash(who), m.Content)
	if m.Private {
		line += " (private)"
	}
	if m.Delivery != "" && m.Delivery != crm.DeliverySent && m.Direction == crm.Outgoing {
		line += " [" + string(m.Delivery) + "]"
	}
	return line
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <text>",
		Short: "Send a text message",
		Example: `  cwcrm send 123 "Olá, tudo bem?"
  cwcrm -w send 5511999998888 "hi"`,
		Args: cobra.MinimumNArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if strings.TrimSpace(text) == "" {
				return &api.ValidationError{Field: "content", Message: "message cannot be empty"}
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), v, args[0])
			if err != nil {
				return err
			}
			clientID := newClientID()
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "send a message to", "conversation "+string(id)).
				With("text", text).With("client_id", clientID)); ok {
				return err
			}
			msg, err := v.Send(cmd.Context(), id, text, clientID)
			if err != nil {
				return err
			}
			return printResult(cmd, msg, func() {
				printf(cmd, "Sent message %s to conversation %s\n", msg.ID, id)
			})
		}),
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status <conversation> <open|pending|resolved>",
		Short:     "Change a conversation's status",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"open", "pending", "resolved"},
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			status, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), v, args[0])
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "set status of", "conversation "+string(id)).
				With("status", status)); ok {
				return err
			}
			if err := v.SetStatus(cmd.Context(), id, status); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"id": id, "status": status}, func() {
				printf(cmd, "Conversation %s is now %s\n", id, status)
			})
		}),
	}
}
