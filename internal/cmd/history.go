package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/webhook"
)

func newHistoryCmd() *cobra.Command {
	var (
		cfg      config.Server
		loadErr  error
		whatsApp bool
	)
	cfg, loadErr = config.LoadServer()

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show a conversation as stored by webhook sync",
		Long:  "Reads the store written by 'cwcrm serve' (same CRM_STORE settings). Gateway chats are keyed by phone number; pass --wa or a wa: prefix.",
		Example: `  cwcrm history 123
  cwcrm history --wa 5511999998888 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			// The proxy settings do not matter here.
			cfg.Upstream, cfg.Token = "", ""
			if err := cfg.Validate(); err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			if id == "" {
				return &api.ValidationError{Field: "conversation", Message: "conversation id is required"}
			}
			if (whatsApp || flags.WhatsApp) && !strings.HasPrefix(id, webhook.WhatsAppKeyPrefix) {
				id = webhook.WhatsAppKeyPrefix + id
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			conv, err := store.Conversation(cmd.Context(), crm.ID(id))
			if err != nil {
				return err
			}
			msgs, err := store.Messages(cmd.Context(), crm.ID(id))
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"conversation": conv, "messages": msgs}, func() {
				printf(cmd, "Conversation %s  %s [%s]\n", conv.ID, orDash(contactLabel(conv.Contact)), orDash(string(conv.Status)))
				if len(conv.Labels) > 0 {
					printf(cmd, "Labels: %s\n", strings.Join(conv.Labels, ", "))
				}
				if len(msgs) == 0 {
					printf(cmd, "No stored messages\n")
					return
				}
				for _, m := range msgs {
					printf(cmd, "%s\n", formatMessageLine(m))
				}
			})
		}),
	}
	f := cmd.Flags()
	f.BoolVar(&whatsApp, "wa", false, "Look up a gateway chat by phone number")
	f.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store backend: sqlite|postgres|redis (env CRM_STORE)")
	f.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "SQLite path or PostgreSQL DSN (env CRM_STORE_DSN)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL when --store redis (env CRM_REDIS_URL)")
	return cmd
}
