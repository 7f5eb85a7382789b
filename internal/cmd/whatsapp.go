package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/dryrun"
)

func newWhatsAppCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "whatsapp",
		Aliases: []string{"wa"},
		Short:   "Manage the WhatsApp gateway instance",
		Long:    "Talk to the Evolution gateway configured with EVOLUTION_URL or the active profile.",
	}
	cmd.AddCommand(newWhatsAppStatusCmd())
	cmd.AddCommand(newWhatsAppQRCmd())
	cmd.AddCommand(newWhatsAppLogoutCmd())
	cmd.AddCommand(newWhatsAppChatsCmd())
	cmd.AddCommand(newWhatsAppMessagesCmd())
	cmd.AddCommand(newWhatsAppSendCmd())
	cmd.AddCommand(newWhatsAppWebhookCmd())
	return cmd
}

func newWhatsAppStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the instance connection state",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			state, err := wa.InstanceStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{
				"state":     state,
				"connected": state.Connected(),
			}, func() {
				printf(cmd, "WhatsApp: %s (%s)\n", state.Label(), state)
			})
		}),
	}
}

func newWhatsAppQRCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Fetch the pairing QR code",
		Long:  "Prints the QR code as a data URL, or writes the decoded PNG with --out.",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			qr, err := wa.QRCode(cmd.Context())
			if err != nil {
				return err
			}
			if out != "" {
				png, err := decodeDataURL(qr)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, png, 0o600); err != nil {
					return fmt.Errorf("write QR code: %w", err)
				}
				return printResult(cmd, map[string]any{"path": out}, func() {
					printf(cmd, "QR code written to %s\n", out)
				})
			}
			return printResult(cmd, map[string]any{"qr": qr}, func() {
				printf(cmd, "%s\n", qr)
			})
		}),
	}
	cmd.Flags().StringVar(&out, "out", "", "Write the QR code image to this file")
	return cmd
}

func decodeDataURL(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode QR code: %w", err)
	}
	return b, nil
}

func newWhatsAppLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unpair the instance",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New("whatsapp", "log out", "the instance")); ok {
				return err
			}
			if err := wa.Logout(cmd.Context()); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"logged_out": true}, func() {
				printf(cmd, "WhatsApp instance logged out\n")
			})
		}),
	}
}

func newWhatsAppChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List gateway chats",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			chats, err := wa.Chats(cmd.Context())
			if err != nil {
				return err
			}
			crm.SortConversations(chats)
			if isJSON(cmd) {
				return formatter(cmd).Output(chats)
			}
			f := formatter(cmd)
			if len(chats) == 0 {
				f.Empty("No chats")
				return nil
			}
			f.StartTable("PHONE", "NAME", "UNREAD", "LAST MESSAGE", "LAST ACTIVITY")
			for _, c := range chats {
				last := "-"
				if c.LastMessage != nil {
					last = truncate(c.LastMessage.Content, 40)
				}
				f.Row(string(c.ID), orDash(c.Contact.Name), strconv.Itoa(c.UnreadCount), orDash(last), shortTime(c.LastActivityAt))
			}
			return f.EndTable()
		}),
	}
}

func newWhatsAppMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <phone>",
		Short: "Show a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			msgs, err := wa.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			crm.SortMessages(msgs)
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
}

func newWhatsAppSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "send <phone> <text>",
		Short:   "Send a text message through the gateway",
		Example: `  cwcrm whatsapp send +5511999998888 "Olá"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if ok, err := previewed(cmd, dryrun.New("whatsapp", "send a message to", args[0]).With("text", text)); ok {
				return err
			}
			msg, err := wa.SendText(cmd.Context(), args[0], text)
			if err != nil {
				return err
			}
			return printResult(cmd, msg, func() {
				printf(cmd, "Sent message %s to %s\n", msg.ID, msg.ConversationID)
			})
		}),
	}
}

func newWhatsAppWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "webhook <url>",
		Short:   "Point the instance webhook at a URL",
		Example: "  cwcrm whatsapp webhook https://crm.example.com/webhook/evolution",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return &api.ValidationError{Field: "webhook_url", Message: "url is required"}
			}
			wa, err := getWhatsApp()
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New("whatsapp", "point the webhook at", args[0])); ok {
				return err
			}
			if err := wa.ConfigureWebhook(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"webhook_url": args[0]}, func() {
				printf(cmd, "Webhook set to %s\n", args[0])
			})
		}),
	}
}
