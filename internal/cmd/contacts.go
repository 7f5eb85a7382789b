package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/dryrun"
	"github.com/chatwoot/crm-sync/internal/urlparse"
)

// contactID accepts a contact id or a dashboard contact link.
func contactID(arg string) (crm.ID, error) {
	arg = strings.TrimSpace(arg)
	if urlparse.LooksLikeURL(arg) {
		id, err := urlparse.ID(arg, urlparse.Contact)
		if err != nil {
			return "", &api.ValidationError{Field: "contact", Message: err.Error()}
		}
		return id, nil
	}
	if arg == "" {
		return "", &api.ValidationError{Field: "contact", Message: "contact is required"}
	}
	return crm.ID(arg), nil
}

func newContactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contact",
		Aliases: []string{"contacts"},
		Short:   "Show and edit contacts",
	}
	cmd.AddCommand(newContactShowCmd())
	cmd.AddCommand(newContactUpdateCmd())
	return cmd
}

func newContactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contact-id>",
		Short: "Show a contact",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			id, err := contactID(args[0])
			if err != nil {
				return err
			}
			account, err := loadAccount()
			if err != nil {
				return err
			}
			client := newAPIClient(account)
			c, err := client.Contacts().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printResult(cmd, c, func() {
				printf(cmd, "Contact #%s\n", c.ID)
				printf(cmd, "  Name:  %s\n", orDash(c.Name))
				printf(cmd, "  Email: %s\n", orDash(c.Email))
				printf(cmd, "  Phone: %s\n", orDash(c.PhoneNumber))
				printf(cmd, "  Bot:   %s\n", c.BotState(client.BotAttribute))
			})
		}),
	}
}

func newContactUpdateCmd() *cobra.Command {
	var name, email, phone string
	cmd := &cobra.Command{
		Use:   "update <contact-id>",
		Short: "Update a contact's name, email or phone",
		Long:  "Only the flags given are sent. Pass an empty --email or --phone to clear the field.",
		Example: `  cwcrm contact update 42 --name "Ana Souza"
  cwcrm contact update 42 --email "" --phone +5511999998888`,
		Args: cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			var patch api.ContactPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("email") {
				e := strings.TrimSpace(email)
				patch.Email = &e
			}
			if cmd.Flags().Changed("phone") {
				p := strings.TrimSpace(phone)
				patch.PhoneNumber = &p
			}
			if patch.Empty() {
				return &api.ValidationError{Field: "contact", Message: "nothing to update; pass --name, --email or --phone"}
			}
			id, err := contactID(args[0])
			if err != nil {
				return err
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, patchPreview(id, patch)); ok {
				return err
			}
			c, err := v.UpdateContact(cmd.Context(), id, patch)
			if err != nil {
				return err
			}
			return printResult(cmd, c, func() {
				printf(cmd, "Updated contact %s (%s)\n", c.ID, orDash(c.Name))
			})
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "Contact name")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "Contact phone number (E.164)")
	return cmd
}

func newBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "bot <on|off> <contact-id>",
		Short:     "Switch automated replies for a contact",
		Example:   "  cwcrm bot off 42",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			var state crm.BotState
			switch strings.ToLower(args[0]) {
			case "on":
				state = crm.BotOn
			case "off":
				state = crm.BotOff
			default:
				return &api.ValidationError{Field: "state", Message: "must be on or off"}
			}
			id, err := contactID(args[1])
			if err != nil {
				return err
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "switch the bot for", "contact "+string(id)).
				With("bot", state)); ok {
				return err
			}
			c, err := v.SetBotState(cmd.Context(), id, state)
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"contact": c, "bot": state}, func() {
				printf(cmd, "Bot %s for contact %s\n", state, c.ID)
			})
		}),
	}
}

func patchPreview(id crm.ID, patch api.ContactPatch) *dryrun.Preview {
	p := dryrun.New(vendorName(), "update", "contact "+string(id))
	if patch.Name != nil {
		p.With("name", *patch.Name)
	}
	if patch.Email != nil {
		p.With("email", *patch.Email)
	}
	if patch.PhoneNumber != nil {
		p.With("phone_number", *patch.PhoneNumber)
	}
	return p
}
