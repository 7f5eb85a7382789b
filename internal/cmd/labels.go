package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/dryrun"
	"github.com/chatwoot/crm-sync/internal/resolve"
)

func newLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "labels",
		Aliases: []string{"label"},
		Short:   "Manage account and conversation labels",
	}
	cmd.AddCommand(newLabelsListCmd())
	cmd.AddCommand(newLabelsCreateCmd())
	cmd.AddCommand(newLabelsAddCmd())
	cmd.AddCommand(newLabelsRemoveCmd())
	return cmd
}

func newLabelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List account labels",
		Args:    cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			labels, err := v.Labels(cmd.Context())
			if err != nil {
				return err
			}
			if isJSON(cmd) {
				return formatter(cmd).Output(labels)
			}
			f := formatter(cmd)
			if len(labels) == 0 {
				f.Empty("No labels")
				return nil
			}
			f.StartTable("TITLE", "COLOR", "DESCRIPTION")
			for _, l := range labels {
				f.Row(l.Title, l.Color, truncate(orDash(l.Description), 40))
			}
			return f.EndTable()
		}),
	}
}

func newLabelsCreateCmd() *cobra.Command {
	var color string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an account label",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(args[0])
			if title == "" {
				return &api.ValidationError{Field: "title", Message: "title cannot be empty"}
			}
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "create", "label "+title).With("color", color)); ok {
				return err
			}
			l, err := v.CreateLabel(cmd.Context(), title, color)
			if err != nil {
				return err
			}
			return printResult(cmd, l, func() {
				printf(cmd, "Created label %s (%s)\n", l.Title, l.Color)
			})
		}),
	}
	cmd.Flags().StringVar(&color, "color", crm.DefaultLabelColor, "Label color (#RRGGBB)")
	return cmd
}

func newLabelsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <conversation> <label>",
		Short: "Apply a label to a conversation",
		Long:  "The label may be a fragment of an existing account label's title.",
		Args:  cobra.ExactArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), v, args[0])
			if err != nil {
				return err
			}
			all, err := v.Labels(cmd.Context())
			if err != nil {
				return err
			}
			title, err := resolve.Label(args[1], all)
			if err != nil {
				return err
			}
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "label", "conversation "+string(id)).With("add", title)); ok {
				return err
			}
			labels, err := v.AddLabel(cmd.Context(), id, title)
			if err != nil {
				return err
			}
			return printLabels(cmd, id, labels)
		}),
	}
}

func newLabelsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <conversation> <label>",
		Aliases: []string{"rm"},
		Short:   "Take a label off a conversation",
		Args:    cobra.ExactArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			v, _, err := getVendor(api.ListConversationsParams{})
			if err != nil {
				return err
			}
			id, err := resolveConversation(cmd.Context(), v, args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(args[1])
			if ok, err := previewed(cmd, dryrun.New(vendorName(), "unlabel", "conversation "+string(id)).With("remove", title)); ok {
				return err
			}
			labels, err := v.RemoveLabel(cmd.Context(), id, title)
			if err != nil {
				return err
			}
			return printLabels(cmd, id, labels)
		}),
	}
}

func printLabels(cmd *cobra.Command, id crm.ID, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	return printResult(cmd, map[string]any{"id": id, "labels": labels}, func() {
		printf(cmd, "Conversation %s labels: %s\n", id, orDash(strings.Join(labels, ", ")))
	})
}
