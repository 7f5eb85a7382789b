package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/iocontext"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
		Long:  "Credentials are stored per profile in the system keyring (or an encrypted file when no keyring is available).",
	}
	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	cmd.AddCommand(newAuthStatusCmd())
	cmd.AddCommand(newAuthProfilesCmd())
	cmd.AddCommand(newAuthUseCmd())
	return cmd
}

type loginOptions struct {
	profile    string
	tokenStdin bool
	noVerify   bool
	account    config.Account
	wa         config.WhatsApp
}

func newAuthLoginCmd() *cobra.Command {
	var opts loginOptions
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials for a profile",
		Example: `  cwcrm auth login --url https://app.chatwoot.com --account-id 1 --token-stdin < token.txt
  cwcrm auth login --profile shop --url http://localhost:8080/proxy --account-id 3 \
      --whatsapp-url http://localhost:8081 --whatsapp-key secret`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, opts)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&opts.profile, "profile", "", "Profile name (default: current profile)")
	f.StringVar(&opts.account.BaseURL, "url", "", "Chatwoot base URL or proxy URL")
	f.StringVar(&opts.account.APIToken, "token", "", "Chatwoot API access token")
	f.BoolVar(&opts.tokenStdin, "token-stdin", false, "Read the API token from stdin")
	f.IntVar(&opts.account.AccountID, "account-id", 0, "Chatwoot account ID")
	f.StringVar(&opts.account.RealtimeURL, "realtime-url", "", "Realtime endpoint (hub /ws or Chatwoot /cable)")
	f.StringVar(&opts.account.PubsubToken, "pubsub-token", "", "Chatwoot pubsub token for /cable")
	f.IntVar(&opts.account.UserID, "user-id", 0, "Chatwoot user ID for /cable")
	f.StringVar(&opts.account.BotAttribute, "bot-attribute", "", "Contact custom attribute holding the bot switch")
	f.StringVar(&opts.wa.URL, "whatsapp-url", "", "Evolution gateway URL")
	f.StringVar(&opts.wa.APIKey, "whatsapp-key", "", "Evolution gateway API key")
	f.StringVar(&opts.wa.Instance, "whatsapp-instance", "", "Evolution instance name")
	f.BoolVar(&opts.noVerify, "no-verify", false, "Skip the connectivity check")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("account-id")
	return cmd
}

func runLogin(cmd *cobra.Command, opts loginOptions) error {
	account := opts.account
	account.BaseURL = strings.TrimSuffix(strings.TrimSpace(account.BaseURL), "/")
	if opts.tokenStdin {
		token, err := readLine(cmd.Context())
		if err != nil {
			return err
		}
		account.APIToken = token
	}
	if opts.wa.URL != "" {
		wa := opts.wa
		wa.URL = strings.TrimSuffix(strings.TrimSpace(wa.URL), "/")
		account.WhatsApp = &wa
	}
	if err := account.Validate(); err != nil {
		return &api.ValidationError{Field: "account", Message: err.Error()}
	}

	if !opts.noVerify {
		if err := newAPIClient(account).Ping(cmd.Context()); err != nil {
			return fmt.Errorf("verify credentials: %w", err)
		}
	}

	profile := opts.profile
	if profile == "" {
		current, err := config.CurrentProfile()
		if err != nil {
			return err
		}
		profile = current
	}
	if err := config.SaveProfile(profile, account); err != nil {
		return err
	}
	return printResult(cmd, map[string]any{
		"profile":    profile,
		"base_url":   account.BaseURL,
		"account_id": account.AccountID,
		"whatsapp":   account.WhatsApp != nil,
	}, func() {
		printf(cmd, "Logged in to %s (account %d) as profile %q\n", account.BaseURL, account.AccountID, profile)
	})
}

func readLine(ctx context.Context) (string, error) {
	in := iocontext.GetIO(ctx).In
	line, err := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read token from stdin: %w", err)
		}
		return "", &api.ValidationError{Field: "token", Message: "empty token on stdin"}
	}
	return line, nil
}

func newAuthLogoutCmd() *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Delete a profile's stored credentials",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			if profile == "" {
				current, err := config.CurrentProfile()
				if err != nil {
					return err
				}
				profile = current
			}
			if err := config.DeleteProfile(profile); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"profile": profile, "deleted": true}, func() {
				printf(cmd, "Removed profile %q\n", profile)
			})
		}),
	}
	cmd.Flags().StringVar(&profile, "profile", "", "Profile name (default: current profile)")
	return cmd
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active account",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			account, err := config.LoadAccount()
			if err != nil {
				return err
			}
			profile, _ := config.CurrentProfile()
			status := map[string]any{
				"profile":      profile,
				"base_url":     account.BaseURL,
				"account_id":   account.AccountID,
				"token":        maskToken(account.APIToken),
				"realtime_url": account.RealtimeURL,
			}
			if account.WhatsApp != nil {
				status["whatsapp_url"] = account.WhatsApp.URL
			}
			return printResult(cmd, status, func() {
				printf(cmd, "Profile:    %s\n", orDash(profile))
				printf(cmd, "Base URL:   %s\n", account.BaseURL)
				printf(cmd, "Account ID: %d\n", account.AccountID)
				printf(cmd, "Token:      %s\n", orDash(maskToken(account.APIToken)))
				printf(cmd, "Realtime:   %s\n", orDash(account.RealtimeURL))
				if account.WhatsApp != nil {
					printf(cmd, "WhatsApp:   %s\n", account.WhatsApp.URL)
				}
			})
		}),
	}
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

func newAuthProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List stored profiles",
		Args:  cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			profiles, err := config.ListProfiles()
			if err != nil {
				return err
			}
			current, _ := config.CurrentProfile()
			if isJSON(cmd) {
				return formatter(cmd).Output(map[string]any{"current": current, "profiles": profiles})
			}
			if len(profiles) == 0 {
				formatter(cmd).Empty("No profiles; run 'cwcrm auth login'")
				return nil
			}
			for _, p := range profiles {
				marker := " "
				if p == current {
					marker = "*"
				}
				printf(cmd, "%s %s\n", marker, p)
			}
			return nil
		}),
	}
}

func newAuthUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <profile>",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadProfile(args[0]); err != nil {
				return err
			}
			if err := config.SetCurrentProfile(args[0]); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"current": args[0]}, func() {
				printf(cmd, "Now using profile %q\n", args[0])
			})
		}),
	}
}
