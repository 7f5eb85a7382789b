package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/debug"
	"github.com/chatwoot/crm-sync/internal/dryrun"
	"github.com/chatwoot/crm-sync/internal/iocontext"
	"github.com/chatwoot/crm-sync/internal/outfmt"
)

// rootFlags holds global CLI flags
type rootFlags struct {
	Output   string
	JSON     bool
	Query    string
	Template string
	Compact  bool
	Debug    bool
	Quiet    bool
	Timeout  time.Duration
	WhatsApp bool
	DryRun   bool
	EnvFile  []string
}

// flags is reset at the start of every Execute call; tests run many
// Executes in one process.
var flags rootFlags

func defaultOutput() string {
	if v := strings.TrimSpace(os.Getenv("CRM_OUTPUT")); v != "" {
		return v
	}
	return "text"
}

// envFiles picks --env-file values out of args before cobra parses them, so
// the .env contents are visible to flag defaults.
func envFiles(args []string) []string {
	var files []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--env-file" && i+1 < len(args):
			files = append(files, args[i+1])
			i++
		case strings.HasPrefix(a, "--env-file="):
			files = append(files, strings.TrimPrefix(a, "--env-file="))
		}
	}
	return files
}

// Execute runs the root command
func Execute(ctx context.Context, args []string) error {
	if err := config.LoadDotenv(envFiles(args)...); err != nil {
		return err
	}

	flags = rootFlags{
		Output:  defaultOutput(),
		Timeout: api.DefaultTimeout,
	}

	root := &cobra.Command{
		Use:                "cwcrm",
		Short:              "Chatwoot and WhatsApp CRM sync",
		Long:               "Reconcile Chatwoot and WhatsApp gateway conversations, sync webhooks and serve realtime rooms.",
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableSuggestions: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if flags.JSON {
				if cmd.Flags().Changed("output") && flags.Output != "json" {
					return fmt.Errorf("--json conflicts with --output %s", flags.Output)
				}
				flags.Output = "json"
			}
			if (flags.Query != "" || flags.Template != "") && flags.Output == "text" {
				if cmd.Flags().Changed("output") {
					return errors.New("--query and --template require --output json or jsonl")
				}
				flags.Output = "json"
			}
			mode, err := outfmt.Parse(flags.Output)
			if err != nil {
				return err
			}
			ctx = outfmt.WithMode(ctx, mode)
			ctx = outfmt.WithCompact(ctx, flags.Compact)
			if flags.Query != "" {
				ctx = outfmt.WithQuery(ctx, flags.Query)
			}
			if flags.Template != "" {
				tmpl, err := loadTemplate(flags.Template)
				if err != nil {
					return err
				}
				ctx = outfmt.WithTemplate(ctx, tmpl)
			}

			streams := iocontext.GetIO(ctx)
			if flags.Quiet {
				streams = &iocontext.IO{Out: streams.Out, ErrOut: io.Discard, In: streams.In}
			}
			ctx = iocontext.WithIO(ctx, streams)
			cmd.SetOut(streams.Out)
			cmd.SetErr(streams.ErrOut)

			debug.SetupLogger(flags.Debug, "text")
			ctx = debug.WithDebug(ctx, flags.Debug)
			ctx = dryrun.WithDryRun(ctx, flags.DryRun)

			if flags.Timeout < 0 {
				return errors.New("--timeout must be >= 0")
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	streams := iocontext.GetIO(ctx)
	root.SetContext(ctx)
	root.SetArgs(args)
	root.SetIn(streams.In)
	root.SetOut(streams.Out)
	root.SetErr(streams.ErrOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.Output, "output", "o", flags.Output, "Output format: text|json|jsonl (env CRM_OUTPUT)")
	pf.BoolVarP(&flags.JSON, "json", "j", false, "Shorthand for --output json")
	pf.StringVarP(&flags.Query, "query", "q", "", "jq expression to filter JSON output")
	pf.StringVar(&flags.Template, "template", "", "Go template (or @path) to render JSON output")
	pf.BoolVar(&flags.Compact, "compact-json", false, "Compact JSON output (no indentation)")
	pf.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "Q", false, "Suppress non-essential output")
	pf.DurationVar(&flags.Timeout, "timeout", flags.Timeout, "HTTP request timeout (e.g., 30s, 2m)")
	pf.BoolVarP(&flags.WhatsApp, "whatsapp", "w", false, "Use the WhatsApp gateway instead of Chatwoot")
	pf.BoolVar(&flags.DryRun, "dry-run", false, "Print what a mutating command would do without doing it")
	pf.StringArrayVar(&flags.EnvFile, "env-file", nil, "Load variables from a .env file (repeatable; default ./.env)")

	root.AddCommand(newAuthCmd())
	root.AddCommand(newConversationsCmd())
	root.AddCommand(newMessagesCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newContactCmd())
	root.AddCommand(newBotCmd())
	root.AddCommand(newLabelsCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newWhatsAppCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newVersionCmd())

	target, err := root.ExecuteC()
	if err != nil {
		if !errors.Is(err, errAlreadyHandled) {
			_, _ = fmt.Fprintln(root.ErrOrStderr(), enhanceUnknownError(err, root, target))
		}
		return err
	}
	return nil
}

// enhanceUnknownError adds "did you mean?" suggestions to unknown command
// and flag errors.
func enhanceUnknownError(err error, root, target *cobra.Command) string {
	msg := err.Error()

	if strings.Contains(msg, "unknown command") {
		if unknown := extractQuoted(msg); unknown != "" {
			var names []string
			for _, c := range root.Commands() {
				if c.IsAvailableCommand() {
					names = append(names, c.Name())
					names = append(names, c.Aliases...)
				}
			}
			if s := suggestCommand(unknown, names); s != "" {
				return fmt.Sprintf("%s\n\nDid you mean %q?", msg, s)
			}
		}
		return msg
	}

	if strings.Contains(msg, "unknown flag") || strings.Contains(msg, "unknown shorthand flag") {
		if target == nil {
			target = root
		}
		var known []string
		collect := func(fs *pflag.FlagSet) {
			fs.VisitAll(func(f *pflag.Flag) { known = append(known, "--"+f.Name) })
		}
		collect(target.Flags())
		collect(target.InheritedFlags())
		help := target.CommandPath() + " --help"
		if s := suggestFlag(extractFlag(msg), known); s != "" {
			return fmt.Sprintf("%s\n\nDid you mean %q?\nRun %q to see supported flags.", msg, s, help)
		}
		return fmt.Sprintf("%s\n\nRun %q to see supported flags.", msg, help)
	}
	return msg
}

// extractQuoted extracts the first double-quoted substring from s.
func extractQuoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// extractFlag extracts a "--name" token from an error message.
func extractFlag(s string) string {
	idx := strings.Index(s, "--")
	if idx < 0 {
		return ""
	}
	rest := s[idx:]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimRight(rest, ".,;:!?\"'")
}

func loadTemplate(value string) (string, error) {
	path, ok := strings.CutPrefix(value, "@")
	if !ok {
		return value, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file: %w", err)
	}
	return string(data), nil
}
