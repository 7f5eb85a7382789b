package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/cli"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/dryrun"
	"github.com/chatwoot/crm-sync/internal/iocontext"
	"github.com/chatwoot/crm-sync/internal/outfmt"
)

// errAlreadyHandled marks errors RunE has already printed.
var errAlreadyHandled = errors.New("error already handled")

type handledError struct {
	err error
}

func (e *handledError) Error() string { return e.err.Error() }

func (e *handledError) Unwrap() []error { return []error{e.err, errAlreadyHandled} }

// RunE wraps a command function with enhanced error handling
func RunE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		errOut := iocontext.GetIO(cmd.Context()).ErrOut
		if isJSON(cmd) {
			_ = outfmt.WriteJSON(errOut, map[string]any{"error": map[string]any{
				"kind":    string(api.Kind(err)),
				"message": err.Error(),
			}})
		} else {
			_, _ = fmt.Fprint(errOut, HandleError(err))
		}
		return &handledError{err: err}
	}
}

// vendorName is the backend mutations go to.
func vendorName() string {
	if flags.WhatsApp {
		return "whatsapp"
	}
	return "chatwoot"
}

// previewed prints p and reports true when --dry-run is set; the caller
// then returns without mutating.
func previewed(cmd *cobra.Command, p *dryrun.Preview) (bool, error) {
	if !dryrun.IsEnabled(cmd.Context()) {
		return false, nil
	}
	if isJSON(cmd) {
		return true, formatter(cmd).Output(p)
	}
	p.Write(iocontext.GetIO(cmd.Context()).Out)
	return true, nil
}

func isJSON(cmd *cobra.Command) bool {
	return outfmt.IsJSON(cmd.Context())
}

func formatter(cmd *cobra.Command) *outfmt.Formatter {
	streams := iocontext.GetIO(cmd.Context())
	return outfmt.NewFormatter(cmd.Context(), streams.Out, streams.ErrOut)
}

// printf writes to stdout unless --quiet.
func printf(cmd *cobra.Command, format string, args ...any) {
	if flags.Quiet {
		return
	}
	_, _ = fmt.Fprintf(iocontext.GetIO(cmd.Context()).Out, format, args...)
}

// printResult writes v as JSON, or calls text otherwise.
func printResult(cmd *cobra.Command, v any, text func()) error {
	if isJSON(cmd) {
		return formatter(cmd).Output(v)
	}
	text()
	return nil
}

func parseStatus(s string) (crm.Status, error) {
	status, ok := crm.ParseStatus(s)
	if !ok {
		return "", &api.ValidationError{Field: "status", Message: fmt.Sprintf("%q must be one of open, pending, resolved", s)}
	}
	return status, nil
}

// parseSince reads a --since value; empty means no bound.
func parseSince(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := cli.ParseSince(s, time.Now())
	if err != nil {
		return time.Time{}, &api.ValidationError{Field: "since", Message: err.Error()}
	}
	return t, nil
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// newClientID tags an outgoing message so its echo can be matched.
func newClientID() string { return uuid.NewString() }
