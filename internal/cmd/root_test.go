package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/config"
)

func TestUnknownCommandSuggestion(t *testing.T) {
	clearCRMEnv(t)

	_, stderr, err := execute(t, "", "conversatons")
	require.Error(t, err)
	assert.Contains(t, stderr, `Did you mean "conversations"?`)
	assert.Equal(t, exitUsage, ExitCode(err))
}

func TestUnknownFlagSuggestion(t *testing.T) {
	clearCRMEnv(t)

	_, stderr, err := execute(t, "", "labels", "create", "x", "--colour", "#ffffff")
	require.Error(t, err)
	assert.Contains(t, stderr, "--color")
}

func TestJSONConflictsWithOutput(t *testing.T) {
	clearCRMEnv(t)

	_, _, err := execute(t, "", "version", "--json", "-o", "text")
	require.Error(t, err)
}

func TestVersionJSON(t *testing.T) {
	clearCRMEnv(t)

	out, _, err := execute(t, "", "version", "-j")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "dev"`)

	out, _, err = execute(t, "", "version", "--template", "v{{.version}}")
	require.NoError(t, err)
	assert.Equal(t, "vdev", strings.TrimSpace(out))
}

func TestEnvFileLoadsAccount(t *testing.T) {
	h := newRouteHandler().On("GET", "/api/v1/accounts/4/labels", jsonResponse(200, `{"payload":[]}`))
	srv := setupTestEnvWithHandler(t, h)
	t.Setenv(config.EnvBaseURL, "")
	t.Setenv(config.EnvAccountID, "")
	// godotenv does not override variables that are set, even when blank.
	require.NoError(t, os.Unsetenv(config.EnvBaseURL))
	require.NoError(t, os.Unsetenv(config.EnvAccountID))

	path := filepath.Join(t.TempDir(), "crm.env")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("CHATWOOT_BASE_URL=%s\nCHATWOOT_ACCOUNT_ID=4\n", srv.URL)), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv(config.EnvBaseURL)
		_ = os.Unsetenv(config.EnvAccountID)
	})

	_, stderr, err := execute(t, "", "--env-file", path, "labels", "list")
	require.NoError(t, err, stderr)
	assert.Equal(t, []string{"GET /api/v1/accounts/4/labels"}, h.requests())
}

func TestEnvFiles(t *testing.T) {
	got := envFiles([]string{"labels", "--env-file", "a.env", "--env-file=b.env", "--env-file"})
	assert.Equal(t, []string{"a.env", "b.env"}, got)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"help", pflag.ErrHelp, exitOK},
		{"not configured", config.ErrNotConfigured, exitAuth},
		{"validation", &api.ValidationError{Field: "x", Message: "bad"}, exitUsage},
		{"not found", &api.NotFoundError{Resource: "conversation", ID: "1"}, exitNotFound},
		{"unsupported", &api.NotSupportedError{Operation: "remove label"}, exitUnsupported},
		{"unauthorized", &api.VendorError{StatusCode: 401}, exitAuth},
		{"forbidden", &api.VendorError{StatusCode: 403}, exitForbidden},
		{"unprocessable", &api.VendorError{StatusCode: 422}, exitUsage},
		{"server", &api.VendorError{StatusCode: 502}, exitServer},
		{"proxy", &api.VendorError{StatusCode: 500, Proxy: true}, exitNetwork},
		{"handled", &handledError{err: &api.NotFoundError{}}, exitNotFound},
		{"usage text", errors.New(`unknown command "x" for "cwcrm"`), exitUsage},
		{"other", errors.New("boom"), exitGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestSuggestCommand(t *testing.T) {
	names := []string{"conversations", "contact", "labels", "watch"}
	assert.Equal(t, "labels", suggestCommand("lables", names))
	assert.Equal(t, "watch", suggestCommand("wach", names))
	assert.Equal(t, "", suggestCommand("zzzzzzzz", names))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}

func TestHandleErrorIncludesHints(t *testing.T) {
	msg := HandleError(&api.VendorError{StatusCode: 401, Body: "Invalid Access Token", RequestID: "req-1"})
	assert.Contains(t, msg, "Error:")
	assert.Contains(t, msg, "req-1")

	msg = HandleError(config.ErrNotConfigured)
	assert.Contains(t, msg, "auth login")
}
