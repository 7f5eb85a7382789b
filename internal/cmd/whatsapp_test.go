package cmd

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/config"
)

func TestWhatsAppStatus(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/instance/status", jsonResponse(200, `{"status":"success","data":{"state":"open"}}`))
	setupWhatsAppEnv(t, h)

	out, _, err := execute(t, "", "whatsapp", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "WhatsApp: connected (open)")
}

func TestWhatsAppNotConfigured(t *testing.T) {
	clearCRMEnv(t)
	useMemoryKeyring(t)

	_, stderr, err := execute(t, "", "wa", "status")
	require.Error(t, err)
	assert.Equal(t, exitAuth, ExitCode(err))
	assert.Contains(t, stderr, "auth login")
}

func TestWhatsAppSendUsesGatewayWithoutChatwoot(t *testing.T) {
	var body map[string]string
	h := newRouteHandler().
		On("POST", "/send-message", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			jsonResponse(200, `{"status":"success","data":{"key":{"id":"3EB0ABC","fromMe":true}}}`)(w, r)
		})
	setupWhatsAppEnv(t, h)

	out, _, err := execute(t, "", "-w", "send", "5511999990001", "Olá", "mundo")
	require.NoError(t, err)
	assert.Equal(t, "Olá mundo", body["message"])
	assert.Equal(t, "5511999990001", body["phone_number"])
	assert.Contains(t, out, "Sent message 3EB0ABC")
}

func TestWhatsAppStatusChangeUnsupported(t *testing.T) {
	setupWhatsAppEnv(t, newRouteHandler())

	_, _, err := execute(t, "", "-w", "status", "5511999990001", "resolved")
	require.Error(t, err)
	assert.Equal(t, exitUnsupported, ExitCode(err))
}

func TestWhatsAppQRWritesImage(t *testing.T) {
	png := []byte("\x89PNG fake")
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	h := newRouteHandler().
		On("GET", "/instance/qr", jsonResponse(200, `{"status":"success","base64":"`+dataURL+`"}`))
	setupWhatsAppEnv(t, h)

	path := filepath.Join(t.TempDir(), "qr.png")
	_, _, err := execute(t, "", "whatsapp", "qr", "--out", path)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestWhatsAppFromProfile(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/instance/status", jsonResponse(200, `{"status":"success","data":{"state":"close"}}`))
	setupWhatsAppEnv(t, h)
	gw := os.Getenv(config.EnvEvolutionURL)
	t.Setenv(config.EnvEvolutionURL, "")
	require.NoError(t, config.SaveProfile("shop", config.Account{
		BaseURL:   "https://chat.example.com",
		AccountID: 3,
		WhatsApp:  &config.WhatsApp{URL: gw, APIKey: "gw-key"},
	}))

	out, _, err := execute(t, "", "whatsapp", "status", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"connected": false`)
}
