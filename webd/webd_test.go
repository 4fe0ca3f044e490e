package webd

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexwell/ircd/irc"
	"github.com/hexwell/ircd/irc/config"
	"github.com/hexwell/ircd/logging"
)

func newPortal(t *testing.T) *Portal {
	t.Helper()
	cfg := config.Defaults()
	server, err := irc.NewServer(cfg, logging.Nop{})
	require.NoError(t, err)
	t.Cleanup(server.Stop)
	return New(server)
}

func TestStatsEndpoint(t *testing.T) {
	portal := newPortal(t)

	rec := httptest.NewRecorder()
	portal.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	require.Equal(t, 200, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "irc.hexwell.local", got["server_name"])
	assert.EqualValues(t, 0, got["users"])
}

func TestExtensionsEndpoint(t *testing.T) {
	portal := newPortal(t)

	rec := httptest.NewRecorder()
	portal.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/extensions", nil))
	require.Equal(t, 200, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	found := false
	for _, item := range got {
		if item["key"] == "away-message" {
			found = true
			assert.Equal(t, "core", item["owner"])
			assert.Equal(t, "user", item["type"])
			assert.Equal(t, true, item["synced"])
		}
	}
	assert.True(t, found, "core away-message extension listed")
}

func TestMetricsEndpoint(t *testing.T) {
	portal := newPortal(t)

	rec := httptest.NewRecorder()
	portal.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ircd_dns_total")
}
