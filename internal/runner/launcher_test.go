package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
)

func TestConfigurePreservesStringEncodedArgument(t *testing.T) {
	t.Parallel()

	var saved map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/fetch", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "agent-1", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"id":"agent-1","argument":"{\"numberOfProfiles\":10,\"spreadsheetUrl\":\"old\"}"}`))
	})
	mux.HandleFunc("/agents/save", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &saved))
		_, _ = w.Write([]byte(`{"id":"agent-1"}`))
	})
	client, _ := newTestClient(t, mux, nil)
	launcher := NewLauncher(client, map[string]Agent{"profile_extraction": {ID: "agent-1"}}, "https://orchestrator/webhooks/runner", nil)

	err := launcher.Configure(context.Background(), orchestrator.QueueEntry{
		JobID:    "job-1",
		TargetID: "company-1",
		JobType:  "profile_extraction",
		Options: map[string]any{
			"target_url": "https://linkedin.example/company/acme",
			"arguments":  map[string]any{"numberOfProfiles": float64(25)},
		},
	})
	require.NoError(t, err)

	require.Equal(t, "agent-1", saved["id"])
	require.Equal(t, "https://orchestrator/webhooks/runner", saved["webhook"])
	encoded, ok := saved["argument"].(string)
	require.True(t, ok, "argument should stay string-encoded")
	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded), &args))
	require.Equal(t, "https://linkedin.example/company/acme", args["spreadsheetUrl"])
	require.EqualValues(t, 25, args["numberOfProfiles"])
}

func TestConfigureObjectArgumentCustomKey(t *testing.T) {
	t.Parallel()

	var saved map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/fetch", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"agent-2","argument":{"keep":true}}`))
	})
	mux.HandleFunc("/agents/save", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &saved))
	})
	client, _ := newTestClient(t, mux, nil)
	launcher := NewLauncher(client, map[string]Agent{"search": {ID: "agent-2", ArgumentKey: "queries"}}, "", nil)

	err := launcher.Configure(context.Background(), orchestrator.QueueEntry{
		JobType: "search",
		Options: map[string]any{"target_url": "https://example.com"},
	})
	require.NoError(t, err)
	args, ok := saved["argument"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, args["keep"])
	require.Equal(t, "https://example.com", args["queries"])
	_, hasWebhook := saved["webhook"]
	require.False(t, hasWebhook)
}

func TestConfigureFailuresAreConfigurationErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/agents/fetch", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, _ := newTestClient(t, mux, nil)
	launcher := NewLauncher(client, map[string]Agent{"profile_extraction": {ID: "agent-1"}}, "", nil)

	var cfgErr *orchestrator.ConfigurationError
	err := launcher.Configure(context.Background(), orchestrator.QueueEntry{
		JobType: "profile_extraction",
		Options: map[string]any{"target_url": "https://example.com"},
	})
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, err.Error(), "fetch configuration failed")

	err = launcher.Configure(context.Background(), orchestrator.QueueEntry{JobType: "profile_extraction"})
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "options.target_url", cfgErr.Field)

	target := map[string]any{"target_url": "https://example.com"}
	require.ErrorAs(t, launcher.Validate("unknown", target), &cfgErr)
	require.NoError(t, launcher.Validate("profile_extraction", target))

	err = launcher.Validate("profile_extraction", nil)
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "options.target_url", cfgErr.Field)
	require.ErrorAs(t, launcher.Validate("profile_extraction", map[string]any{"target_url": "  "}), &cfgErr)
}

func TestLauncherLaunch(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"containerId":"c-9"}`))
	}), nil)
	launcher := NewLauncher(client, map[string]Agent{"profile_extraction": {ID: "agent-1"}}, "", nil)

	handle, err := launcher.Launch(context.Background(), orchestrator.QueueEntry{JobType: "profile_extraction"})
	require.NoError(t, err)
	require.Equal(t, "c-9", handle)
}
