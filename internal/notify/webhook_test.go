package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
)

func notifyConfig(url string) config.NotifyConfig {
	return config.NotifyConfig{
		Enabled:        true,
		WebhookURL:     url,
		TimeoutSeconds: 5,
	}
}

func TestWebhookNotifier_DeliversEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(notifyConfig(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), Event{
		Kind:       "rollup_fatal_config",
		TenantID:   "tenant-1",
		AssetID:    "asset-1",
		MetricName: "temperature",
		ConfigID:   "cfg-1",
		Reason:     "unknown aggregation method: median",
	})
	require.NoError(t, err)

	assert.Equal(t, "rollup_fatal_config", got.Kind)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "unknown aggregation method: median", got.Reason)
	assert.WithinDuration(t, time.Now().UTC(), got.OccurredAt, time.Minute)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(notifyConfig(srv.URL), zap.NewNop())
	err := n.Notify(context.Background(), Event{Kind: "rollup_fatal_config", Reason: "x"})
	assert.Error(t, err)
}

func TestNewNotifier_DisabledReturnsNop(t *testing.T) {
	n := NewNotifier(config.NotifyConfig{Enabled: false}, zap.NewNop())
	_, ok := n.(*NopNotifier)
	assert.True(t, ok)
	assert.NoError(t, n.Notify(context.Background(), Event{}))
}
