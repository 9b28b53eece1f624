package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name  string
	err   error
	sends []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.sends = append(r.sends, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersEvents(t *testing.T) {
	ctx := context.Background()
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"market.resolved", " market.voided "}, testLogger())

	require.NoError(t, n.Notify(ctx, "market.resolved", "Market resolved", "m1"))
	require.NoError(t, n.Notify(ctx, "market.voided", "Market voided", "m2"))
	require.NoError(t, n.Notify(ctx, "market.disputed", "Market disputed", "m3"))
	require.NoError(t, n.NotifyAll(ctx, "Worker started", ""))

	assert.Equal(t, []string{"Market resolved", "Market voided", "Worker started"}, s.sends)
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, testLogger()).Enabled())
}

func TestNotifier_OneFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), "market.resolved", "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.sends, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Market resolved", "m1 paid 1.5"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Market resolved*\nm1 paid 1.5", got["text"])
}

func TestDiscordSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}
