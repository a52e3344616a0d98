package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	n.Notify(context.Background(), Notice{Level: LevelError, Message: "Upload failed"})
	n.Notify(context.Background(), Notice{Level: LevelSuccess, Message: "Calls triggered"})

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="Upload failed"`)
	assert.Contains(t, out, "notice_level=success")
}

func TestWriterNotifierPrintsOneLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewWriterNotifier(&buf)

	n.Notify(context.Background(), Notice{Level: LevelSuccess, Message: "Welcome, alice"})

	assert.Equal(t, "[success] Welcome, alice\n", buf.String())
}

func TestSlackEscalatorPostsMessage(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat.postMessage"))
		require.NoError(t, r.ParseForm())
		body = r.Form.Get("text")
		assert.Equal(t, "C123", r.Form.Get("channel"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	api := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	escalator := NewSlackEscalator(api, "C123", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := escalator.Escalate(context.Background(), Escalation{
		BorrowerID:   "7",
		BorrowerName: "Ravi",
		Category:     domain.CategoryToday,
		Summary:      "Disputes the amount",
		Email:        &domain.EmailPreview{To: "manager@example.com", Subject: "Borrower 7", Body: "Please call."},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "borrower *7* (Ravi)")
	assert.Contains(t, body, "Due today")
	assert.Contains(t, body, "manager@example.com")
}

func TestSlackEscalatorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	api := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	escalator := NewSlackEscalator(api, "C404", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := escalator.Escalate(context.Background(), Escalation{BorrowerID: "7"})
	assert.ErrorContains(t, err, "channel_not_found")
}
