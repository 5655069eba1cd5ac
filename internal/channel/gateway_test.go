package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var creds = Credentials{Source: "5215550001111", SourceName: "ClinicaSol", APIKey: "gk-1"}

func TestSendTextPostsForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/wa/api/v1/msg", r.URL.Path)
		assert.Equal(t, "gk-1", r.Header.Get("apikey"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp", r.PostForm.Get("channel"))
		assert.Equal(t, "5215550001111", r.PostForm.Get("source"))
		assert.Equal(t, "5215559998888", r.PostForm.Get("destination"))
		assert.Equal(t, "ClinicaSol", r.PostForm.Get("src.name"))
		var msg map[string]any
		assert.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("message")), &msg))
		assert.Equal(t, "text", msg["type"])
		assert.Equal(t, "hola", msg["text"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"submitted","messageId":"gs-1"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(testLogger(), srv.URL, time.Second)
	res, err := g.SendText(context.Background(), creds, "5215559998888", "hola")
	require.NoError(t, err)
	assert.Equal(t, "gs-1", res.MessageID)
}

func TestSendMediaChoosesMessageType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://cdn.example.com/a.JPG?sig=1": "image",
		"https://cdn.example.com/v.mp4":       "video",
		"https://cdn.example.com/n.ogg":       "audio",
		"https://cdn.example.com/menu.pdf":    "file",
	}
	for url, want := range cases {
		msg := MediaMessage(url, "menu")
		assert.Equal(t, want, msg["type"], url)
	}
	file := MediaMessage("https://cdn.example.com/menu.pdf?x=1", "")
	assert.Equal(t, "menu.pdf", file["filename"])
	assert.NotContains(t, file, "caption")
}

func TestSendNon2xxReturnsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error","message":"Invalid app"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewHTTPGateway(testLogger(), srv.URL, time.Second)
	_, err := g.SendMedia(context.Background(), creds, "521", "https://cdn.example.com/x.png", "")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestSendRequiresCredentials(t *testing.T) {
	t.Parallel()

	g := NewHTTPGateway(testLogger(), "http://127.0.0.1:1", time.Second)
	_, err := g.SendText(context.Background(), Credentials{Source: "x"}, "521", "hola")
	assert.Error(t, err)
	_, err = g.SendText(context.Background(), creds, " ", "hola")
	assert.Error(t, err)
}
