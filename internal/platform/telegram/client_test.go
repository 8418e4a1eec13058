package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageReq
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL + "/")
	require.NoError(t, c.SendMessage(context.Background(), 42, "hello"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "hello", got.Text)
}

func TestSendMessage_Truncates(t *testing.T) {
	var got sendMessageReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("tok").WithBaseURL(srv.URL)
	require.NoError(t, c.SendMessage(context.Background(), 1, strings.Repeat("x", MaxMessageLen+10)))
	assert.Len(t, []rune(got.Text), MaxMessageLen)
}

func TestSendMessage_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/botbad/sendMessage" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewClient("bad").WithBaseURL(srv.URL).SendMessage(context.Background(), 1, "x")
	assert.ErrorContains(t, err, "401")

	err = NewClient("tok").WithBaseURL(srv.URL).SendMessage(context.Background(), 1, "x")
	assert.ErrorContains(t, err, "chat not found")

	err = NewClient("").SendMessage(context.Background(), 1, "x")
	assert.ErrorContains(t, err, "not configured")
}
