package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/require"
)

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("not a url")
	require.Error(t, err)
}

func TestDetectObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req api.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "qwen2.5vl", req.Model)
		require.Len(t, req.Messages, 1)
		require.Len(t, req.Messages[0].Images, 1)

		resp := api.ChatResponse{
			Model: req.Model,
			Message: api.Message{
				Role:    "assistant",
				Content: `{"objects":[{"label":"colony","confidence":0.9,"box":{"x":0.1,"y":0.1,"w":0.2,"h":0.2}}]}`,
			},
			Done: true,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	require.NoError(t, err)

	got, err := c.DetectObjects(context.Background(), "qwen2.5vl", "count", base64.StdEncoding.EncodeToString([]byte("img")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "colony", got[0].Label)
}

func TestDetectObjects_BadBase64(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.DetectObjects(context.Background(), "m", "p", "%%%")
	require.Error(t, err)
}
