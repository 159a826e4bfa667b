package moderation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blockedWords":["spam"],"blacklist":[{"conversation_id":"a","TIME":"1d30m"}]}`))
	}))
	defer server.Close()

	roster, err := NewHTTPSource(server.URL, nil).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"spam"}, roster.BlockedWords)
	require.Len(t, roster.Blacklist, 1)
	require.Equal(t, "a", roster.Blacklist[0].UserID)
	require.Equal(t, "1d30m", roster.Blacklist[0].DurationSpec)
}

func TestHTTPSourceNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewHTTPSource(server.URL, nil).Fetch(context.Background())
	require.Error(t, err)
}

func TestHTTPSourceBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{`))
	}))
	defer server.Close()

	_, err := NewHTTPSource(server.URL, nil).Fetch(context.Background())
	require.Error(t, err)
}
