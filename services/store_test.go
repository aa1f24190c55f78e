package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "alice", r.URL.Query().Get("user"))
		require.Equal(t, "bob", r.URL.Query().Get("peer"))
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"m-1","senderId":"alice","recipientId":"bob","type":"text","payload":"hi","createdAt":"2026-08-01T10:00:00Z"},
			{"id":"m-2","senderId":"bob","recipientId":"alice","type":"image","payload":"https://cdn.example.com/m/x.jpg","createdAt":"2026-08-01T10:01:00Z"}
		]`))
	}))
	defer srv.Close()

	store := NewHTTPMessageStore(srv.URL, staticToken("tok-1"))
	messages, err := store.Fetch(context.Background(), "alice", "bob")
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, "m-1", messages[0].ID)
	assert.Equal(t, "text", messages[0].Kind)
	assert.Equal(t, "hi", messages[0].Payload)
	assert.Equal(t, "bob", messages[1].SenderID)
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewHTTPMessageStore(srv.URL, nil)
	_, err := store.Fetch(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestDeleteMessage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewHTTPMessageStore(srv.URL, nil)
	require.NoError(t, store.Delete(context.Background(), "m-42"))
	assert.Equal(t, "/messages/m-42", gotPath)
}

func TestDeleteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewHTTPMessageStore(srv.URL, nil)
	assert.ErrorIs(t, store.Delete(context.Background(), "m-42"), ErrRequestFailed)
}

func TestFetchExpiredTokenRefusedLocally(t *testing.T) {
	store := NewHTTPMessageStore("http://unused.invalid", expiredToken{})
	_, err := store.Fetch(context.Background(), "alice", "bob")
	assert.ErrorIs(t, err, ErrTokenExpired)
}
