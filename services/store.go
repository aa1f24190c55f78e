package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// StoredMessage is one persisted message as the history service returns
// it. Payload is the text content or media URL depending on Kind.
type StoredMessage struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Kind        string    `json:"type"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageStore reads and deletes persisted conversation history. The
// persistence schema is the server's concern; the client treats records
// as opaque fetch/delete-by-id items.
type MessageStore interface {
	Fetch(ctx context.Context, userID, peerID string) ([]StoredMessage, error)
	Delete(ctx context.Context, messageID string) error
}

// HTTPMessageStore talks to the REST history service.
type HTTPMessageStore struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
}

// NewHTTPMessageStore creates a history client for the service at baseURL.
// tokens may be nil when the service does not require authentication.
func NewHTTPMessageStore(baseURL string, tokens TokenProvider) *HTTPMessageStore {
	return &HTTPMessageStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// Fetch returns the stored conversation between userID and peerID, oldest
// first.
func (s *HTTPMessageStore) Fetch(ctx context.Context, userID, peerID string) ([]StoredMessage, error) {
	endpoint := fmt.Sprintf("%s/messages?user=%s&peer=%s",
		s.baseURL, url.QueryEscape(userID), url.QueryEscape(peerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(req); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var messages []StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode message history: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Fetch",
		"user_id":  userID,
		"peer_id":  peerID,
		"count":    len(messages),
	}).Debug("Fetched message history")
	return messages, nil
}

// Delete removes one persisted message by id.
func (s *HTTPMessageStore) Delete(ctx context.Context, messageID string) error {
	endpoint := fmt.Sprintf("%s/messages/%s", s.baseURL, url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	if err := s.authorize(req); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Delete",
		"message_id": messageID,
	}).Debug("Deleted stored message")
	return nil
}

func (s *HTTPMessageStore) authorize(req *http.Request) error {
	if s.tokens == nil {
		return nil
	}
	token, ok := s.tokens.CurrentToken()
	if !ok {
		return ErrTokenExpired
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
