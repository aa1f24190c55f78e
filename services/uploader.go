package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Uploader stores a local media file and returns a stable URL the message
// pipeline can reference in image and audio messages.
type Uploader interface {
	Upload(ctx context.Context, localPath, kind string) (url string, err error)
}

// HTTPUploader uploads via multipart POST to the media service.
type HTTPUploader struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
}

// NewHTTPUploader creates an uploader for the media service at baseURL.
// tokens may be nil when the service does not require authentication.
func NewHTTPUploader(baseURL string, tokens TokenProvider) *HTTPUploader {
	return &HTTPUploader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
}

// Upload sends the file at localPath and returns the URL assigned by the
// service. kind travels alongside the file so the service can route audio
// and image payloads to the right bucket.
func (u *HTTPUploader) Upload(ctx context.Context, localPath, kind string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		if err := form.WriteField("type", kind); err != nil {
			pw.CloseWithError(err)
			return
		}
		part, err := form.CreateFormFile("file", filepath.Base(localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/upload", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if err := u.authorize(req); err != nil {
		return "", err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithFields(logrus.Fields{
			"function": "Upload",
			"status":   resp.StatusCode,
			"kind":     kind,
		}).Error("Upload rejected by media service")
		return "", fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"kind":     kind,
		"url":      body.URL,
	}).Info("Media uploaded")
	return body.URL, nil
}

func (u *HTTPUploader) authorize(req *http.Request) error {
	if u.tokens == nil {
		return nil
	}
	token, ok := u.tokens.CurrentToken()
	if !ok {
		return ErrTokenExpired
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
