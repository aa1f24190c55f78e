// Package services holds the clients for the opaque backend services the
// realtime core depends on: media upload, message persistence and the
// bearer token used to authenticate the socket. Token issuance and
// verification belong to the server; the client only avoids presenting a
// token it can see is already dead.
package services

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// TokenProvider supplies the current bearer token. ok is false when no
// usable token is available (missing or expired).
type TokenProvider interface {
	CurrentToken() (token string, ok bool)
}

// StaticTokenProvider holds one externally issued JWT. The exp claim is
// read without signature verification; the server owns verification.
type StaticTokenProvider struct {
	token   string
	expires time.Time
	now     func() time.Time
}

// NewStaticTokenProvider wraps an issued token. A token that does not
// parse as a JWT or carries no exp claim is treated as non-expiring;
// the server will reject it if it is actually invalid.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	p := &StaticTokenProvider{token: token, now: time.Now}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewStaticTokenProvider",
			"error":    err.Error(),
		}).Debug("Token is not a parseable JWT, skipping expiry tracking")
		return p
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return p
	}
	p.expires = exp.Time

	logrus.WithFields(logrus.Fields{
		"function": "NewStaticTokenProvider",
		"expires":  p.expires.Format(time.RFC3339),
	}).Debug("Tracking token expiry")
	return p
}

// CurrentToken returns the held token. ok is false once the exp claim has
// passed.
func (p *StaticTokenProvider) CurrentToken() (string, bool) {
	if p.token == "" {
		return "", false
	}
	if !p.expires.IsZero() && !p.now().Before(p.expires) {
		return "", false
	}
	return p.token, true
}
