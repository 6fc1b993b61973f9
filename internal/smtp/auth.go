// Package smtp implements the inbound SMTP server: per-connection protocol
// state machine, STARTTLS upgrade, per-app authentication and handoff of
// accepted messages to the store.
package smtp

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuttlefish/relay/internal/app"
)

// ErrAuthFailed is returned for every authentication failure. It carries no
// detail about which factor was wrong.
var ErrAuthFailed = errors.New("authentication failed")

// AppResolver looks up an app by its SMTP username.
type AppResolver interface {
	AppByUsername(ctx context.Context, username string) (*app.App, error)
}

// Authenticator verifies AUTH PLAIN credentials against the app store.
type Authenticator struct {
	apps AppResolver
}

// NewAuthenticator creates an Authenticator backed by the given resolver.
func NewAuthenticator(apps AppResolver) *Authenticator {
	return &Authenticator{apps: apps}
}

// DecodePlain decodes an AUTH PLAIN response into its username and
// password. AUTH PLAIN format: base64(authzid\0authcid\0password).
func DecodePlain(encoded string) (username, password string, err error) {
	decoded, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return "", "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity (ignored)
	return parts[1], parts[2], nil
}

// Verify checks a username/password pair against the app store. Lookup
// failure and password mismatch return the same error so a caller cannot
// distinguish an unknown username from a wrong password. The password check
// is constant time.
func (a *Authenticator) Verify(ctx context.Context, username, password string) (*app.App, error) {
	found, err := a.apps.AppByUsername(ctx, username)
	if err != nil || found == nil {
		slog.Debug("auth lookup failed", "username", username)
		return nil, ErrAuthFailed
	}

	if subtle.ConstantTimeCompare([]byte(found.SMTPPassword), []byte(password)) != 1 {
		return nil, ErrAuthFailed
	}
	return found, nil
}
