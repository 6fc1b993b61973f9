// Package app defines the tenant model for the relay. Each app owns the
// SMTP credentials it submits mail with, a DKIM key pair, and an optional
// custom tracking domain.
package app

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// smtpPasswordLength is the length of generated SMTP password tokens.
const smtpPasswordLength = 20

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_ ]+$`)

// App is a tenant account. Mail submitted with the app's SMTP credentials
// is signed with the app's DKIM key and delivered on its behalf.
type App struct {
	ID                   int64
	Name                 string
	SMTPUsername         string
	SMTPPassword         string
	SMTPPasswordLocked   bool
	DKIMPrivateKey       string // PEM, empty until first use
	FromDomain           string
	CustomTrackingDomain string
	CreatedAt            time.Time
}

// ValidateName checks that an app name contains only letters, numbers,
// spaces and underscores.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("app name must not be empty")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("app name %q: only letters, numbers, spaces and underscores allowed", name)
	}
	return nil
}

// SMTPUsernameFor derives the globally unique SMTP username for an app.
// Appending the numeric id guarantees uniqueness across apps that share
// a display name.
func SMTPUsernameFor(name string, id int64) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_") + "_" + fmt.Sprint(id)
}

// GenerateSMTPPassword returns a fresh random password token. Tokens are
// never derived from user input.
func GenerateSMTPPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate smtp password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:smtpPasswordLength], nil
}
