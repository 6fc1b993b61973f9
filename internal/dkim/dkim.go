// Package dkim manages per-app DKIM keys: generation, the DNS TXT encoding
// of the public key, lookup of the published record, and message signing.
package dkim

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// Selector is the DKIM selector all apps publish their keys under.
const Selector = "cuttlefish"

// keyBits is the RSA key size for generated DKIM keys.
const keyBits = 2048

// txtChunkSize is the maximum length of a single DNS TXT character-string.
const txtChunkSize = 255

// dnsTimeout bounds DNS lookups so an unresolvable domain cannot hang a
// session or a delivery job.
const dnsTimeout = 5 * time.Second

// signedHeaders are the header fields covered by the DKIM signature.
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID"}

// GenerateKey generates a new 2048-bit RSA private key, PEM-encoded.
func GenerateKey() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate DKIM key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), nil
}

// ParseKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParseKey(privPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in DKIM private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("DKIM private key is %T, want RSA", parsed)
	}
	return key, nil
}

// PublicKeyTXTValue returns the TXT record value that publishes the public
// half of privPEM: "k=rsa; p=<base64 public key>".
func PublicKeyTXTValue(privPEM string) (string, error) {
	key, err := ParseKey(privPEM)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DKIM public key: %w", err)
	}
	return "k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
}

// QuoteLongTXTRecord splits a TXT value into consecutive quoted strings of at
// most 255 characters each, with no separator between the quotes. DNS limits
// a single TXT character-string to 255 bytes; longer values are published as
// several strings that resolvers concatenate.
func QuoteLongTXTRecord(text string) string {
	var b strings.Builder
	for len(text) > 0 {
		n := len(text)
		if n > txtChunkSize {
			n = txtChunkSize
		}
		b.WriteByte('"')
		b.WriteString(text[:n])
		b.WriteByte('"')
		text = text[n:]
	}
	return b.String()
}

// RecordName returns the DNS name the DKIM TXT record lives at for a domain.
func RecordName(domain string) string {
	return Selector + "._domainkey." + domain
}

// Sign signs raw message data with the app's DKIM key for the given domain
// and returns the message with the DKIM-Signature header prepended.
func Sign(data []byte, domain, privPEM string) ([]byte, error) {
	key, err := ParseKey(privPEM)
	if err != nil {
		return nil, err
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               Selector,
		Signer:                 key,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(toCRLF(data)), opts); err != nil {
		return nil, fmt.Errorf("failed to DKIM-sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// toCRLF normalises line endings to CRLF as required for signing.
func toCRLF(data []byte) []byte {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}

// Verifier checks DKIM DNS state with a bounded lookup timeout.
type Verifier struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewVerifier creates a Verifier using the default system resolver.
func NewVerifier() *Verifier {
	return &Verifier{resolver: net.DefaultResolver, timeout: dnsTimeout}
}

// NewVerifierWithResolver creates a Verifier with a custom resolver, used
// in tests.
func NewVerifierWithResolver(resolver *net.Resolver, timeout time.Duration) *Verifier {
	return &Verifier{resolver: resolver, timeout: timeout}
}

// LookupTXTRecord resolves the published DKIM record for a domain. Absence
// of a record, NXDOMAIN and resolution failure all return ok=false: an
// unpublished record is a normal state, not an error.
func (v *Verifier) LookupTXTRecord(ctx context.Context, domain string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	records, err := v.resolver.LookupTXT(ctx, RecordName(domain))
	if err != nil {
		slog.Debug("DKIM TXT lookup failed", "domain", domain, "error", err)
		return "", false
	}
	if len(records) == 0 {
		return "", false
	}
	// A long TXT value arrives as multiple strings to be concatenated.
	return strings.Join(records, ""), true
}

// DNSConfigured reports whether the DKIM TXT record published for domain
// matches the public half of privPEM.
func (v *Verifier) DNSConfigured(ctx context.Context, domain, privPEM string) bool {
	expected, err := PublicKeyTXTValue(privPEM)
	if err != nil {
		slog.Error("cannot compute expected DKIM record", "domain", domain, "error", err)
		return false
	}
	actual, ok := v.LookupTXTRecord(ctx, domain)
	return ok && actual == expected
}

// LookupCNAME resolves the CNAME target for a domain, with the trailing dot
// that marks an absolute name. Used to validate that a custom tracking
// domain points at the platform. Returns ok=false when no CNAME exists.
func (v *Verifier) LookupCNAME(ctx context.Context, domain string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	target, err := v.resolver.LookupCNAME(ctx, domain)
	if err != nil || target == "" {
		return "", false
	}
	if !strings.HasSuffix(target, ".") {
		target += "."
	}
	return target, true
}

// TrackingDomainValid reports whether a custom tracking domain has a CNAME
// pointing at the platform domain.
func (v *Verifier) TrackingDomainValid(ctx context.Context, customDomain, platformDomain string) bool {
	target, ok := v.LookupCNAME(ctx, customDomain)
	return ok && target == platformDomain+"."
}
