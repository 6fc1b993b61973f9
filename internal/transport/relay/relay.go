// Package relay implements a Transport that forwards signed mail to the
// next-hop mail server over SMTP.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/cuttlefish/relay/internal/transport"
)

// dialTimeout bounds connection establishment when the caller's context
// carries no deadline of its own.
const dialTimeout = 30 * time.Second

// Options configures the outbound smarthost connection.
type Options struct {
	// Addr is the smarthost address, host:port.
	Addr string

	// Hostname is the name announced in the outbound EHLO.
	Hostname string

	// Username and Password enable AUTH PLAIN towards the smarthost when
	// both are set.
	Username string
	Password string
}

// Transport forwards messages to a configured smarthost over SMTP with
// opportunistic STARTTLS.
type Transport struct {
	opts Options
}

// New creates a relay Transport.
func New(opts Options) (*Transport, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("relay transport needs an address")
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	return &Transport{opts: opts}, nil
}

// Send performs one SMTP conversation with the smarthost for a single
// recipient. SMTP 5xx replies surface as permanent errors; everything else
// (dial failures, timeouts, 4xx replies) is transient and retryable.
func (t *Transport) Send(ctx context.Context, from, recipient string, data []byte) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.opts.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c := gosmtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(t.opts.Hostname); err != nil {
		return classify(err, "EHLO")
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		host, _, splitErr := net.SplitHostPort(t.opts.Addr)
		if splitErr != nil {
			host = t.opts.Addr
		}
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return classify(err, "STARTTLS")
		}
	}

	if t.opts.Username != "" && t.opts.Password != "" {
		auth := sasl.NewPlainClient("", t.opts.Username, t.opts.Password)
		if err := c.Auth(auth); err != nil {
			return classify(err, "AUTH")
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify(err, "MAIL FROM")
	}
	if err := c.Rcpt(recipient, nil); err != nil {
		return classify(err, "RCPT TO")
	}

	w, err := c.Data()
	if err != nil {
		return classify(err, "DATA")
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify(err, "DATA write")
	}
	if err := w.Close(); err != nil {
		return classify(err, "DATA close")
	}

	if err := c.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a delivery failure.
		slog.Debug("smarthost QUIT failed", "addr", t.opts.Addr, "error", err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "relay"
}

// classify maps an SMTP reply to the pipeline's error taxonomy: 5xx is
// permanent, anything else is transient.
func classify(err error, phase string) error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) && !smtpErr.Temporary() {
		return transport.Permanentf("%s rejected: %w", phase, err)
	}
	return fmt.Errorf("%s failed: %w", phase, err)
}
