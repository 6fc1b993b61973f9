package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cuttlefish/relay/internal/app"
)

// ServerGreeting is the banner offered to every connecting client.
const ServerGreeting = "Cuttlefish SMTP server waves its arms and tentacles and says hello"

// Session states for the SMTP state machine. Authentication requires an
// established TLS layer, and every mail transaction command requires
// authentication; the in-message phase is handled inside handleDATA.
const (
	stateGreeting = iota // before EHLO
	stateGreeted         // after EHLO, still plaintext
	stateEncrypted       // after STARTTLS, unauthenticated
	stateAuthenticated   // after AUTH, full command set
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Store is the persistence surface a session needs: credential lookup for
// AUTH and atomic email acceptance for DATA.
type Store interface {
	AppResolver

	// CreateEmail durably records an accepted message and enqueues one
	// delivery per recipient, atomically.
	CreateEmail(ctx context.Context, appID int64, sender string, recipients []string, data []byte) (string, error)
}

// SessionConfig carries the process-wide parameters of a session, fixed for
// the lifetime of the server process.
type SessionConfig struct {
	// Domain is the server's own domain, announced in the greeting.
	Domain string

	// TLSConfig is the certificate configuration for STARTTLS. TLS is
	// mandatory before AUTH, so a session without it can never accept mail.
	TLSConfig *tls.Config

	// MaxMessageSize bounds the DATA payload in bytes.
	MaxMessageSize int64

	// MaxViolations terminates the connection after this many rejected
	// commands. Zero or negative means no limit.
	MaxViolations int
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	auth   *Authenticator
	store  Store
	cfg    SessionConfig

	tlsActive  bool
	app        *app.App
	violations int

	// Current transaction. Only mutable between a successful MAIL command
	// and DATA completion; reset on RSET and on a new MAIL FROM.
	sender     string
	recipients []string
	data       bytes.Buffer
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, store Store, cfg SessionConfig) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateGreeting,
		auth:   auth,
		store:  store,
		cfg:    cfg,
	}
}

// Greeting returns the server banner. Pure and deterministic.
func (s *Session) Greeting() string {
	return ServerGreeting
}

// Domain returns the server's configured domain. Pure and deterministic.
func (s *Session) Domain() string {
	return s.cfg.Domain
}

// Handle runs the SMTP session, processing commands in arrival order until
// the client disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP %s", s.Domain(), s.Greeting())

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}

		if s.cfg.MaxViolations > 0 && s.violations >= s.cfg.MaxViolations {
			s.writeLine("421 Too many errors, closing connection")
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(ctx, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 %s waves goodbye", s.Domain())
		return true
	default:
		s.reject("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.reject("501 Syntax: %s hostname", cmd)
		return
	}

	// A fresh EHLO aborts any transaction in progress.
	s.resetTransaction()
	if s.state == stateGreeting {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.Domain(), arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.Domain(), arg)
	if !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.tlsActive && s.app == nil {
		s.writeLine("250-AUTH PLAIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.reject("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.reject("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateEncrypted
}

// handleAUTH processes AUTH PLAIN, the only supported mechanism. AUTH is
// rejected until the connection is encrypted.
func (s *Session) handleAUTH(ctx context.Context, arg string) {
	if !s.tlsActive {
		s.reject("530 Must issue a STARTTLS command first")
		return
	}
	if s.app != nil {
		s.reject("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	if strings.ToUpper(parts[0]) != "PLAIN" {
		s.reject("504 Unrecognized authentication type")
		return
	}

	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		// Credentials provided inline: AUTH PLAIN <base64>
		encoded = parts[1]
	} else {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.reject("501 Authentication cancelled")
		return
	}

	username, password, err := DecodePlain(encoded)
	if err != nil {
		s.reject("501 %v", err)
		return
	}

	if !s.receivePlainAuth(ctx, username, password) {
		s.reject("535 Authentication failed")
		return
	}
	s.writeLine("235 Authentication successful")
}

// receivePlainAuth verifies credentials and, on success, binds the app to
// the session and transitions to the authenticated state. On failure the
// session state is unchanged.
func (s *Session) receivePlainAuth(ctx context.Context, username, password string) bool {
	found, err := s.auth.Verify(ctx, username, password)
	if err != nil {
		return false
	}
	s.app = found
	s.state = stateAuthenticated
	return true
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if !s.requireAuth() {
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.reject("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.reject("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.receiveSender(addr)
	s.writeLine("250 OK")
}

// receiveSender records the sender, discarding any recipients and data left
// over from an earlier aborted transaction.
func (s *Session) receiveSender(addr string) {
	s.sender = addr
	s.recipients = nil
	s.data.Reset()
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if !s.requireAuth() {
		return
	}
	if s.sender == "" {
		s.reject("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.reject("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.reject("501 Syntax: RCPT TO:<address>")
		return
	}

	s.receiveRecipient(addr)
	s.writeLine("250 OK")
}

// receiveRecipient appends one recipient. Order is preserved exactly as
// received and duplicates are kept; delivery fan-out depends on it.
func (s *Session) receiveRecipient(addr string) {
	s.recipients = append(s.recipients, addr)
}

// handleDATA processes the DATA command and the message byte stream that
// follows, up to the end-of-data marker.
func (s *Session) handleDATA(ctx context.Context) {
	if !s.requireAuth() {
		return
	}
	if err := s.receiveDataCommand(); err != nil {
		s.reject("503 %v", err)
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var tooLarge bool
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot transparency: a leading escape dot is stripped.
		if strings.HasPrefix(trimmed, "..") {
			trimmed = trimmed[1:]
		}

		if s.cfg.MaxMessageSize > 0 && int64(s.data.Len()+len(trimmed)) > s.cfg.MaxMessageSize {
			// Keep consuming to the terminator so the dialogue stays in sync.
			tooLarge = true
			continue
		}
		s.receiveDataChunk([]string{trimmed})
	}

	if tooLarge {
		s.reject("552 Message exceeds maximum size")
		s.resetTransaction()
		return
	}

	if err := s.receiveMessage(ctx); err != nil {
		slog.Error("failed to accept message",
			"app", s.app.ID,
			"sender", s.sender,
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}
}

// receiveDataCommand guards entry to the in-message phase. Residual buffered
// data from an earlier transaction is discarded before new chunks arrive.
func (s *Session) receiveDataCommand() error {
	if s.sender == "" {
		return fmt.Errorf("send MAIL FROM first")
	}
	if len(s.recipients) == 0 {
		return fmt.Errorf("send RCPT TO first")
	}
	s.data.Reset()
	return nil
}

// receiveDataChunk appends lines to the message buffer, separated by
// newlines, preserving exact byte content.
func (s *Session) receiveDataChunk(lines []string) {
	for _, line := range lines {
		if s.data.Len() > 0 {
			s.data.WriteByte('\n')
		}
		s.data.WriteString(line)
	}
}

// receiveMessage persists the accepted email and enqueues its deliveries in
// one atomic step, then resets the transaction. The client only sees
// success after persistence succeeded; on failure nothing is queued.
func (s *Session) receiveMessage(ctx context.Context) error {
	emailID, err := s.store.CreateEmail(ctx, s.app.ID, s.sender, s.recipients, s.data.Bytes())
	if err != nil {
		return err
	}

	slog.Info("message accepted",
		"email", emailID,
		"app", s.app.ID,
		"sender", s.sender,
		"recipients", len(s.recipients),
		"bytes", s.data.Len(),
	)

	s.resetTransaction()
	s.writeLine("250 OK message queued as %s", emailID)
	return nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// requireAuth rejects mail-transaction commands until the session is both
// encrypted and authenticated.
func (s *Session) requireAuth() bool {
	if !s.tlsActive {
		s.reject("530 Must issue a STARTTLS command first")
		return false
	}
	if s.app == nil {
		s.reject("530 Authentication required")
		return false
	}
	return true
}

// resetTransaction clears the in-progress message without touching the
// TLS or authentication state.
func (s *Session) resetTransaction() {
	s.sender = ""
	s.recipients = nil
	s.data.Reset()
}

// reject sends an error reply and counts it towards the violation limit.
func (s *Session) reject(format string, args ...any) {
	s.violations++
	s.writeLine(format, args...)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
