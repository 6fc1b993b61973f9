package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuttlefish/relay/internal/app"
	relaytls "github.com/cuttlefish/relay/internal/tls"
)

// acceptedEmail records one CreateEmail call made against the fake store.
type acceptedEmail struct {
	appID      int64
	sender     string
	recipients []string
	data       []byte
}

// fakeStore implements Store for testing sessions.
type fakeStore struct {
	mu        sync.Mutex
	apps      map[string]*app.App
	accepted  []acceptedEmail
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{apps: make(map[string]*app.App)}
}

func (f *fakeStore) addApp(a *app.App) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[a.SMTPUsername] = a
}

func (f *fakeStore) AppByUsername(_ context.Context, username string) (*app.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[username]
	if !ok {
		return nil, errors.New("app not found")
	}
	return a, nil
}

func (f *fakeStore) CreateEmail(_ context.Context, appID int64, sender string, recipients []string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.accepted = append(f.accepted, acceptedEmail{
		appID:      appID,
		sender:     sender,
		recipients: append([]string(nil), recipients...),
		data:       append([]byte(nil), data...),
	})
	return "test-email-id", nil
}

func (f *fakeStore) lastAccepted(t *testing.T) acceptedEmail {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accepted) == 0 {
		t.Fatal("store did not accept any email")
	}
	return f.accepted[len(f.accepted)-1]
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader with a timeout.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// readEHLO reads a multiline EHLO response and returns all its lines.
func readEHLO(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

// testTLSConfig builds a self-signed server TLS config for STARTTLS tests.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, err := relaytls.GenerateSelfSignedCert("mail.test.com")
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}}
}

func plainCreds(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
}

// startSession spawns a Session over a fresh conn pair and consumes the greeting.
func startSession(t *testing.T, store *fakeStore, cfg SessionConfig) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	sess := NewSession(server, NewAuthenticator(store), store, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	readLine(t, reader) // Skip greeting
	return client, reader
}

// upgradeTLS performs the client side of a STARTTLS exchange.
func upgradeTLS(t *testing.T, client net.Conn, reader *bufio.Reader) (net.Conn, *bufio.Reader) {
	t.Helper()
	sendCmd(t, client, "STARTTLS")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "220 ") {
		t.Fatalf("STARTTLS response: got %q, want prefix '220 '", resp)
	}

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake failed: %v", err)
	}
	return tlsClient, bufio.NewReader(tlsClient)
}

// authenticate runs EHLO, STARTTLS, EHLO and AUTH PLAIN, returning the
// encrypted connection ready for a mail transaction.
func authenticate(t *testing.T, client net.Conn, reader *bufio.Reader, username, password string) (net.Conn, *bufio.Reader) {
	t.Helper()
	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	client, reader = upgradeTLS(t, client, reader)

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainCreds(username, password))
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "235 ") {
		t.Fatalf("AUTH response: got %q, want prefix '235 '", resp)
	}
	return client, reader
}

func testApp() *app.App {
	return &app.App{
		ID:           12,
		Name:         "My App",
		SMTPUsername: "my_app_12",
		SMTPPassword: "sekrit-password-0000",
	}
}

func testSessionConfig(tlsCfg *tls.Config) SessionConfig {
	return SessionConfig{
		Domain:         "mail.test.com",
		TLSConfig:      tlsCfg,
		MaxMessageSize: 1 << 20,
		MaxViolations:  10,
	}
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, NewAuthenticator(store), store, testSessionConfig(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)

	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain domain, got %q", greeting)
	}
	if !strings.Contains(greeting, "waves its arms and tentacles") {
		t.Errorf("greeting should contain server banner, got %q", greeting)
	}
}

func TestSession_EHLO_Plaintext(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))

	sendCmd(t, client, "EHLO client.test.com")
	lines := readEHLO(t, reader)

	foundStartTLS := false
	foundAuth := false
	foundSize := false
	for _, line := range lines {
		if strings.Contains(line, "STARTTLS") {
			foundStartTLS = true
		}
		if strings.Contains(line, "AUTH") {
			foundAuth = true
		}
		if strings.Contains(line, "SIZE") {
			foundSize = true
		}
	}

	if !foundStartTLS {
		t.Error("plaintext EHLO response missing STARTTLS capability")
	}
	if foundAuth {
		t.Error("plaintext EHLO response must not advertise AUTH")
	}
	if !foundSize {
		t.Error("EHLO response missing SIZE capability")
	}
}

func TestSession_EHLO_AfterSTARTTLS(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	client, reader = upgradeTLS(t, client, reader)

	sendCmd(t, client, "EHLO client.test.com")
	lines := readEHLO(t, reader)

	for _, line := range lines {
		if strings.Contains(line, "STARTTLS") {
			t.Errorf("encrypted EHLO response still advertises STARTTLS: %q", line)
		}
	}

	foundAuth := false
	for _, line := range lines {
		if strings.Contains(line, "AUTH PLAIN") {
			foundAuth = true
		}
	}
	if !foundAuth {
		t.Error("encrypted EHLO response missing AUTH PLAIN capability")
	}
}

func TestSession_AuthRequiresSTARTTLS(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainCreds("my_app_12", "sekrit-password-0000"))
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "530 ") {
		t.Errorf("AUTH before STARTTLS: got %q, want prefix '530 '", resp)
	}
	if !strings.Contains(resp, "STARTTLS") {
		t.Errorf("AUTH rejection should point at STARTTLS, got %q", resp)
	}
}

func TestSession_MailRequiresAuth(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	// Plaintext MAIL is rejected for missing TLS.
	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "530 ") {
		t.Errorf("MAIL without TLS: got %q, want prefix '530 '", resp)
	}

	client, reader = upgradeTLS(t, client, reader)

	// Encrypted but unauthenticated MAIL is still rejected.
	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "530 ") {
		t.Errorf("MAIL without AUTH: got %q, want prefix '530 '", resp)
	}
}

func TestSession_AuthBadPassword(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	client, reader = upgradeTLS(t, client, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainCreds("my_app_12", "wrong"))
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "535 ") {
		t.Errorf("AUTH with wrong password: got %q, want prefix '535 '", resp)
	}

	// Unknown username is indistinguishable from a bad password.
	sendCmd(t, client, "AUTH PLAIN "+plainCreds("no_such_app_9", "sekrit-password-0000"))
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "535 ") {
		t.Errorf("AUTH with unknown username: got %q, want prefix '535 '", resp)
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("MAIL FROM response: got %q, want prefix '250 '", resp)
	}

	// Order and duplicates are preserved exactly as sent.
	for _, rcpt := range []string{"a@example.com", "b@example.net", "a@example.com"} {
		sendCmd(t, client, "RCPT TO:<"+rcpt+">")
		resp = readLine(t, reader)
		if !strings.HasPrefix(resp, "250 ") {
			t.Errorf("RCPT TO response: got %q, want prefix '250 '", resp)
		}
	}

	sendCmd(t, client, "DATA")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "354 ") {
		t.Errorf("DATA response: got %q, want prefix '354 '", resp)
	}

	message := strings.Join([]string{
		"From: sender@example.com",
		"Subject: Test Email",
		"",
		"Hello there.",
		"..a line starting with a dot",
		".",
	}, "\r\n")
	if _, err := client.Write([]byte(message + "\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA completion response: got %q, want prefix '250 '", resp)
	}
	if !strings.Contains(resp, "test-email-id") {
		t.Errorf("DATA completion should reference the email id, got %q", resp)
	}

	got := store.lastAccepted(t)
	if got.appID != 12 {
		t.Errorf("appID: got %d, want 12", got.appID)
	}
	if got.sender != "sender@example.com" {
		t.Errorf("sender: got %q, want sender@example.com", got.sender)
	}
	wantRcpts := []string{"a@example.com", "b@example.net", "a@example.com"}
	if len(got.recipients) != len(wantRcpts) {
		t.Fatalf("recipients: got %v, want %v", got.recipients, wantRcpts)
	}
	for i, want := range wantRcpts {
		if got.recipients[i] != want {
			t.Errorf("recipient[%d]: got %q, want %q", i, got.recipients[i], want)
		}
	}

	wantData := "From: sender@example.com\nSubject: Test Email\n\nHello there.\n.a line starting with a dot"
	if string(got.data) != wantData {
		t.Errorf("data:\ngot  %q\nwant %q", got.data, wantData)
	}
}

func TestSession_MailFromResetsTransaction(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "MAIL FROM:<first@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<stale@example.com>")
	readLine(t, reader)

	// A second MAIL FROM discards the recipients collected so far.
	sendCmd(t, client, "MAIL FROM:<second@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<fresh@example.com>")
	readLine(t, reader)

	sendCmd(t, client, "DATA")
	readLine(t, reader)
	if _, err := client.Write([]byte("body\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	readLine(t, reader)

	got := store.lastAccepted(t)
	if got.sender != "second@example.com" {
		t.Errorf("sender: got %q, want second@example.com", got.sender)
	}
	if len(got.recipients) != 1 || got.recipients[0] != "fresh@example.com" {
		t.Errorf("recipients: got %v, want [fresh@example.com]", got.recipients)
	}
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)

	sendCmd(t, client, "RSET")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("RSET response: got %q, want prefix '250 '", resp)
	}

	// Transaction state was reset, RCPT now needs a fresh MAIL FROM.
	sendCmd(t, client, "RCPT TO:<recipient@example.com>")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "503 ") {
		t.Errorf("RCPT TO after RSET: got %q, want prefix '503 '", resp)
	}
}

func TestSession_DataRequiresRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "DATA")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "503 ") {
		t.Errorf("DATA before MAIL: got %q, want prefix '503 '", resp)
	}

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)

	sendCmd(t, client, "DATA")
	resp = readLine(t, reader)
	if !strings.HasPrefix(resp, "503 ") {
		t.Errorf("DATA before RCPT: got %q, want prefix '503 '", resp)
	}
}

func TestSession_StoreFailureIsTransient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	store.createErr = errors.New("disk full")
	client, reader := startSession(t, store, testSessionConfig(testTLSConfig(t)))
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<recipient@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)
	if _, err := client.Write([]byte("body\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "451 ") {
		t.Errorf("store failure response: got %q, want prefix '451 '", resp)
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addApp(testApp())
	cfg := testSessionConfig(testTLSConfig(t))
	cfg.MaxMessageSize = 16
	client, reader := startSession(t, store, cfg)
	client, reader = authenticate(t, client, reader, "my_app_12", "sekrit-password-0000")

	sendCmd(t, client, "MAIL FROM:<sender@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<recipient@example.com>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)

	body := strings.Repeat("x", 64)
	if _, err := client.Write([]byte(body + "\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized message response: got %q, want prefix '552 '", resp)
	}

	store.mu.Lock()
	accepted := len(store.accepted)
	store.mu.Unlock()
	if accepted != 0 {
		t.Errorf("oversized message must not be persisted, got %d accepted", accepted)
	}
}

func TestSession_ViolationLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	cfg := testSessionConfig(nil)
	cfg.MaxViolations = 2
	client, reader := startSession(t, store, cfg)

	sendCmd(t, client, "BOGUS")
	readLine(t, reader) // 500
	sendCmd(t, client, "BOGUS")
	readLine(t, reader) // 500

	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "421 ") {
		t.Errorf("violation limit response: got %q, want prefix '421 '", resp)
	}
}

func TestSession_QUIT(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(nil))

	sendCmd(t, client, "QUIT")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "221 ") {
		t.Errorf("QUIT response: got %q, want prefix '221 '", resp)
	}
}

func TestSession_NOOP(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(nil))

	sendCmd(t, client, "NOOP")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("NOOP response: got %q, want prefix '250 '", resp)
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	client, reader := startSession(t, store, testSessionConfig(nil))

	sendCmd(t, client, "INVALID")
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, "500 ") {
		t.Errorf("unknown command response: got %q, want prefix '500 '", resp)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"QUIT", "QUIT", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got := extractAddress(tt.input)
			if got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
