package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"github.com/cuttlefish/relay/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func TestName(t *testing.T) {
	t.Parallel()
	tr := NewWithClient(&mockSESClient{})
	if got := tr.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSendRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient(mock)

	data := []byte("DKIM-Signature: ...\r\nFrom: a@x.com\r\n\r\nhello")
	if err := tr.Send(context.Background(), "a@x.com", "b@y.com", data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	input := mock.lastInput
	if got := *input.FromEmailAddress; got != "a@x.com" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if len(input.Destination.ToAddresses) != 1 || input.Destination.ToAddresses[0] != "b@y.com" {
		t.Errorf("ToAddresses: got %v", input.Destination.ToAddresses)
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw message content, got nil")
	}
	if string(input.Content.Raw.Data) != string(data) {
		t.Error("raw content does not match signed message data")
	}
}

func TestSendClientFaultIsPermanent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{
				Code:    "MessageRejected",
				Message: "Email address is not verified",
				Fault:   smithy.FaultClient,
			}
		},
	}
	tr := NewWithClient(mock)

	err := tr.Send(context.Background(), "a@x.com", "b@y.com", []byte("data"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !transport.IsPermanent(err) {
		t.Errorf("client fault should be permanent, got %v", err)
	}
}

func TestSendServerFaultIsTransient(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{
				Code:    "TooManyRequestsException",
				Message: "Rate exceeded",
				Fault:   smithy.FaultServer,
			}
		},
	}
	tr := NewWithClient(mock)

	err := tr.Send(context.Background(), "a@x.com", "b@y.com", []byte("data"))
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.IsPermanent(err) {
		t.Errorf("server fault should be transient, got %v", err)
	}
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	tr := NewWithClient(mock)

	err := tr.Send(context.Background(), "a@x.com", "b@y.com", []byte("data"))
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.IsPermanent(err) {
		t.Errorf("network error should be transient, got %v", err)
	}
}
