// Package delivery runs the asynchronous pipeline that signs accepted
// emails and forwards them to their recipients, one delivery per recipient,
// with bounded retry on transient failures.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuttlefish/relay/internal/app"
	"github.com/cuttlefish/relay/internal/dkim"
	"github.com/cuttlefish/relay/internal/store"
	"github.com/cuttlefish/relay/internal/transport"
)

// shutdownTimeout is the maximum time to wait for in-flight deliveries
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// claimBatchSize is how many due deliveries a worker claims per poll.
const claimBatchSize = 16

// Options configures the pipeline.
type Options struct {
	// Transport performs the actual network send to the next hop.
	Transport transport.Transport

	// PlatformDomain is the DKIM signing domain for apps without a custom
	// tracking domain.
	PlatformDomain string

	// Workers is the number of concurrent delivery workers.
	Workers int

	// PollInterval is how often an idle worker looks for due deliveries.
	PollInterval time.Duration

	// MaxAttempts bounds the total number of send attempts per delivery.
	MaxAttempts int

	// RetryBase is the delay before the first retry; each further retry
	// multiplies it by RetryMultiplier. No jitter is applied.
	RetryBase       time.Duration
	RetryMultiplier int

	// Verifier checks custom tracking domain DNS before signing with it.
	// Defaults to a resolver-backed verifier.
	Verifier *dkim.Verifier
}

// Pipeline claims due deliveries from the store, signs them with the
// owning app's DKIM key and hands them to the transport.
type Pipeline struct {
	store *store.Store
	opts  Options

	// now is the clock, replaceable in tests.
	now func() time.Time

	wg sync.WaitGroup
}

// New creates a Pipeline. Zero option fields get conservative defaults.
func New(st *store.Store, opts Options) (*Pipeline, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("pipeline needs a transport")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Minute
	}
	if opts.RetryMultiplier < 1 {
		opts.RetryMultiplier = 2
	}
	if opts.Verifier == nil {
		opts.Verifier = dkim.NewVerifier()
	}
	return &Pipeline{
		store: st,
		opts:  opts,
		now:   time.Now,
	}, nil
}

// Run starts the delivery workers and blocks until the context is
// cancelled, then waits up to 30 seconds for in-flight deliveries.
func (p *Pipeline) Run(ctx context.Context) {
	slog.Info("delivery pipeline starting",
		"transport", p.opts.Transport.Name(),
		"workers", p.opts.Workers,
		"max_attempts", p.opts.MaxAttempts,
	)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(workerNum int) {
			defer p.wg.Done()
			p.worker(ctx, workerNum)
		}(i)
	}

	<-ctx.Done()
	p.waitForWorkers()
}

// waitForWorkers waits for all workers to finish their current deliveries,
// with a maximum timeout to prevent indefinite blocking.
func (p *Pipeline) waitForWorkers() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("delivery workers stopped")
	case <-time.After(shutdownTimeout):
		slog.Warn("delivery shutdown timeout reached, abandoning in-flight sends")
	}
}

// worker polls for due deliveries and processes them until the context is
// cancelled.
func (p *Pipeline) worker(ctx context.Context, workerNum int) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := p.store.ClaimDueDeliveries(ctx, claimBatchSize, p.now())
		if err != nil {
			slog.Error("failed to claim deliveries", "worker", workerNum, "error", err)
		}
		for i := range claimed {
			p.Process(ctx, &claimed[i])
		}

		// Poll immediately again after a full batch; the queue may be deep.
		if len(claimed) == claimBatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Process runs one send attempt for a claimed delivery and records the
// outcome. Deliveries already in a terminal state are a no-op, so it is
// safe to re-enqueue defensively after a crash.
func (p *Pipeline) Process(ctx context.Context, d *store.Delivery) {
	if d.Terminal() {
		return
	}

	signed, from, err := p.buildSignedMessage(ctx, d)
	if err != nil {
		// A message we cannot construct will never send; retrying forever
		// would only hide the problem from operators.
		slog.Error("cannot construct signed message",
			"delivery", d.ID,
			"email", d.EmailID,
			"error", err,
		)
		p.fail(ctx, d, d.Attempts+1, fmt.Sprintf("internal: %v", err))
		return
	}

	attempt := d.Attempts + 1
	sendErr := p.opts.Transport.Send(ctx, from, d.Recipient, signed)
	switch {
	case sendErr == nil:
		if err := p.store.MarkDelivered(ctx, d.ID, attempt, p.now()); err != nil {
			slog.Error("failed to record delivered state", "delivery", d.ID, "error", err)
			return
		}
		slog.Info("delivered",
			"delivery", d.ID,
			"recipient", d.Recipient,
			"attempt", attempt,
			"transport", p.opts.Transport.Name(),
		)

	case transport.IsPermanent(sendErr):
		slog.Warn("permanent delivery failure",
			"delivery", d.ID,
			"recipient", d.Recipient,
			"error", sendErr,
		)
		p.fail(ctx, d, attempt, sendErr.Error())

	case attempt >= p.opts.MaxAttempts:
		slog.Warn("delivery failed after exhausting retries",
			"delivery", d.ID,
			"recipient", d.Recipient,
			"attempts", attempt,
			"error", sendErr,
		)
		p.fail(ctx, d, attempt, sendErr.Error())

	default:
		nextAt := p.now().Add(p.backoff(attempt))
		if err := p.store.MarkRetrying(ctx, d.ID, attempt, nextAt, sendErr.Error()); err != nil {
			slog.Error("failed to record retrying state", "delivery", d.ID, "error", err)
			return
		}
		slog.Info("transient delivery failure, retrying",
			"delivery", d.ID,
			"recipient", d.Recipient,
			"attempt", attempt,
			"next_attempt_at", nextAt,
			"error", sendErr,
		)
	}
}

// buildSignedMessage loads the email and its owning app, fetches or creates
// the app's DKIM key and signs the raw message data.
func (p *Pipeline) buildSignedMessage(ctx context.Context, d *store.Delivery) (signed []byte, from string, err error) {
	email, err := p.store.EmailByID(ctx, d.EmailID)
	if err != nil {
		return nil, "", err
	}
	a, err := p.store.AppByID(ctx, email.AppID)
	if err != nil {
		return nil, "", err
	}

	key, err := p.store.GetOrCreateDKIMKey(ctx, a.ID)
	if err != nil {
		return nil, "", fmt.Errorf("dkim key for app %d: %w", a.ID, err)
	}

	domain := p.signingDomain(ctx, a)
	signed, err = dkim.Sign(email.Data, domain, key)
	if err != nil {
		return nil, "", err
	}
	return signed, email.Sender, nil
}

// signingDomain picks the DKIM signing domain for an app. An explicit from
// domain always wins. A custom tracking domain is used only when its CNAME
// points at the platform domain; otherwise, and on any DNS failure, the
// platform domain is used.
func (p *Pipeline) signingDomain(ctx context.Context, a *app.App) string {
	if a.FromDomain != "" {
		return a.FromDomain
	}
	if a.CustomTrackingDomain == "" {
		return p.opts.PlatformDomain
	}
	if !p.opts.Verifier.TrackingDomainValid(ctx, a.CustomTrackingDomain, p.opts.PlatformDomain) {
		slog.Debug("custom tracking domain not validated, using platform domain",
			"app", a.ID,
			"custom_domain", a.CustomTrackingDomain,
		)
		return p.opts.PlatformDomain
	}
	return a.CustomTrackingDomain
}

// backoff returns the delay before the next attempt: the base delay grown
// by a fixed multiplier per completed attempt, with no jitter.
func (p *Pipeline) backoff(attempts int) time.Duration {
	delay := p.opts.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= time.Duration(p.opts.RetryMultiplier)
	}
	return delay
}

func (p *Pipeline) fail(ctx context.Context, d *store.Delivery, attempts int, reason string) {
	if err := p.store.MarkFailed(ctx, d.ID, attempts, reason); err != nil {
		slog.Error("failed to record failed state", "delivery", d.ID, "error", err)
	}
}
