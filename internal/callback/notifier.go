// Package callback notifies the orchestrator that a run's output envelope
// has been persisted.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/model"
)

// DeliveryHeader carries an id that stays the same across retries of one
// notification.
const DeliveryHeader = "X-Callback-Delivery-Id"

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 10 * time.Second
)

// Payload is the JSON body POSTed to the callback URL.
type Payload struct {
	RunID     string          `json:"run_id"`
	Status    envelope.Status `json:"status"`
	ResultURI string          `json:"result_uri"`
	// CallbackToken is echoed for receivers that still read it. It is not the
	// authorization mechanism.
	CallbackToken *string `json:"callback_token,omitempty"`
	CallbackID    *string `json:"callback_id,omitempty"`
}

// Delivery describes a completed Notify call.
type Delivery struct {
	ID         string
	Skipped    bool
	Attempts   int
	StatusCode int
}

// Error is returned when a callback could not be delivered.
type Error struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("callback to %s failed after %d attempt(s) (last status %d): %v", e.URL, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("callback to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Options configures a Notifier. Zero values take the defaults.
type Options struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
}

// Notifier POSTs completion callbacks with a freshly minted bearer assertion
// on every attempt.
type Notifier struct {
	minter CredentialMinter
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewNotifier returns a Notifier. A nil minter sends no Authorization header.
func NewNotifier(minter CredentialMinter, opts Options, logger *slog.Logger) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Notifier{minter: minter, client: client, opts: opts, logger: logger}
}

// ReadinessAudience is the audience Ready mints a throwaway credential for.
const ReadinessAudience = "validator-readiness"

// Ready reports whether the minter can currently produce a credential. A
// Notifier without a minter is always ready.
func (n *Notifier) Ready(ctx context.Context) error {
	if n.minter == nil {
		return nil
	}
	if _, err := n.minter.Mint(ctx, ReadinessAudience); err != nil {
		return fmt.Errorf("callback credentials: %w", err)
	}
	return nil
}

// Notify reports runID's completion. It is a no-op when ectx asks to skip
// callbacks or carries no callback URL. Delivery failures after all attempts
// are returned as *Error.
func (n *Notifier) Notify(ctx context.Context, ectx envelope.ExecutionContext, runID string, status envelope.Status, resultURI string) (Delivery, error) {
	logger := n.logger.With("run_id", runID)

	if ectx.SkipCallback {
		logger.Info("callback skipped", "reason", "skip_callback")
		deliveriesTotal.WithLabelValues("skipped").Inc()
		return Delivery{Skipped: true}, nil
	}
	if ectx.CallbackURL == nil || *ectx.CallbackURL == "" {
		logger.Warn("callback skipped", "reason", "no callback_url")
		deliveriesTotal.WithLabelValues("skipped").Inc()
		return Delivery{Skipped: true}, nil
	}
	url := *ectx.CallbackURL

	body, err := json.Marshal(Payload{
		RunID:         runID,
		Status:        status,
		ResultURI:     resultURI,
		CallbackToken: ectx.CallbackToken,
		CallbackID:    ectx.CallbackID,
	})
	if err != nil {
		return Delivery{}, &Error{URL: url, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	d := Delivery{ID: model.NewID()}
	logger = logger.With("delivery_id", d.ID, "callback_url", url)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.opts.InitialBackoff
	b.MaxInterval = n.opts.MaxBackoff

	// Every non-2xx answer is retried, 401 and 403 included: the next attempt
	// carries a newly minted assertion.
	var lastCode int
	op := func() (int, error) {
		d.Attempts++
		code, err := n.send(ctx, url, d.ID, body)
		lastCode = code
		return code, err
	}

	code, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("callback attempt failed, retrying",
				"attempt", d.Attempts, "max_attempts", n.opts.MaxAttempts, "retry_in", wait.String(), "error", err)
		}),
	)
	if err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		logger.Error("callback delivery failed", "attempts", d.Attempts, "status_code", lastCode, "error", err)
		return d, &Error{URL: url, Attempts: d.Attempts, StatusCode: lastCode, Err: err}
	}

	d.StatusCode = code
	deliveriesTotal.WithLabelValues("delivered").Inc()
	logger.Info("callback delivered", "attempts", d.Attempts, "status_code", code)
	return d, nil
}

func (n *Notifier) send(ctx context.Context, url, deliveryID string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)

	if n.minter != nil {
		token, err := n.minter.Mint(ctx, url)
		if err != nil {
			attemptsTotal.WithLabelValues("mint_error").Inc()
			return 0, fmt.Errorf("mint credential: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := n.client.Do(req)
	if err != nil {
		attemptsTotal.WithLabelValues("network_error").Inc()
		return 0, fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		attemptsTotal.WithLabelValues("http_error").Inc()
		return resp.StatusCode, &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	attemptsTotal.WithLabelValues("ok").Inc()
	return resp.StatusCode, nil
}
