// Package captcha is the entry point for host code: it starts a capture
// session on a page, submits evidence on demand or when a bound form is
// submitted, and hands back the verification token.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vincentbai/browsetrace-captcha/internal/capture"
	"github.com/vincentbai/browsetrace-captcha/internal/client"
	"github.com/vincentbai/browsetrace-captcha/internal/clock"
	"github.com/vincentbai/browsetrace-captcha/internal/intercept"
	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/payload"
	"github.com/vincentbai/browsetrace-captcha/internal/throttle"
)

// DefaultSubmitTimeout bounds one submission exchange.
const DefaultSubmitTimeout = 30 * time.Second

// Config is the initialization-time configuration.
type Config struct {
	// Endpoint is the verification endpoint URL, or an origin to which
	// /api/challenge is appended.
	Endpoint string
	// Credential is sent as a bearer token when non-empty.
	Credential string
	// AutoIntercept binds interception to every form present at startup.
	AutoIntercept bool
	// MotionLimit is the pointer/touch motion sampling interval.
	MotionLimit time.Duration
	// SubmitTimeout bounds each submission; zero disables the bound.
	SubmitTimeout time.Duration
	// RecordFieldValues captures form field values, not only names.
	RecordFieldValues bool
	// TokenField names the hidden field attached on resubmit.
	TokenField string
}

// DefaultConfig returns the defaults applied by New for unset fields.
func DefaultConfig() Config {
	return Config{
		MotionLimit:   throttle.DefaultLimit,
		SubmitTimeout: DefaultSubmitTimeout,
		TokenField:    intercept.DefaultTokenField,
	}
}

// Re-exported error kinds so host code can match failures without
// importing internal packages.
type (
	EncodingError  = payload.EncodingError
	TransportError = client.TransportError
	ProtocolError  = client.ProtocolError
)

// State is the interception state of a form.
type State = intercept.State

const (
	StateIdle          = intercept.Idle
	StateAwaitingToken = intercept.AwaitingToken
	StateTokenReceived = intercept.TokenReceived
	StateResubmitting  = intercept.Resubmitting
	StateSubmitted     = intercept.Submitted
	StateFailed        = intercept.Failed
)

// ErrNoEndpoint is returned by Run when no endpoint is configured.
var ErrNoEndpoint = errors.New("captcha: no verification endpoint configured")

type options struct {
	clock      clock.Clock
	logger     *slog.Logger
	httpClient *http.Client
	hook       func(intercept.Transition)
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.httpClient = h }
}

// WithTransitionHook observes interception state changes.
func WithTransitionHook(fn func(intercept.Transition)) Option {
	return func(o *options) { o.hook = fn }
}

// Captcha owns one capture session and its submission path.
type Captcha struct {
	config     Config
	logger     *slog.Logger
	session    *capture.Session
	client     *client.Client
	controller *intercept.Controller
}

// New starts capturing on doc. With AutoIntercept, every form currently
// in doc is intercepted; forms inserted later must be passed to
// Intercept.
func New(doc *page.Document, cfg Config, opts ...Option) *Captcha {
	o := options{logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MotionLimit <= 0 {
		cfg.MotionLimit = throttle.DefaultLimit
	}
	if cfg.TokenField == "" {
		cfg.TokenField = intercept.DefaultTokenField
	}

	session := capture.NewSession(doc, capture.Options{
		Clock:             o.clock,
		MotionLimit:       cfg.MotionLimit,
		RecordFieldValues: cfg.RecordFieldValues,
		Logger:            o.logger,
	})
	session.Attach(doc)

	clientOpts := []client.Option{client.WithLogger(o.logger)}
	if cfg.Credential != "" {
		clientOpts = append(clientOpts, client.WithCredential(cfg.Credential))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(o.httpClient))
	}

	c := &Captcha{
		config:  cfg,
		logger:  o.logger.With("session_id", session.ID()),
		session: session,
		client:  client.New(cfg.Endpoint, clientOpts...),
	}

	controllerOpts := []intercept.Option{
		intercept.WithTokenField(cfg.TokenField),
		intercept.WithLogger(c.logger),
	}
	if o.hook != nil {
		controllerOpts = append(controllerOpts, intercept.WithTransitionHook(o.hook))
	}
	c.controller = intercept.New(c.Run, controllerOpts...)

	if cfg.AutoIntercept {
		c.Intercept(doc.Forms()...)
	}
	c.logger.Info("captcha capture started", "auto_intercept", cfg.AutoIntercept, "endpoint", c.client.Endpoint())
	return c
}

// Intercept binds the interception state machine to forms. Forms that
// were not present when capture started are also registered for field
// capture.
func (c *Captcha) Intercept(forms ...*page.Form) {
	for _, f := range forms {
		c.session.ObserveForm(f)
		c.controller.Bind(f)
	}
}

// Run snapshots the evidence collected so far, submits it and returns
// the token. Capture keeps running whatever the outcome.
func (c *Captcha) Run(ctx context.Context) (string, error) {
	if c.config.Endpoint == "" {
		return "", ErrNoEndpoint
	}
	if c.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.SubmitTimeout)
		defer cancel()
	}

	snapshot := c.session.Snapshot()
	encoded, err := payload.Encode(snapshot)
	if err != nil {
		c.logger.Error("evidence encoding failed", "error", err)
		return "", fmt.Errorf("run challenge: %w", err)
	}

	token, err := c.client.Submit(ctx, encoded)
	if err != nil {
		c.logger.Warn("challenge submission failed", "error", err)
		return "", fmt.Errorf("run challenge: %w", err)
	}
	c.logger.Info("challenge token obtained", "interactions", snapshot.Interactions.Count(), "duration_ms", snapshot.Duration)
	return token, nil
}

// Session exposes the capture session.
func (c *Captcha) Session() *capture.Session { return c.session }

// State reports the interception state of f.
func (c *Captcha) State(f *page.Form) State { return c.controller.State(f) }

// Wait blocks until in-flight interception attempts have settled.
func (c *Captcha) Wait() { c.controller.Wait() }

// Close stops pending throttled samples and waits for interception
// attempts to settle.
func (c *Captcha) Close() {
	c.session.Close()
	c.controller.Wait()
}
