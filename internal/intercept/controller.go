// Package intercept holds a form's submission until a challenge token has
// been obtained and attached to it.
package intercept

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
)

// DefaultTokenField is the hidden field carrying the token on resubmit.
const DefaultTokenField = "captcha_token"

type State int

const (
	Idle State = iota
	AwaitingToken
	TokenReceived
	Resubmitting
	Submitted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingToken:
		return "awaiting_token"
	case TokenReceived:
		return "token_received"
	case Resubmitting:
		return "resubmitting"
	case Submitted:
		return "submitted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// TokenFunc obtains a token, typically by encoding the current evidence
// and submitting it.
type TokenFunc func(ctx context.Context) (string, error)

// Transition describes one state change of a bound form.
type Transition struct {
	Form *page.Form
	From State
	To   State
	Err  error
}

// Controller runs one state machine per bound form. A submit while a form
// awaits its token is suppressed and ignored.
type Controller struct {
	obtain     TokenFunc
	tokenField string
	baseCtx    context.Context
	logger     *slog.Logger
	hook       func(Transition)

	mu     sync.Mutex
	states map[*page.Form]State
	wg     sync.WaitGroup
}

type Option func(*Controller)

func WithTokenField(name string) Option {
	return func(c *Controller) { c.tokenField = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTransitionHook registers fn to observe every transition. fn runs on
// the goroutine that caused the transition, without controller locks held.
func WithTransitionHook(fn func(Transition)) Option {
	return func(c *Controller) { c.hook = fn }
}

// WithContext sets the parent context of every token request.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.baseCtx = ctx }
}

func New(obtain TokenFunc, opts ...Option) *Controller {
	c := &Controller{
		obtain:     obtain,
		tokenField: DefaultTokenField,
		baseCtx:    context.Background(),
		logger:     logging.Discard(),
		states:     make(map[*page.Form]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind starts intercepting submissions of f. Binding twice is a no-op.
func (c *Controller) Bind(f *page.Form) {
	c.mu.Lock()
	if _, ok := c.states[f]; ok {
		c.mu.Unlock()
		return
	}
	c.states[f] = Idle
	c.mu.Unlock()

	f.AddSubmitListener(func(e *page.Event) { c.onSubmit(f, e) })
}

// State reports the current state of f; unbound forms report Idle.
func (c *Controller) State(f *page.Form) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[f]
}

// Wait blocks until every in-flight token request has settled.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) onSubmit(f *page.Form, e *page.Event) {
	e.PreventDefault()

	c.mu.Lock()
	from := c.states[f]
	switch from {
	case AwaitingToken, TokenReceived, Resubmitting:
		c.mu.Unlock()
		c.logger.Debug("submit ignored while token pending", "form", f.Name(), "state", from.String())
		return
	}
	c.states[f] = AwaitingToken
	c.wg.Add(1)
	c.mu.Unlock()

	// a token from an earlier attempt is spent
	f.RemoveField(c.tokenField)

	c.notify(Transition{Form: f, From: from, To: AwaitingToken})
	go c.resolve(f)
}

func (c *Controller) resolve(f *page.Form) {
	defer c.wg.Done()

	token, err := c.obtain(c.baseCtx)
	if err != nil {
		c.logger.Warn("challenge failed, form left unsubmitted", "form", f.Name(), "error", err)
		c.set(f, AwaitingToken, Failed, err)
		return
	}

	f.SetHidden(c.tokenField, token)
	c.set(f, AwaitingToken, TokenReceived, nil)
	c.set(f, TokenReceived, Resubmitting, nil)
	f.Submit()
	c.set(f, Resubmitting, Submitted, nil)
	c.logger.Info("form resubmitted with token", "form", f.Name())
}

func (c *Controller) set(f *page.Form, from, to State, err error) {
	c.mu.Lock()
	c.states[f] = to
	c.mu.Unlock()
	c.notify(Transition{Form: f, From: from, To: to, Err: err})
}

func (c *Controller) notify(t Transition) {
	c.logger.Debug("interception transition", "form", t.Form.Name(), "from", t.From.String(), "to", t.To.String())
	if c.hook != nil {
		c.hook(t)
	}
}
