// Package capture records how a user interacts with a page into a
// session-owned evidence buffer.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/browsetrace-captcha/internal/clock"
	"github.com/vincentbai/browsetrace-captcha/internal/evidence"
	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/payload"
	"github.com/vincentbai/browsetrace-captcha/internal/throttle"
)

// Options configures a Session.
type Options struct {
	// Clock drives timestamps and throttle timers. Defaults to wall time.
	Clock clock.Clock
	// MotionLimit bounds pointer and touch motion sampling. Defaults to
	// throttle.DefaultLimit.
	MotionLimit time.Duration
	// RecordFieldValues stores form field values alongside field names.
	// Off by default so captured evidence carries no form contents.
	RecordFieldValues bool
	Logger            *slog.Logger
}

// Session is one page lifetime of capture: the evidence buffer, the
// load timestamp and a static environment snapshot.
type Session struct {
	id                string
	clock             clock.Clock
	logger            *slog.Logger
	buffer            *evidence.Buffer
	loadTimestamp     int64
	userAgent         string
	viewport          models.Viewport
	motionLimit       time.Duration
	recordFieldValues bool

	attachOnce sync.Once
	mu         sync.Mutex
	throttles  []interface{ Stop() }
	forms      map[*page.Form]bool
}

// NewSession starts a session. The load timestamp is taken now and the
// environment is copied from doc.
func NewSession(doc *page.Document, opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	limit := opts.MotionLimit
	if limit <= 0 {
		limit = throttle.DefaultLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Session{
		id:                uuid.NewString(),
		clock:             clk,
		buffer:            evidence.NewBuffer(),
		loadTimestamp:     clock.Millis(clk.Now()),
		userAgent:         doc.UserAgent(),
		viewport:          doc.Viewport(),
		motionLimit:       limit,
		recordFieldValues: opts.RecordFieldValues,
		forms:             make(map[*page.Form]bool),
	}
	s.logger = logger.With("session_id", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) LoadTimestamp() int64 { return s.loadTimestamp }

// Buffer exposes the evidence store for reading.
func (s *Session) Buffer() *evidence.Buffer { return s.buffer }

// Snapshot builds the payload for this instant without draining the
// buffer.
func (s *Session) Snapshot() models.Payload {
	now := clock.Millis(s.clock.Now())
	return models.Payload{
		Interactions:  s.buffer.Snapshot(),
		Duration:      now - s.loadTimestamp,
		UserAgent:     s.userAgent,
		Viewport:      s.viewport,
		LoadTimestamp: s.loadTimestamp,
	}
}

// Encode snapshots the session and encodes the result.
func (s *Session) Encode() (string, error) {
	return payload.Encode(s.Snapshot())
}

// Close cancels pending throttled samples. Capture listeners stay bound.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.throttles {
		t.Stop()
	}
}

func (s *Session) now() int64 {
	return clock.Millis(s.clock.Now())
}
