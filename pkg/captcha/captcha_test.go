package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/browsetrace-captcha/internal/clock"
	"github.com/vincentbai/browsetrace-captcha/internal/intercept"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/payload"
)

func newEndpoint(t *testing.T, handler func(w http.ResponseWriter, p models.Payload)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		p, err := payload.Decode(req.Data)
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		handler(w, p)
	}))
	t.Cleanup(server.Close)
	return server
}

func newDocument() *page.Document {
	return page.NewDocument("test-agent", models.Viewport{Width: 800, Height: 600})
}

func TestRunSubmitsCurrentEvidence(t *testing.T) {
	var received atomic.Pointer[models.Payload]
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		received.Store(&p)
		w.Write([]byte(`{"token":"xyz"}`))
	})

	c := clock.NewFake(time.UnixMilli(1_000_000))
	doc := newDocument()
	cc := New(doc, Config{Endpoint: server.URL, Credential: "pub"}, WithClock(c))
	defer cc.Close()

	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "a"})
	c.Advance(3 * time.Second)

	token, err := cc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	p := received.Load()
	require.NotNil(t, p)
	assert.Equal(t, int64(3000), p.Duration)
	assert.Equal(t, "test-agent", p.UserAgent)
	assert.Equal(t, []models.KeyPress{{Key: "a", Time: 1_000_000}}, p.Interactions.KeyPresses)
}

func TestRunWithoutEndpoint(t *testing.T) {
	cc := New(newDocument(), Config{})
	defer cc.Close()

	_, err := cc.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestRunEncodingErrorKeepsBufferAndCapture(t *testing.T) {
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		w.Write([]byte(`{"token":"ok"}`))
	})
	doc := newDocument()
	cc := New(doc, Config{Endpoint: server.URL}, WithClock(clock.NewFake(time.UnixMilli(1))))
	defer cc.Close()

	doc.Dispatch(&page.Event{Type: page.MouseMove, ClientX: math.NaN(), ClientY: 1})

	_, err := cc.Run(context.Background())
	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 1, cc.Session().Buffer().Len())

	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "b"})
	assert.Equal(t, 2, cc.Session().Buffer().Len())
}

func TestRunServerErrorSurfacesTransportError(t *testing.T) {
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cc := New(newDocument(), Config{Endpoint: server.URL})
	defer cc.Close()

	_, err := cc.Run(context.Background())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	cc := New(newDocument(), Config{Endpoint: server.URL, SubmitTimeout: 50 * time.Millisecond})
	defer cc.Close()

	_, err := cc.Run(context.Background())
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAutoInterceptResubmitsWithToken(t *testing.T) {
	var fields atomic.Int32
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		fields.Store(int32(len(p.Interactions.FormInteractions)))
		w.Write([]byte(`{"token":"resolved-token"}`))
	})

	doc := newDocument()
	submissions := make(chan page.Submission, 1)
	form := page.NewForm("contact", func(s page.Submission) { submissions <- s })
	form.SetField("name", "a")
	form.SetField("email", "b@c.com")
	doc.AddForm(form)

	var states []intercept.State
	statesCh := make(chan intercept.State, 8)
	cc := New(doc, Config{Endpoint: server.URL, AutoIntercept: true},
		WithTransitionHook(func(tr intercept.Transition) { statesCh <- tr.To }))
	defer cc.Close()

	assert.False(t, form.RequestSubmit(), "default submission must wait for the token")

	var submission page.Submission
	select {
	case submission = <-submissions:
	case <-time.After(5 * time.Second):
		t.Fatal("form was never resubmitted")
	}
	cc.Wait()
	close(statesCh)
	for s := range statesCh {
		states = append(states, s)
	}

	assert.Equal(t, []intercept.State{intercept.AwaitingToken, intercept.TokenReceived, intercept.Resubmitting, intercept.Submitted}, states)
	assert.Equal(t, intercept.Submitted, cc.State(form))
	assert.Equal(t, int32(2), fields.Load(), "form fields are captured before the evidence is sent")
	assert.Contains(t, submission.Fields, page.Field{Name: "captcha_token", Value: "resolved-token", Hidden: true})
}

func TestInterceptionFailureLeavesFormUnsubmitted(t *testing.T) {
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		w.Write([]byte(`{"nope":true}`))
	})
	doc := newDocument()
	submitted := false
	form := page.NewForm("f", func(page.Submission) { submitted = true })
	doc.AddForm(form)

	cc := New(doc, Config{Endpoint: server.URL, AutoIntercept: true})
	defer cc.Close()

	form.RequestSubmit()
	cc.Wait()

	assert.Equal(t, intercept.Failed, cc.State(form))
	assert.False(t, submitted)
	_, ok := form.Field("captcha_token")
	assert.False(t, ok)
}

func TestInterceptRegistersLateForms(t *testing.T) {
	server := newEndpoint(t, func(w http.ResponseWriter, p models.Payload) {
		w.Write([]byte(`{"token":"t"}`))
	})
	doc := newDocument()
	cc := New(doc, Config{Endpoint: server.URL, AutoIntercept: true})
	defer cc.Close()

	late := page.NewForm("late", nil)
	late.SetField("q", "x")
	doc.AddForm(late)

	assert.True(t, late.RequestSubmit(), "forms inserted after startup are not intercepted automatically")
	assert.Equal(t, intercept.Idle, cc.State(late))

	cc.Intercept(late)
	assert.False(t, late.RequestSubmit())
	cc.Wait()
	assert.Equal(t, intercept.Submitted, cc.State(late))
	assert.Len(t, cc.Session().Buffer().Snapshot().FormInteractions, 1)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.AutoIntercept)
	assert.Empty(t, cfg.Credential)
	assert.Equal(t, 100*time.Millisecond, cfg.MotionLimit)
	assert.Equal(t, DefaultSubmitTimeout, cfg.SubmitTimeout)
	assert.Equal(t, "captcha_token", cfg.TokenField)
}
