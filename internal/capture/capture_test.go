package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/browsetrace-captcha/internal/clock"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/payload"
)

const start = 1_700_000_000_000

func setupSession(t *testing.T, opts Options, forms ...*page.Form) (*Session, *page.Document, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(time.UnixMilli(start))
	doc := page.NewDocument("test-agent/1.0", models.Viewport{Width: 1024, Height: 768})
	for _, f := range forms {
		doc.AddForm(f)
	}
	opts.Clock = c
	s := NewSession(doc, opts)
	s.Attach(doc)
	t.Cleanup(s.Close)
	return s, doc, c
}

func move(doc *page.Document, x, y float64) {
	doc.Dispatch(&page.Event{Type: page.MouseMove, ClientX: x, ClientY: y})
}

func TestPointerBurstKeepsLastPosition(t *testing.T) {
	s, doc, c := setupSession(t, Options{})

	move(doc, 10, 20)
	c.Advance(50 * time.Millisecond)
	move(doc, 15, 25)
	c.Advance(100 * time.Millisecond)

	moves := s.Buffer().Snapshot().MouseMovements
	require.Len(t, moves, 2)
	assert.Equal(t, models.MouseMovement{X: 10, Y: 20, Time: start}, moves[0])
	assert.Equal(t, models.MouseMovement{X: 15, Y: 25, Time: start + 100}, moves[1])
}

func TestPointerBurstInsideOpenWindow(t *testing.T) {
	s, doc, c := setupSession(t, Options{})
	move(doc, 0, 0)
	c.Advance(10 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		move(doc, float64(i), float64(i))
		c.Advance(5 * time.Millisecond)
	}
	c.Advance(200 * time.Millisecond)

	moves := s.Buffer().Snapshot().MouseMovements
	require.Len(t, moves, 2)
	assert.Equal(t, 5.0, moves[1].X)
}

func TestFormFieldsRecordedInOrder(t *testing.T) {
	submitted := 0
	form := page.NewForm("signup", func(page.Submission) { submitted++ })
	form.SetField("name", "a")
	form.SetField("email", "b@c.com")
	s, _, _ := setupSession(t, Options{RecordFieldValues: true}, form)

	assert.True(t, form.RequestSubmit(), "capture must not block the submission")
	assert.Equal(t, 1, submitted)

	fields := s.Buffer().Snapshot().FormInteractions
	require.Len(t, fields, 2)
	assert.Equal(t, "name", fields[0].Field)
	assert.Equal(t, "a", *fields[0].Value)
	assert.Equal(t, "email", fields[1].Field)
	assert.Equal(t, "b@c.com", *fields[1].Value)
}

func TestFormValuesOmittedByDefault(t *testing.T) {
	form := page.NewForm("login", nil)
	form.SetField("user", "alice")
	form.SetField("password", "hunter2")
	s, _, _ := setupSession(t, Options{}, form)

	form.RequestSubmit()

	fields := s.Buffer().Snapshot().FormInteractions
	require.Len(t, fields, 2)
	for _, f := range fields {
		assert.Nil(t, f.Value)
	}
}

func TestHiddenFieldsNotRecorded(t *testing.T) {
	form := page.NewForm("login", nil)
	form.SetField("user", "alice")
	form.SetHidden("captcha_token", "tok-1")
	s, _, _ := setupSession(t, Options{RecordFieldValues: true}, form)

	form.RequestSubmit()

	fields := s.Buffer().Snapshot().FormInteractions
	require.Len(t, fields, 1)
	assert.Equal(t, "user", fields[0].Field)
	assert.Equal(t, "alice", *fields[0].Value)
}

func TestFormsAddedAfterAttachAreNotObserved(t *testing.T) {
	s, doc, _ := setupSession(t, Options{})
	late := page.NewForm("late", nil)
	late.SetField("q", "x")
	doc.AddForm(late)

	late.RequestSubmit()
	assert.Empty(t, s.Buffer().Snapshot().FormInteractions)

	s.ObserveForm(late)
	s.ObserveForm(late)
	late.RequestSubmit()
	assert.Len(t, s.Buffer().Snapshot().FormInteractions, 1)
}

func TestTouchEvents(t *testing.T) {
	s, doc, c := setupSession(t, Options{})

	doc.Dispatch(&page.Event{Type: page.TouchStart, Touches: []page.TouchPoint{{ClientX: 1, ClientY: 2, Force: 0.5}}})
	doc.Dispatch(&page.Event{Type: page.TouchStart})
	doc.Dispatch(&page.Event{Type: page.TouchMove, Touches: []page.TouchPoint{{ClientX: 3, ClientY: 4}}})
	doc.Dispatch(&page.Event{Type: page.TouchMove, Touches: []page.TouchPoint{{ClientX: 5, ClientY: 6}}})
	c.Advance(100 * time.Millisecond)
	doc.Dispatch(&page.Event{Type: page.TouchEnd, ChangedTouches: []page.TouchPoint{{ClientX: 7, ClientY: 8, Force: 0.1}}})
	doc.Dispatch(&page.Event{Type: page.TouchEnd, Touches: []page.TouchPoint{{ClientX: 9}}})

	touches := s.Buffer().Snapshot().TouchEvents
	require.Len(t, touches, 4)
	assert.Equal(t, models.TouchEvent{Type: models.TouchStart, X: 1, Y: 2, Time: start, Force: 0.5}, touches[0])
	assert.Equal(t, models.TouchMove, touches[1].Type)
	assert.Equal(t, 3.0, touches[1].X)
	assert.Equal(t, 5.0, touches[2].X)
	assert.Equal(t, models.TouchEnd, touches[3].Type)
	assert.Equal(t, 0.1, touches[3].Force)
}

func TestKeysScrollAndClicks(t *testing.T) {
	s, doc, c := setupSession(t, Options{})

	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "h"})
	c.Advance(time.Millisecond)
	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "i"})
	doc.ScrollTo(120)
	doc.Dispatch(&page.Event{Type: page.MouseDown, ClientX: 5, ClientY: 6})
	doc.Dispatch(&page.Event{Type: page.MouseUp, ClientX: 5, ClientY: 6})

	snap := s.Buffer().Snapshot()
	assert.Equal(t, []models.KeyPress{{Key: "h", Time: start}, {Key: "i", Time: start + 1}}, snap.KeyPresses)
	assert.Equal(t, []models.ScrollEvent{{ScrollTop: 120, Time: start + 1}}, snap.ScrollEvents)
	require.Len(t, snap.MouseClicks, 2)
	assert.Equal(t, models.ClickDown, snap.MouseClicks[0].Type)
	assert.Equal(t, models.ClickUp, snap.MouseClicks[1].Type)
}

func TestAttachIsIdempotent(t *testing.T) {
	s, doc, _ := setupSession(t, Options{})
	s.Attach(doc)

	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "a"})

	assert.Len(t, s.Buffer().Snapshot().KeyPresses, 1)
}

func TestSnapshotMetadataAndIdempotence(t *testing.T) {
	s, doc, c := setupSession(t, Options{})
	doc.Dispatch(&page.Event{Type: page.KeyDown, Key: "a"})
	c.Advance(2500 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, int64(2500), snap.Duration)
	assert.Equal(t, int64(start), snap.LoadTimestamp)
	assert.Equal(t, "test-agent/1.0", snap.UserAgent)
	assert.Equal(t, models.Viewport{Width: 1024, Height: 768}, snap.Viewport)

	first, err := s.Encode()
	require.NoError(t, err)
	second, err := s.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	decoded, err := payload.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
	assert.Len(t, s.Buffer().Snapshot().KeyPresses, 1, "snapshots never drain the buffer")
}

func TestSessionsAreIndependent(t *testing.T) {
	a, docA, _ := setupSession(t, Options{})
	b, _, _ := setupSession(t, Options{})

	docA.Dispatch(&page.Event{Type: page.KeyDown, Key: "x"})

	assert.Equal(t, 1, a.Buffer().Len())
	assert.Zero(t, b.Buffer().Len())
	assert.NotEqual(t, a.ID(), b.ID())
}
