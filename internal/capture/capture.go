package capture

import (
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/throttle"
)

// Attach binds the capture handlers to doc and to every form present in
// it right now. Only the first call has any effect. Forms inserted later
// are not observed unless passed to ObserveForm.
func (s *Session) Attach(doc *page.Document) {
	s.attachOnce.Do(func() {
		mouse := throttle.New(s.clock, s.motionLimit, s.onMouseMove)
		touch := throttle.New(s.clock, s.motionLimit, s.onTouchMove)
		s.mu.Lock()
		s.throttles = append(s.throttles, mouse, touch)
		s.mu.Unlock()

		doc.AddEventListener(page.MouseMove, mouse.Call)
		doc.AddEventListener(page.KeyDown, s.onKeyDown)
		doc.AddEventListener(page.Scroll, func(*page.Event) { s.onScroll(doc.ScrollTop()) })
		doc.AddEventListener(page.TouchStart, s.onTouchStart)
		doc.AddEventListener(page.TouchMove, touch.Call)
		doc.AddEventListener(page.TouchEnd, s.onTouchEnd)
		doc.AddEventListener(page.MouseDown, s.onClick(models.ClickDown))
		doc.AddEventListener(page.MouseUp, s.onClick(models.ClickUp))

		forms := doc.Forms()
		for _, f := range forms {
			s.ObserveForm(f)
		}
		s.logger.Debug("capture attached", "forms", len(forms), "motion_limit", s.motionLimit)
	})
}

// ObserveForm records the named visible fields of f on every submit.
// Hidden fields, such as an attached challenge token, are skipped.
// Observing the same form twice is a no-op.
func (s *Session) ObserveForm(f *page.Form) {
	s.mu.Lock()
	if s.forms[f] {
		s.mu.Unlock()
		return
	}
	s.forms[f] = true
	s.mu.Unlock()

	f.AddSubmitListener(func(*page.Event) { s.onSubmit(f) })
}

func (s *Session) onMouseMove(e *page.Event) {
	r := models.MouseMovement{X: e.ClientX, Y: e.ClientY, Time: s.now()}
	s.buffer.AppendPointerMove(r)
	s.logger.Debug("mouse move", "x", r.X, "y", r.Y)
}

func (s *Session) onKeyDown(e *page.Event) {
	s.buffer.AppendKeyPress(models.KeyPress{Key: e.Key, Time: s.now()})
	s.logger.Debug("key press", "key", e.Key)
}

func (s *Session) onScroll(top float64) {
	s.buffer.AppendScroll(models.ScrollEvent{ScrollTop: top, Time: s.now()})
	s.logger.Debug("scroll", "scroll_top", top)
}

func (s *Session) onSubmit(f *page.Form) {
	ts := s.now()
	for _, field := range f.Fields() {
		if field.Hidden {
			continue
		}
		r := models.FormInteraction{Field: field.Name, Time: ts}
		if s.recordFieldValues {
			v := field.Value
			r.Value = &v
		}
		s.buffer.AppendFormField(r)
	}
	s.logger.Debug("form interaction", "form", f.Name())
}

func (s *Session) onTouchStart(e *page.Event) {
	s.appendTouch(models.TouchStart, e.Touches)
}

func (s *Session) onTouchMove(e *page.Event) {
	s.appendTouch(models.TouchMove, e.Touches)
}

func (s *Session) onTouchEnd(e *page.Event) {
	s.appendTouch(models.TouchEnd, e.ChangedTouches)
}

// appendTouch records the first contact point; an event without one is
// skipped.
func (s *Session) appendTouch(phase string, points []page.TouchPoint) {
	if len(points) == 0 {
		s.logger.Debug("touch without contact point", "type", phase)
		return
	}
	p := points[0]
	s.buffer.AppendTouch(models.TouchEvent{
		Type:  phase,
		X:     p.ClientX,
		Y:     p.ClientY,
		Time:  s.now(),
		Force: p.Force,
	})
	s.logger.Debug("touch", "type", phase, "x", p.ClientX, "y", p.ClientY)
}

func (s *Session) onClick(phase string) page.Listener {
	return func(e *page.Event) {
		s.buffer.AppendClick(models.MouseClick{Type: phase, X: e.ClientX, Y: e.ClientY, Time: s.now()})
		s.logger.Debug("mouse click", "type", phase, "x", e.ClientX, "y", e.ClientY)
	}
}
