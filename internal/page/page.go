// Package page is a small host-neutral model of a web page: a Document
// dispatching input events to listeners, and Forms with named fields and
// a default submission action. Browser bridges, trace replayers and
// tests drive it; capture and interception bind to it.
package page

import (
	"sync"
	"sync/atomic"

	"github.com/vincentbai/browsetrace-captcha/internal/models"
)

type EventType string

const (
	MouseMove  EventType = "mousemove"
	MouseDown  EventType = "mousedown"
	MouseUp    EventType = "mouseup"
	KeyDown    EventType = "keydown"
	Scroll     EventType = "scroll"
	TouchStart EventType = "touchstart"
	TouchMove  EventType = "touchmove"
	TouchEnd   EventType = "touchend"
	Submit     EventType = "submit"
)

// TouchPoint is one contact of a touch event.
type TouchPoint struct {
	ClientX float64
	ClientY float64
	Force   float64
}

// Event is a raw input event. Only the fields relevant to Type are set.
type Event struct {
	Type           EventType
	ClientX        float64
	ClientY        float64
	Key            string
	Touches        []TouchPoint
	ChangedTouches []TouchPoint
	Form           *Form

	prevented atomic.Bool
}

// PreventDefault suppresses the default action of a cancelable event.
func (e *Event) PreventDefault() { e.prevented.Store(true) }

func (e *Event) DefaultPrevented() bool { return e.prevented.Load() }

type Listener func(*Event)

// Document dispatches events to listeners in registration order.
type Document struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	forms     []*Form
	userAgent string
	viewport  models.Viewport
	scrollTop float64
}

func NewDocument(userAgent string, viewport models.Viewport) *Document {
	return &Document{
		listeners: make(map[EventType][]Listener),
		userAgent: userAgent,
		viewport:  viewport,
	}
}

func (d *Document) UserAgent() string { return d.userAgent }

func (d *Document) Viewport() models.Viewport { return d.viewport }

func (d *Document) AddEventListener(t EventType, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[t] = append(d.listeners[t], l)
}

// Dispatch delivers e to every listener for its type on the calling
// goroutine.
func (d *Document) Dispatch(e *Event) {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners[e.Type]...)
	d.mu.RUnlock()
	for _, l := range listeners {
		l(e)
	}
}

// ScrollTo sets the document scroll offset and dispatches a scroll event.
func (d *Document) ScrollTo(top float64) {
	d.mu.Lock()
	d.scrollTop = top
	d.mu.Unlock()
	d.Dispatch(&Event{Type: Scroll})
}

func (d *Document) ScrollTop() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scrollTop
}

// AddForm inserts a form into the document.
func (d *Document) AddForm(f *Form) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forms = append(d.forms, f)
}

// Forms returns the forms currently in the document.
func (d *Document) Forms() []*Form {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Form(nil), d.forms...)
}

// FormByName returns the first form with the given name.
func (d *Document) FormByName(name string) (*Form, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.forms {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}
