// Package replay drives a page.Document from a recorded JSONL trace so the
// capture pipeline can be exercised without a browser.
//
// Each line is one step:
//
//	{"type":"form","form":"login","fields":["user","password"]}
//	{"type":"mousemove","x":10,"y":20,"delay_ms":16}
//	{"type":"field","form":"login","field":"user","value":"alice"}
//	{"type":"submit","form":"login","delay_ms":500}
//
// Blank lines and lines starting with '#' are ignored.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vincentbai/browsetrace-captcha/internal/clock"
	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
)

// Step types beyond the raw page event types.
const (
	StepForm   = "form"
	StepField  = "field"
	StepSubmit = "submit"
)

type Step struct {
	Type      string   `json:"type"`
	DelayMS   int64    `json:"delay_ms,omitempty"`
	X         float64  `json:"x,omitempty"`
	Y         float64  `json:"y,omitempty"`
	Force     float64  `json:"force,omitempty"`
	Key       string   `json:"key,omitempty"`
	ScrollTop float64  `json:"scroll_top,omitempty"`
	Form      string   `json:"form,omitempty"`
	Field     string   `json:"field,omitempty"`
	Value     string   `json:"value,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

func (s Step) delay() time.Duration {
	return time.Duration(s.DelayMS) * time.Millisecond
}

var knownTypes = map[string]bool{
	string(page.MouseMove):  true,
	string(page.MouseDown):  true,
	string(page.MouseUp):    true,
	string(page.KeyDown):    true,
	string(page.Scroll):     true,
	string(page.TouchStart): true,
	string(page.TouchMove):  true,
	string(page.TouchEnd):   true,
	StepForm:                true,
	StepField:               true,
	StepSubmit:              true,
}

// Read parses a JSONL trace.
func Read(r io.Reader) ([]Step, error) {
	var steps []Step
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var step Step
		if err := json.Unmarshal([]byte(text), &step); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return steps, nil
}

func (s Step) validate() error {
	if !knownTypes[s.Type] {
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	if s.DelayMS < 0 {
		return fmt.Errorf("negative delay_ms %d", s.DelayMS)
	}
	switch s.Type {
	case StepForm, StepSubmit:
		if s.Form == "" {
			return fmt.Errorf("%s step requires form", s.Type)
		}
	case StepField:
		if s.Form == "" || s.Field == "" {
			return fmt.Errorf("field step requires form and field")
		}
	}
	return nil
}

// Forms builds the forms declared by the trace. Adding them to a document
// before a capture session attaches lets the session observe them.
func Forms(steps []Step, action func(page.Submission)) []*page.Form {
	var forms []*page.Form
	for _, s := range steps {
		if s.Type != StepForm {
			continue
		}
		f := page.NewForm(s.Form, action)
		for _, name := range s.Fields {
			f.SetField(name, "")
		}
		forms = append(forms, f)
	}
	return forms
}

type Options struct {
	Clock clock.Clock
	// Speed scales delays; 2 plays twice as fast. Zero means 1.
	Speed  float64
	Action func(page.Submission)
	Logger *slog.Logger
}

// Player dispatches steps into a document, waiting out each step's delay
// on its clock first.
type Player struct {
	doc    *page.Document
	clock  clock.Clock
	speed  float64
	action func(page.Submission)
	logger *slog.Logger
}

func NewPlayer(doc *page.Document, opts Options) *Player {
	p := &Player{
		doc:    doc,
		clock:  opts.Clock,
		speed:  opts.Speed,
		action: opts.Action,
		logger: opts.Logger,
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.speed <= 0 {
		p.speed = 1
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p
}

// Play runs every step in order and returns how many were applied.
func (p *Player) Play(ctx context.Context, steps []Step) (int, error) {
	for i, step := range steps {
		if err := p.wait(ctx, step.delay()); err != nil {
			return i, err
		}
		if err := p.apply(step); err != nil {
			return i, fmt.Errorf("step %d (%s): %w", i+1, step.Type, err)
		}
	}
	return len(steps), nil
}

func (p *Player) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d = time.Duration(float64(d) / p.speed)
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	t := p.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

func (p *Player) apply(s Step) error {
	p.logger.Debug("replay step", "type", s.Type, "form", s.Form)
	switch s.Type {
	case StepForm:
		if _, ok := p.doc.FormByName(s.Form); !ok {
			for _, f := range Forms([]Step{s}, p.action) {
				p.doc.AddForm(f)
			}
		}
	case StepField:
		f, ok := p.doc.FormByName(s.Form)
		if !ok {
			return fmt.Errorf("unknown form %q", s.Form)
		}
		f.SetField(s.Field, s.Value)
	case StepSubmit:
		f, ok := p.doc.FormByName(s.Form)
		if !ok {
			return fmt.Errorf("unknown form %q", s.Form)
		}
		f.RequestSubmit()
	case string(page.Scroll):
		p.doc.ScrollTo(s.ScrollTop)
	case string(page.TouchStart), string(page.TouchMove):
		p.doc.Dispatch(&page.Event{Type: page.EventType(s.Type), Touches: []page.TouchPoint{s.touch()}})
	case string(page.TouchEnd):
		p.doc.Dispatch(&page.Event{Type: page.TouchEnd, ChangedTouches: []page.TouchPoint{s.touch()}})
	default:
		p.doc.Dispatch(&page.Event{Type: page.EventType(s.Type), ClientX: s.X, ClientY: s.Y, Key: s.Key})
	}
	return nil
}

func (s Step) touch() page.TouchPoint {
	return page.TouchPoint{ClientX: s.X, ClientY: s.Y, Force: s.Force}
}
