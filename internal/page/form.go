package page

import "sync"

// Field is a form control. Fields without a name are not submitted.
type Field struct {
	Name   string
	Value  string
	Hidden bool
}

// Submission is what the default action of a form receives.
type Submission struct {
	Form   string
	Fields []Field
}

// Form is an ordered set of fields with submit listeners and a default
// action.
type Form struct {
	mu        sync.Mutex
	name      string
	fields    []Field
	listeners []Listener
	action    func(Submission)
}

// NewForm creates a form whose default submission calls action.
func NewForm(name string, action func(Submission)) *Form {
	return &Form{name: name, action: action}
}

func (f *Form) Name() string { return f.name }

// SetField updates a field in place or appends it, keeping field order.
func (f *Form) SetField(name, value string) {
	f.setField(Field{Name: name, Value: value})
}

// SetHidden attaches or updates a hidden field.
func (f *Form) SetHidden(name, value string) {
	f.setField(Field{Name: name, Value: value, Hidden: true})
}

func (f *Form) setField(field Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.fields {
		if f.fields[i].Name == field.Name && field.Name != "" {
			f.fields[i].Value = field.Value
			return
		}
	}
	f.fields = append(f.fields, field)
}

// AddUnnamed adds a control that has no name, such as a plain button.
func (f *Form) AddUnnamed(value string) {
	f.setField(Field{Value: value})
}

// RemoveField drops the named field and reports whether it existed.
func (f *Form) RemoveField(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.fields {
		if f.fields[i].Name == name && name != "" {
			f.fields = append(f.fields[:i], f.fields[i+1:]...)
			return true
		}
	}
	return false
}

// Field looks up a named field.
func (f *Form) Field(name string) (Field, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range f.fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Fields returns the named fields in document order.
func (f *Form) Fields() []Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Field, 0, len(f.fields))
	for _, field := range f.fields {
		if field.Name != "" {
			out = append(out, field)
		}
	}
	return out
}

func (f *Form) AddSubmitListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// RequestSubmit fires the submit event and, unless a listener prevented
// it, performs the default submission. It reports whether the default
// submission ran.
func (f *Form) RequestSubmit() bool {
	f.mu.Lock()
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()

	e := &Event{Type: Submit, Form: f}
	for _, l := range listeners {
		l(e)
	}
	if e.DefaultPrevented() {
		return false
	}
	f.Submit()
	return true
}

// Submit performs the default submission without firing submit
// listeners.
func (f *Form) Submit() {
	if f.action == nil {
		return
	}
	f.action(Submission{Form: f.name, Fields: f.Fields()})
}
