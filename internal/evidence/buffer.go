// Package evidence holds the append-only interaction store of a capture
// session.
//
// Thread-safe: every append and snapshot holds the buffer mutex, so a
// snapshot never observes a partially appended record.
package evidence

import (
	"sync"

	"github.com/vincentbai/browsetrace-captcha/internal/models"
)

// Buffer keeps one ordered sequence per interaction category. Records are
// only ever appended.
type Buffer struct {
	mu   sync.RWMutex
	data models.Interactions
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) AppendPointerMove(r models.MouseMovement) {
	b.mu.Lock()
	b.data.MouseMovements = append(b.data.MouseMovements, r)
	b.mu.Unlock()
}

func (b *Buffer) AppendKeyPress(r models.KeyPress) {
	b.mu.Lock()
	b.data.KeyPresses = append(b.data.KeyPresses, r)
	b.mu.Unlock()
}

func (b *Buffer) AppendScroll(r models.ScrollEvent) {
	b.mu.Lock()
	b.data.ScrollEvents = append(b.data.ScrollEvents, r)
	b.mu.Unlock()
}

func (b *Buffer) AppendFormField(r models.FormInteraction) {
	if r.Value != nil {
		v := *r.Value
		r.Value = &v
	}
	b.mu.Lock()
	b.data.FormInteractions = append(b.data.FormInteractions, r)
	b.mu.Unlock()
}

func (b *Buffer) AppendTouch(r models.TouchEvent) {
	b.mu.Lock()
	b.data.TouchEvents = append(b.data.TouchEvents, r)
	b.mu.Unlock()
}

func (b *Buffer) AppendClick(r models.MouseClick) {
	b.mu.Lock()
	b.data.MouseClicks = append(b.data.MouseClicks, r)
	b.mu.Unlock()
}

// Snapshot returns a deep copy of the buffer contents. Empty categories
// are returned as empty, non-nil slices so they encode as [].
func (b *Buffer) Snapshot() models.Interactions {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return models.Interactions{
		MouseMovements:   cloneSlice(b.data.MouseMovements),
		KeyPresses:       cloneSlice(b.data.KeyPresses),
		ScrollEvents:     cloneSlice(b.data.ScrollEvents),
		FormInteractions: cloneForm(b.data.FormInteractions),
		TouchEvents:      cloneSlice(b.data.TouchEvents),
		MouseClicks:      cloneSlice(b.data.MouseClicks),
	}
}

// Len returns the total number of stored records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data.Count()
}

func cloneSlice[T any](src []T) []T {
	out := make([]T, len(src))
	copy(out, src)
	return out
}

func cloneForm(src []models.FormInteraction) []models.FormInteraction {
	out := make([]models.FormInteraction, len(src))
	for i, r := range src {
		if r.Value != nil {
			v := *r.Value
			r.Value = &v
		}
		out[i] = r
	}
	return out
}
