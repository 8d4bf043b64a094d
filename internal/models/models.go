package models

// Touch and click phases as they appear in the "type" field.
const (
	TouchStart = "start"
	TouchMove  = "move"
	TouchEnd   = "end"

	ClickDown = "down"
	ClickUp   = "up"
)

type MouseMovement struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Time int64   `json:"time"`
}

type KeyPress struct {
	Key  string `json:"key"`
	Time int64  `json:"time"`
}

type ScrollEvent struct {
	ScrollTop float64 `json:"scrollTop"`
	Time      int64   `json:"time"`
}

type FormInteraction struct {
	Field string  `json:"field"`
	Value *string `json:"value,omitempty"` // nil when values are not recorded
	Time  int64   `json:"time"`
}

type TouchEvent struct {
	Type  string  `json:"type"` // start|move|end
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Time  int64   `json:"time"`
	Force float64 `json:"force"`
}

type MouseClick struct {
	Type string  `json:"type"` // down|up
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Time int64   `json:"time"`
}

// Interactions holds one ordered sequence per capture category.
type Interactions struct {
	MouseMovements   []MouseMovement   `json:"mouseMovements"`
	KeyPresses       []KeyPress        `json:"keyPresses"`
	ScrollEvents     []ScrollEvent     `json:"scrollEvents"`
	FormInteractions []FormInteraction `json:"formInteractions"`
	TouchEvents      []TouchEvent      `json:"touchEvents"`
	MouseClicks      []MouseClick      `json:"mouseClicks"`
}

// Count returns the total number of records across all categories.
func (i Interactions) Count() int {
	return len(i.MouseMovements) + len(i.KeyPresses) + len(i.ScrollEvents) +
		len(i.FormInteractions) + len(i.TouchEvents) + len(i.MouseClicks)
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Payload is the evidence snapshot sent to the verification endpoint
// before encoding.
type Payload struct {
	Interactions  Interactions `json:"interactions"`
	Duration      int64        `json:"duration"`
	UserAgent     string       `json:"userAgent"`
	Viewport      Viewport     `json:"viewport"`
	LoadTimestamp int64        `json:"loadTimestamp"`
}

// ChallengeRequest is the body of POST /api/challenge.
type ChallengeRequest struct {
	Data string `json:"data"`
	Save bool   `json:"save,omitempty"`
}

// ChallengeResponse is the body returned by the verification endpoint.
type ChallengeResponse struct {
	Token string `json:"token"`
}

// StoreRequest carries labelled evidence for POST /api/store.
type StoreRequest struct {
	Data      string   `json:"data"`
	SessionID string   `json:"session_id,omitempty"`
	Label     *float64 `json:"label,omitempty"`
}

type UpdateRequest struct {
	InteractionID string   `json:"interaction_id"`
	Label         *float64 `json:"label"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type VerifyResponse struct {
	Valid         bool    `json:"valid"`
	Score         float64 `json:"score,omitempty"`
	InteractionID string  `json:"interaction_id,omitempty"`
	Error         string  `json:"error,omitempty"`
}
