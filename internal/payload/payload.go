// Package payload turns an evidence snapshot into the opaque string sent
// to the verification endpoint: canonical JSON, then standard base64.
// The encoding is obfuscation only.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vincentbai/browsetrace-captcha/internal/models"
)

// EncodingError reports a snapshot that has no canonical JSON form, such
// as a NaN coordinate. The buffer is untouched and the caller may retry.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode payload: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encode serializes p. Equal inputs always produce equal outputs.
func Encode(p models.Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", &EncodingError{Err: err}
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode(s string) (models.Payload, error) {
	var p models.Payload
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("decode base64 payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload json: %w", err)
	}
	return p, nil
}
