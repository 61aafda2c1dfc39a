package domain

import (
	"encoding/json"
	"fmt"
)

// Session is passed through the data source untouched.
// The data source never inspects it beyond (de)serialization for hydration.
type Session struct {
	ID   string  `json:"id"`
	Type *string `json:"type,omitempty"`
	Long bool    `json:"long"`
}

func SessionFromJSON(data []byte) (Session, error) {
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("%w: failed to parse session: %w", ErrMalformedRequest, err)
	}
	return session, nil
}
