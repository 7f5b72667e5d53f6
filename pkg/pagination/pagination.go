package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrInvalidToken reports a page token that did not round-trip through
// EncodeToken.
var ErrInvalidToken = errors.New("invalid_page_token")

// Cursor marks a position in the event log. Pages resume strictly after
// LastEventID.
type Cursor struct {
	LastEventID int64 `json:"last_event_id"`
}

// EncodeToken renders a cursor as an opaque token.
func EncodeToken(c Cursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeToken parses an opaque token back into a cursor. The empty token is
// valid and means "from the beginning".
func DecodeToken(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, ErrInvalidToken
	}
	if c.LastEventID < 0 {
		return Cursor{}, ErrInvalidToken
	}
	return c, nil
}
