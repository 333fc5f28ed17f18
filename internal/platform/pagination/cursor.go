package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenVersion prefixes every token so the layout can change without misreading old tokens.
const tokenVersion = "p1"

var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Cursor marks the last item of a page. Lists order by a timestamp and break ties by document id.
type Cursor struct {
	After time.Time
	ID    string
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.After.IsZero() && c.ID == ""
}

// Token renders the cursor as an opaque, URL safe string. The first page has no token.
func (c Cursor) Token() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.After.UTC().UnixNano(), 36) + "|" + c.ID
	return tokenVersion + "." + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseToken reverses Cursor.Token. An empty token is the first page.
func ParseToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	version, body, ok := strings.Cut(token, ".")
	if !ok || version != tokenVersion {
		return Cursor{}, fmt.Errorf("%w: unsupported format", ErrInvalidPageToken)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	stamp, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidPageToken)
	}
	nanos, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return Cursor{After: time.Unix(0, nanos).UTC(), ID: id}, nil
}
