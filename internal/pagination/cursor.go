// Package pagination implements keyset cursors over newest-first listings
// ordered by (created_at, key).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position of the last item on a page. Key breaks ties
// between items created at the same instant; for escrows it is the
// contract address.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// Encode returns an opaque, URL-safe cursor.
func Encode(createdAt time.Time, key string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. It returns nil for the empty
// string, which means "start from the newest".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanoStr, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanoStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), Key: key}, nil
}

// ComputePage trims items fetched with limit+1 down to limit and, when the
// extra item was present, returns the cursor of the last kept item.
func ComputePage[T any](items []T, limit int, position func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, key := position(items[len(items)-1])
	return items, Encode(createdAt, key), true
}
