package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

// ErrInvalidCursor wraps every cursor decoding failure.
var ErrInvalidCursor = errors.New("invalid cursor")

// Params holds cursor pagination inputs from controllers or services.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the keyset position of the last row on a page: the sort column
// value plus the row id as tie-breaker.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Direction is the keyset walk order.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// NormalizeLimit clamps limit into [1, MaxLimit], using DefaultLimit for zero
// or negative input.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer is the normalized limit plus the lookahead row used to detect a
// following page.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor renders "<unix nanos>.<id>" as unpadded URL-safe base64.
func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.At.UTC().UnixNano(), 10) + "." + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a cursor produced by EncodeCursor. Blank input yields a
// nil cursor, meaning the first page.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanos, id, ok := strings.Cut(string(decoded), ".")
	if !ok {
		return nil, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrInvalidCursor, err)
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidCursor, err)
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: parsedID}, nil
}

// Seek applies keyset filtering, ordering and the buffered limit for column
// to query. The id column breaks ties.
func Seek(query *gorm.DB, column string, params Params, dir Direction) (*gorm.DB, error) {
	cursor, err := ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	op, order := ">", "ASC"
	if dir == Descending {
		op, order = "<", "DESC"
	}
	if cursor != nil {
		query = query.Where(
			fmt.Sprintf("(%[1]s %[2]s ?) OR (%[1]s = ? AND id %[2]s ?)", column, op),
			cursor.At, cursor.At, cursor.ID,
		)
	}
	return query.
		Order(column + " " + order).
		Order("id " + order).
		Limit(LimitWithBuffer(params.Limit)), nil
}

// Page is the envelope returned by list endpoints.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Trim cuts the lookahead row fetched by Seek and derives the next cursor from
// the last kept row.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) Page[T] {
	limit = NormalizeLimit(limit)
	if rows == nil {
		rows = []T{}
	}
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	items := rows[:limit]
	return Page[T]{Items: items, NextCursor: EncodeCursor(cursorOf(items[limit-1]))}
}
