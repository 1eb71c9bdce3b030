// Package cursor encodes and decodes opaque keyset pagination tokens.
//
// A token records the sort value and key tiebreak of the row a page ended (or started) on,
// the direction to continue in, and a signature of the query that produced it. Tokens are
// only valid for queries with the same signature.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Direction is the paging direction a token continues in.
type Direction string

const (
	Next Direction = "next"
	Prev Direction = "prev"
)

// ParseDirection parses "next" or "prev". An empty string yields "".
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Next, Prev:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid page direction %q", s)
}

// Error reports a malformed, tampered or stale token.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid cursor: %s: %v", e.Reason, e.Err)
	}
	return "invalid cursor: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Position is a keyset position: the sort value of a boundary row followed by the values of
// its tiebreak columns.
type Position struct {
	Value     any
	Tiebreak  []any
	Direction Direction
}

// Signature identifies the ordering a token belongs to: the sort column, its direction and
// the tiebreak columns that follow it.
func Signature(entity, sortField string, tiebreak []string, desc bool) string {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	key := entity + "\x00" + sortField + "\x00" + strings.Join(tiebreak, ",") + "\x00" + dir
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

type body struct {
	V   typed     `json:"v"`
	ID  []typed   `json:"id"`
	D   Direction `json:"d"`
	Sig string    `json:"s"`
}

// typed keeps the Go type of a value across the JSON round trip.
type typed struct {
	K string `json:"k"`
	V string `json:"v,omitempty"`
}

// Encode mints a token for pos under the given signature.
func Encode(pos Position, sig string) (string, error) {
	v, err := encodeValue(pos.Value)
	if err != nil {
		return "", err
	}
	id := make([]typed, 0, len(pos.Tiebreak))
	for _, tb := range pos.Tiebreak {
		t, err := encodeValue(tb)
		if err != nil {
			return "", err
		}
		id = append(id, t)
	}
	dir := pos.Direction
	if dir == "" {
		dir = Next
	}
	raw, err := json.Marshal(body{V: v, ID: id, D: dir, Sig: sig})
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses token and checks it was minted for sig.
func Decode(token, sig string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, &Error{Reason: "not a cursor token", Err: err}
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return Position{}, &Error{Reason: "not a cursor token", Err: err}
	}
	if b.Sig != sig {
		return Position{}, &Error{Reason: "cursor belongs to a different query or sort order"}
	}
	if b.D != Next && b.D != Prev {
		return Position{}, &Error{Reason: fmt.Sprintf("unknown direction %q", b.D)}
	}
	v, err := decodeValue(b.V)
	if err != nil {
		return Position{}, &Error{Reason: "bad sort value", Err: err}
	}
	var id []any
	for _, t := range b.ID {
		tb, err := decodeValue(t)
		if err != nil {
			return Position{}, &Error{Reason: "bad tiebreak value", Err: err}
		}
		id = append(id, tb)
	}
	return Position{Value: v, Tiebreak: id, Direction: b.D}, nil
}

func encodeValue(v any) (typed, error) {
	switch x := v.(type) {
	case nil:
		return typed{K: "n"}, nil
	case string:
		return typed{K: "s", V: x}, nil
	case bool:
		return typed{K: "b", V: strconv.FormatBool(x)}, nil
	case int:
		return typed{K: "i", V: strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return typed{K: "i", V: strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return typed{K: "i", V: strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return typed{K: "i", V: strconv.FormatInt(x, 10)}, nil
	case uint8:
		return typed{K: "i", V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint16:
		return typed{K: "i", V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint32:
		return typed{K: "i", V: strconv.FormatUint(uint64(x), 10)}, nil
	case uint64:
		if x > math.MaxInt64 {
			return typed{}, fmt.Errorf("cursor value %d overflows int64", x)
		}
		return typed{K: "i", V: strconv.FormatUint(x, 10)}, nil
	case float32:
		return typed{K: "f", V: strconv.FormatFloat(float64(x), 'g', -1, 32)}, nil
	case float64:
		return typed{K: "f", V: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case time.Time:
		return typed{K: "t", V: x.UTC().Format(time.RFC3339Nano)}, nil
	}
	return typed{}, fmt.Errorf("unsupported cursor value type %T", v)
}

func decodeValue(t typed) (any, error) {
	switch t.K {
	case "n":
		return nil, nil
	case "s":
		return t.V, nil
	case "b":
		return strconv.ParseBool(t.V)
	case "i":
		return strconv.ParseInt(t.V, 10, 64)
	case "f":
		return strconv.ParseFloat(t.V, 64)
	case "t":
		return time.Parse(time.RFC3339Nano, t.V)
	}
	return nil, errors.New("unknown value kind " + strconv.Quote(t.K))
}
