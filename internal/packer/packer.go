// Package packer turns values into the prefixed packed strings ("pstr")
// that cross the wire, and back.
//
// The codec itself is pluggable: a Packer knows only how to serialize an
// arbitrary value to a string. The framing layer here adds a one-byte
// prefix that tells the receiver whether the frame carries callback
// correlation:
//
//	"-" + codec(value)              no reply expected or provided
//	"+" + codec([value, cb-id])     reply correlation attached
//	"+" + codec([value, 0])         Ajax one-shot callback sentinel
//
// The prefix convention is the only way a receiver can distinguish the
// two shapes, so both ends must agree on the same Packer.
package packer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chansock/chansock/internal/event"
)

// Packer is the minimal codec contract. Pack serializes any
// codec-supported value; Unpack reverses it into generic values
// (for JSON: map[string]any, []any, float64, string, bool, nil).
type Packer interface {
	Pack(v any) (string, error)
	Unpack(s string) (any, error)
}

// JSON is the default codec.
type JSON struct{}

// Pack serializes v as compact JSON.
func (JSON) Pack(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("packing value: %w", err)
	}
	// Encoder appends a newline; trim it so pstrs are single-line.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Unpack deserializes s into generic JSON values.
func (JSON) Unpack(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("unpacking value: %w", err)
	}
	return v, nil
}

// CBAjax is the in-process sentinel for the Ajax one-shot callback. On
// the wire it is the number 0 rather than a correlation id string.
const CBAjax = ":ajax-cb"

// PackFrame produces a pstr for v. cb == "" means no callback wrapper;
// cb == CBAjax encodes the Ajax sentinel; any other cb is a correlation
// id echoed back with the reply.
func PackFrame(p Packer, v any, cb string) (string, error) {
	if cb == "" {
		s, err := p.Pack(v)
		if err != nil {
			return "", err
		}
		return "-" + s, nil
	}
	var tail any = cb
	if cb == CBAjax {
		tail = 0
	}
	s, err := p.Pack([]any{v, tail})
	if err != nil {
		return "", err
	}
	return "+" + s, nil
}

// UnpackFrame reverses PackFrame, returning the carried value and the
// callback correlation ("" if none, CBAjax for the 0 sentinel).
func UnpackFrame(p Packer, pstr string) (any, string, error) {
	if pstr == "" {
		return nil, "", fmt.Errorf("empty packed string")
	}
	prefix, body := pstr[0], pstr[1:]
	v, err := p.Unpack(body)
	if err != nil {
		return nil, "", err
	}
	switch prefix {
	case '-':
		return v, "", nil
	case '+':
		arr, ok := v.([]any)
		if !ok || len(arr) < 1 || len(arr) > 2 {
			return nil, "", fmt.Errorf("wrapped frame is not a 1- or 2-element vector")
		}
		if len(arr) == 1 {
			return arr[0], "", nil
		}
		switch cb := arr[1].(type) {
		case string:
			if cb == "" {
				return nil, "", fmt.Errorf("wrapped frame has empty callback id")
			}
			return arr[0], cb, nil
		case float64:
			if cb == 0 {
				return arr[0], CBAjax, nil
			}
			return nil, "", fmt.Errorf("wrapped frame has callback marker %v, want 0", cb)
		case json.Number:
			if cb.String() == "0" {
				return arr[0], CBAjax, nil
			}
			return nil, "", fmt.Errorf("wrapped frame has callback marker %v, want 0", cb)
		default:
			return nil, "", fmt.Errorf("wrapped frame callback has type %T", arr[1])
		}
	default:
		return nil, "", fmt.Errorf("unknown pstr prefix %q", string(prefix))
	}
}

// UnpackServer is the server-side unpack: a codec failure is not fatal
// there, it becomes a [chsk/bad-package, pstr] event so a misbehaving
// client surfaces to the application instead of being silently dropped.
// Any well-decoded value that is not a valid event comes back wrapped as
// [chsk/bad-event, value].
func UnpackServer(p Packer, pstr string) (event.Event, string) {
	v, cb, err := UnpackFrame(p, pstr)
	if err != nil {
		return event.Event{ID: event.IDBadPackage, Data: pstr}, ""
	}
	return event.AsEvent(v), cb
}
