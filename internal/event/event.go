// Package event defines the unit of exchange on a channel socket: a
// namespaced identifier plus an optional payload.
//
// On the wire an event is a one- or two-element JSON array:
//
//	["app/login"]
//	["app/login", {"user": "jo"}]
//
// The "chsk/" namespace is reserved for the transport itself (handshake,
// keep-alive, state changes, error surfacing). Application code must not
// originate events in that namespace.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ID is a namespaced event identifier of the form "namespace/name".
// Both segments must be non-empty; the namespace may itself be dotted
// (e.g. "app.admin/login").
type ID string

// Reserved transport namespace.
const ReservedNS = "chsk"

// System event ids originated by the transport.
const (
	IDHandshake    ID = "chsk/handshake"
	IDState        ID = "chsk/state"
	IDRecv         ID = "chsk/recv"
	IDWSPing       ID = "chsk/ws-ping"
	IDWSError      ID = "chsk/ws-error"
	IDClose        ID = "chsk/close"
	IDUIDPortOpen  ID = "chsk/uidport-open"
	IDUIDPortClose ID = "chsk/uidport-close"
	IDBadPackage   ID = "chsk/bad-package"
	IDBadEvent     ID = "chsk/bad-event"
)

// Reply sentinels. These are callback reply *values*, not events: a
// request callback resolves with exactly one of the application's reply
// or one of these strings.
const (
	ReplyClosed   = "chsk/closed"
	ReplyTimeout  = "chsk/timeout"
	ReplyError    = "chsk/error"
	ReplyDummy200 = "chsk/dummy-cb-200"
)

// Valid reports whether the id has non-empty namespace and name segments.
func (id ID) Valid() bool {
	ns, name, ok := strings.Cut(string(id), "/")
	return ok && ns != "" && name != ""
}

// Namespace returns the segment before the first "/", or "" if the id
// is malformed.
func (id ID) Namespace() string {
	ns, _, ok := strings.Cut(string(id), "/")
	if !ok {
		return ""
	}
	return ns
}

// Reserved reports whether the id lives in the transport's own namespace.
func (id ID) Reserved() bool {
	return id.Namespace() == ReservedNS
}

// Event is an identifier plus an optional payload. Data == nil means the
// one-element wire form.
type Event struct {
	ID   ID
	Data any
}

// New builds an event. Convenience for literals at call sites.
func New(id ID, data any) Event {
	return Event{ID: id, Data: data}
}

// MarshalJSON encodes the event as its wire array form.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return json.Marshal([]any{string(e.ID)})
	}
	return json.Marshal([]any{string(e.ID), e.Data})
}

// UnmarshalJSON decodes the wire array form. The payload is decoded into
// generic JSON values (map[string]any, []any, float64, ...).
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("event is not an array: %w", err)
	}
	if len(arr) < 1 || len(arr) > 2 {
		return fmt.Errorf("event array has %d elements, want 1 or 2", len(arr))
	}
	var id string
	if err := json.Unmarshal(arr[0], &id); err != nil {
		return fmt.Errorf("event id is not a string: %w", err)
	}
	ev := Event{ID: ID(id)}
	if !ev.ID.Valid() {
		return fmt.Errorf("event id %q is not namespaced", id)
	}
	if len(arr) == 2 {
		if err := json.Unmarshal(arr[1], &ev.Data); err != nil {
			return fmt.Errorf("decoding event payload: %w", err)
		}
	}
	*e = ev
	return nil
}

// Validate coerces a decoded wire value into an Event. Accepted shapes:
// an Event, or a []any of length 1 or 2 whose first element is a string
// (or ID) forming a valid namespaced id.
func Validate(v any) (Event, error) {
	switch t := v.(type) {
	case Event:
		if !t.ID.Valid() {
			return Event{}, fmt.Errorf("event id %q is not namespaced", t.ID)
		}
		return t, nil
	case []any:
		if len(t) < 1 || len(t) > 2 {
			return Event{}, fmt.Errorf("event vector has %d elements, want 1 or 2", len(t))
		}
		var id ID
		switch s := t[0].(type) {
		case string:
			id = ID(s)
		case ID:
			id = s
		default:
			return Event{}, fmt.Errorf("event id has type %T, want string", t[0])
		}
		if !id.Valid() {
			return Event{}, fmt.Errorf("event id %q is not namespaced", id)
		}
		ev := Event{ID: id}
		if len(t) == 2 {
			ev.Data = t[1]
		}
		return ev, nil
	default:
		return Event{}, fmt.Errorf("event has type %T, want vector", v)
	}
}

// AsEvent returns v as an Event, wrapping anything malformed as
// [chsk/bad-event, v] so a bad frame surfaces to the application instead
// of killing the connection.
func AsEvent(v any) Event {
	ev, err := Validate(v)
	if err != nil {
		return Event{ID: IDBadEvent, Data: v}
	}
	return ev
}
