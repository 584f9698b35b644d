// Package progress defines the push-notification envelope used to stream archive
// job events to a user, and the server-side hub that fans them out over websockets.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type discriminators.
const (
	TypeStatusUpdate = "status_update"
	TypeProgress     = "progress"
	TypeComplete     = "complete"
	TypeError        = "error"

	// TypeConnectionLost is raised locally by clients and never travels on the wire.
	TypeConnectionLost = "connection_lost"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed progress message")

// Event is one of StatusUpdate, Progress, Complete, Error or ConnectionLost.
type Event interface {
	eventType() string
}

// Server events carry the id of the job they belong to. An empty JobID matches
// any job.

// StatusUpdate announces a new phase; receivers reset their percentage to 0.
type StatusUpdate struct {
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// Progress reports a percentage (0-100) within the current phase.
type Progress struct {
	JobID       string `json:"job_id,omitempty"`
	Percent     int    `json:"percent"`
	Description string `json:"description"`
}

// Complete is the terminal success event. DownloadURL may be empty.
type Complete struct {
	JobID       string `json:"job_id,omitempty"`
	Message     string `json:"message"`
	DownloadURL string `json:"download_url"`
}

// Error is the terminal failure event.
type Error struct {
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// ConnectionLost reports that a client stopped hearing from the server before a
// terminal event. It is not a job failure.
type ConnectionLost struct {
	Reason string `json:"reason"`
}

func (StatusUpdate) eventType() string   { return TypeStatusUpdate }
func (Progress) eventType() string       { return TypeProgress }
func (Complete) eventType() string       { return TypeComplete }
func (Error) eventType() string          { return TypeError }
func (ConnectionLost) eventType() string { return TypeConnectionLost }

// Type returns the envelope discriminator of ev.
func Type(ev Event) string {
	return ev.eventType()
}

// JobID returns the job id carried by ev, or "" for untagged and local events.
func JobID(ev Event) string {
	switch e := ev.(type) {
	case StatusUpdate:
		return e.JobID
	case Progress:
		return e.JobID
	case Complete:
		return e.JobID
	case Error:
		return e.JobID
	default:
		return ""
	}
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals ev into its envelope.
func Encode(ev Event) ([]byte, error) {
	if _, ok := ev.(ConnectionLost); ok {
		return nil, fmt.Errorf("%s is a local event", TypeConnectionLost)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.eventType(), err)
	}
	return json.Marshal(envelope{Type: ev.eventType(), Payload: payload})
}

// Decode parses an envelope into a typed Event. Unknown types, missing payloads
// and out-of-range percentages are reported as ErrMalformed.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %q has no payload", ErrMalformed, env.Type)
	}

	switch env.Type {
	case TypeStatusUpdate:
		var ev StatusUpdate
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeProgress:
		var ev Progress
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.Percent < 0 || ev.Percent > 100 {
			return nil, fmt.Errorf("%w: percent %d out of range", ErrMalformed, ev.Percent)
		}
		return ev, nil
	case TypeComplete:
		var ev Complete
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeError:
		var ev Error
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func unmarshalPayload(env envelope, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
