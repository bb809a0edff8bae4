// Package control implements the control socket: a websocket listener
// accepting one of two JSON envelope shapes per message, which it
// validates and routes to the PipelineManager (manager-level actions) or
// to a filter's inbox (filter-targeted actions, with an optional
// microsecond delay before activation).
package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zsiec/fluxion/internal/filter"
)

// envelope is the wire shape of one incoming message. Presence of
// "filterId" distinguishes a filter-targeted envelope from a
// manager-level one — both shapes share "action" and "params".
type envelope struct {
	FilterID *int           `json:"filterId,omitempty"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
	Delay    int64          `json:"delay,omitempty"` // microseconds before activation
}

// decodeEnvelope parses raw into a filter.Event, defaulting TargetFilterID
// to filter.ManagerTarget when "filterId" is absent.
func decodeEnvelope(raw []byte) (filter.Event, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return filter.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Action == "" {
		return filter.Event{}, fmt.Errorf("decode envelope: missing action")
	}

	target := filter.ManagerTarget
	if e.FilterID != nil {
		target = *e.FilterID
	}

	var deliverAt time.Time
	if e.Delay > 0 {
		deliverAt = time.Now().Add(time.Duration(e.Delay) * time.Microsecond)
	}

	return filter.Event{
		Action:         e.Action,
		Params:         e.Params,
		TargetFilterID: target,
		DeliverAt:      deliverAt,
	}, nil
}

// wireReply is the JSON shape of every response: "error" is null on
// success, a message otherwise.
type wireReply struct {
	Error   *string `json:"error"`
	Payload any     `json:"payload,omitempty"`
}

// encodeReply renders a graph.Reply-shaped response (Error, Payload) to
// wire JSON. It's defined on the plain fields rather than the graph type
// itself so this package doesn't need to import graph just to marshal.
func encodeReply(errMsg string, payload any) ([]byte, error) {
	wr := wireReply{Payload: payload}
	if errMsg != "" {
		wr.Error = &errMsg
	}
	return json.Marshal(wr)
}
