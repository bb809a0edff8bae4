package graph

import (
	"fmt"

	"github.com/zsiec/fluxion/internal/filter"
)

// Reply is the JSON-friendly response envelope for a processed event:
// Error is empty on success, a message otherwise.
type Reply struct {
	Error   string
	Payload any
}

// ProcessEvent routes a control-plane event: filter-targeted events are
// pushed to that filter's inbox and return immediately; manager-targeted
// events run synchronously and return a reply envelope.
func (m *Manager) ProcessEvent(e filter.Event) Reply {
	if e.TargetFilterID != filter.ManagerTarget {
		m.mu.RLock()
		f, ok := m.filters[e.TargetFilterID]
		m.mu.RUnlock()
		if !ok {
			return Reply{Error: fmt.Sprintf("unknown filter id %d", e.TargetFilterID)}
		}
		f.PushEvent(e)
		return Reply{}
	}

	switch e.Action {
	case "getState":
		filters, paths := m.GetState()
		return Reply{Payload: map[string]any{"filters": filters, "paths": paths}}

	case "createFilter":
		id, ok := paramInt(e.Params, "id")
		if !ok {
			return Reply{Error: "createFilter requires an integer \"id\""}
		}
		kindStr, ok := e.Params["kind"].(string)
		if !ok {
			return Reply{Error: "createFilter requires a string \"kind\""}
		}
		if _, err := m.CreateFilter(id, filter.Kind(kindStr)); err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{}

	case "createPath":
		id, ok1 := paramInt(e.Params, "id")
		origin, ok2 := paramInt(e.Params, "originFilter")
		dest, ok3 := paramInt(e.Params, "destFilter")
		if !ok1 || !ok2 || !ok3 {
			return Reply{Error: "createPath requires integer \"id\", \"originFilter\", \"destFilter\""}
		}
		orgWriter, _ := paramInt(e.Params, "orgWriterId")
		dstReader, _ := paramInt(e.Params, "dstReaderId")
		if _, ok := e.Params["orgWriterId"]; !ok {
			orgWriter = -1
		}
		if _, ok := e.Params["dstReaderId"]; !ok {
			dstReader = -1
		}
		mids := paramIntSlice(e.Params, "midFilters")

		p, err := m.CreatePath(id, origin, dest, orgWriter, dstReader, mids)
		if err != nil {
			return Reply{Error: err.Error()}
		}
		if err := m.ConnectPath(p.ID); err != nil {
			_ = m.RemovePath(p.ID)
			return Reply{Error: err.Error()}
		}
		return Reply{}

	case "removePath":
		id, ok := paramInt(e.Params, "id")
		if !ok {
			return Reply{Error: "removePath requires an integer \"id\""}
		}
		if err := m.RemovePath(id); err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{}

	case "removeFilter":
		id, ok := paramInt(e.Params, "id")
		if !ok {
			return Reply{Error: "removeFilter requires an integer \"id\""}
		}
		if err := m.RemoveFilter(id); err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{}

	case "stop":
		m.StopAll()
		return Reply{}

	default:
		return Reply{Error: fmt.Sprintf("unknown action %q", e.Action)}
	}
}

// paramInt extracts an integer from a params map that may have come
// through JSON decoding (where numbers decode as float64) or been built
// directly in Go code (where they are already int).
func paramInt(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// paramIntSlice extracts a []int from a params map, tolerating both a
// native []int and the []any{float64...} shape encoding/json produces.
func paramIntSlice(params map[string]any, key string) []int {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []int:
		return append([]int(nil), s...)
	case []any:
		out := make([]int, 0, len(s))
		for _, e := range s {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	default:
		return nil
	}
}
