package resources

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/dashsync/internal/protocol"
)

// Record is one cached resource. Fields holds the server's shape verbatim;
// the bookkeeping keys are flattened next to it on the wire.
type Record struct {
	ID          string
	Fields      map[string]any
	LastUpdated int64
	Pending     bool
	Deleted     bool

	// remoteAt is the envelope timestamp (seconds) of the last remote
	// write applied, used by OrderTimestamp.
	remoteAt float64
	// seq is the store's write counter at the last local or remote write.
	seq uint64
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["lastUpdated"] = r.LastUpdated
	out["pending"] = r.Pending
	out["deleted"] = r.Deleted
	return json.Marshal(out)
}

func (r Record) clone() Record {
	r.Fields = cloneFields(r.Fields)
	return r
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// toFields turns an arbitrary payload value into a field map. Maps pass
// through; anything else goes through a JSON round trip.
func toFields(v any) (map[string]any, error) {
	switch typed := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return cloneFields(typed), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: record data must be an object", ErrInvalidInput)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// toItems splits a batch payload into field maps.
func toItems(v any) ([]map[string]any, error) {
	switch typed := v.(type) {
	case []map[string]any:
		return typed, nil
	case []any:
		items := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			fields, err := toFields(item)
			if err != nil {
				return nil, err
			}
			items = append(items, fields)
		}
		return items, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: batch data must be a list of objects", ErrInvalidInput)
	}
	return items, nil
}

func fieldID(fields map[string]any) string {
	return protocol.IDString(fields["id"])
}
