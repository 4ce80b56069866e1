// Package record defines the record and filter-signature shapes shared by
// the synchronization engine.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Sternrassler/recordsync/pkg/transition"
)

// Record is an entity with a stable unique ID.
type Record interface {
	RecordID() string
}

// Stateful is a record whose status is governed by a transition policy.
type Stateful interface {
	Record
	RecordStatus() transition.State
}

// Generic is a schema-less record as returned by the remote API.
// On the wire it is a flat JSON object; "id" and "status" are lifted out,
// every other field lands in Fields.
type Generic struct {
	ID     string
	Status transition.State
	Fields map[string]any
}

// RecordID implements Record.
func (g Generic) RecordID() string { return g.ID }

// RecordStatus implements Stateful.
func (g Generic) RecordStatus() transition.State { return g.Status }

// UnmarshalJSON decodes a flat record object. Numeric IDs are accepted.
func (g *Generic) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	id, err := idString(raw["id"])
	if err != nil {
		return err
	}
	delete(raw, "id")

	status := transition.None
	if s, ok := raw["status"].(string); ok {
		status = transition.Normalize(s)
	}
	delete(raw, "status")

	g.ID = id
	g.Status = status
	g.Fields = raw
	return nil
}

// MarshalJSON encodes the record back into its flat form.
func (g Generic) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(g.Fields)+2)
	for k, v := range g.Fields {
		out[k] = v
	}
	out["id"] = g.ID
	if g.Status != "" {
		out["status"] = string(g.Status)
	}
	return json.Marshal(out)
}

func idString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("record id is empty")
		}
		return id, nil
	case json.Number:
		return id.String(), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("record id is missing")
	default:
		return "", fmt.Errorf("record id has unsupported type %T", v)
	}
}
