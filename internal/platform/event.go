package platform

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rows is a JSON array of rows exactly as the store returned them.
type Rows []byte

func (r Rows) Decode(v any) error {
	if len(r) == 0 {
		return nil
	}
	if err := json.Unmarshal(r, v); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	return nil
}

func (r Rows) Len() int {
	var items []json.RawMessage
	if err := json.Unmarshal(r, &items); err != nil {
		return 0
	}
	return len(items)
}

// First decodes the first row into v and reports ErrNotFound for an empty set.
func (r Rows) First(v any) error {
	var items []json.RawMessage
	if err := r.Decode(&items); err != nil {
		return err
	}
	if len(items) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(items[0], v); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

type ChangeEvent struct {
	Type            EventType
	Table           string
	New             json.RawMessage
	Old             json.RawMessage
	CommitTimestamp time.Time
}

func (e ChangeEvent) Decode(v any) error {
	if len(e.New) == 0 {
		return fmt.Errorf("decode %s event on %s: empty record", e.Type, e.Table)
	}
	if err := json.Unmarshal(e.New, v); err != nil {
		return fmt.Errorf("decode %s event on %s: %w", e.Type, e.Table, err)
	}
	return nil
}

// Row returns the new record as a generic map for filter matching.
func (e ChangeEvent) Row() map[string]any {
	row := map[string]any{}
	if len(e.New) == 0 {
		_ = json.Unmarshal(e.Old, &row)
		return row
	}
	_ = json.Unmarshal(e.New, &row)
	return row
}

type Subscription struct {
	Topic  string
	Table  string
	Events []EventType
	Where  []Cond
}

func (s Subscription) Wants(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, candidate := range s.Events {
		if candidate == EventAll || candidate == eventType {
			return true
		}
	}
	return false
}

// Accepts reports whether an event should reach the subscription's handler.
func (s Subscription) Accepts(event ChangeEvent) bool {
	if event.Table != s.Table || !s.Wants(event.Type) {
		return false
	}
	return Match(event.Row(), s.Where)
}
