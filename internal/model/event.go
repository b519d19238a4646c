package model

import (
	"encoding/json"
	"fmt"
)

// ChangeType is the kind of row change carried by a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Resource names for the remote change feeds.
const (
	ResourceFolders = "folders"
	ResourceLinks   = "links"
)

// ChangeEvent is a normalized remote change notification.
//
// Before is populated for UPDATE and DELETE events, After for INSERT and
// UPDATE. Payloads are kept raw so the subscription layer stays agnostic
// of what table it is forwarding.
type ChangeEvent struct {
	Type   ChangeType      `json:"type"`
	Table  string          `json:"table"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Validate checks that the event carries a known change type and the
// payload its type requires.
func (e *ChangeEvent) Validate() error {
	switch e.Type {
	case ChangeInsert, ChangeUpdate:
		if len(e.After) == 0 {
			return fmt.Errorf("%s event requires after payload", e.Type)
		}
	case ChangeDelete:
		if len(e.Before) == 0 {
			return fmt.Errorf("DELETE event requires before payload")
		}
	default:
		return fmt.Errorf("unknown change type %q", e.Type)
	}
	if e.Table == "" {
		return fmt.Errorf("table is required")
	}
	return nil
}

// FolderFromJSON decodes a folder row payload.
func FolderFromJSON(raw json.RawMessage) (Folder, error) {
	var f Folder
	if err := json.Unmarshal(raw, &f); err != nil {
		return Folder{}, fmt.Errorf("failed to decode folder payload: %w", err)
	}
	return f, nil
}

// LinkFromJSON decodes a link row payload.
func LinkFromJSON(raw json.RawMessage) (Link, error) {
	var l Link
	if err := json.Unmarshal(raw, &l); err != nil {
		return Link{}, fmt.Errorf("failed to decode link payload: %w", err)
	}
	return l, nil
}
