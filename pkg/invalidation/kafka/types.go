package kafka

import (
	"errors"
	"fmt"
	"time"
)

type Target string

const (
	TargetLayer Target = "layer"
	TargetCube  Target = "cube"
)

// ChangeEvent announces that a layer or cube changed and its tiles must be
// purged. Keys, when set, limits the purge to those tile keys.
type ChangeEvent struct {
	Target  Target    `json:"target"`
	ID      string    `json:"id"`
	Keys    []string  `json:"keys,omitempty"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
	Op      string    `json:"op,omitempty"`
}

func (e ChangeEvent) Validate() error {
	if e.ID == "" {
		return errors.New("change event: id is required")
	}
	switch e.Target {
	case TargetLayer, TargetCube:
		return nil
	case "":
		return errors.New("change event: target is required")
	default:
		return fmt.Errorf("change event: unknown target %q", e.Target)
	}
}

func (e ChangeEvent) dedupeKey() string {
	return string(e.Target) + ":" + e.ID
}
