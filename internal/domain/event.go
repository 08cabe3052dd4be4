// Package domain contains the core entities and value objects of the
// popularity-ranking pipeline: interaction events, time buckets, query
// windows, and ranked results.
package domain

import (
	"errors"
	"time"
)

// Op represents the kind of interaction an event carries.
type Op string

const (
	// OpAdd registers one interaction for an item (delta +1).
	OpAdd Op = "ADD"
	// OpRemove retracts one interaction from an item (delta -1).
	OpRemove Op = "REMOVE"
)

// IsValid returns true if the op is a known valid value.
func (o Op) IsValid() bool {
	switch o {
	case OpAdd, OpRemove:
		return true
	default:
		return false
	}
}

// Delta returns the signed counter delta for the op: +1 for ADD, -1 for REMOVE.
func (o Op) Delta() int64 {
	if o == OpRemove {
		return -1
	}
	return 1
}

// Event is a single item-interaction event consumed from the event log.
// Events are immutable and delivered at-least-once; EventID is globally
// unique and used for deduplication.
type Event struct {
	// EventID uniquely identifies this event across all producers.
	EventID string `json:"eventId"`

	// TS is the event time (not arrival time) used for bucket assignment.
	TS time.Time `json:"ts"`

	// Scope is the ranking namespace this event belongs to.
	Scope string `json:"scope"`

	// ItemID identifies the item being interacted with.
	ItemID string `json:"itemId"`

	// Op is the interaction kind: ADD or REMOVE.
	Op Op `json:"op"`
}

// Validation errors for Event.
var (
	ErrEmptyEventID = errors.New("eventId is required")
	ErrEmptyScope   = errors.New("scope is required")
	ErrEmptyItemID  = errors.New("itemId is required")
	ErrInvalidOp    = errors.New("op must be 'ADD' or 'REMOVE'")
	ErrZeroTS       = errors.New("ts is required")
)

// Validate checks if the event has all required fields with valid values.
// Returns an error describing the first validation failure, or nil if valid.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return ErrEmptyEventID
	}
	if e.Scope == "" {
		return ErrEmptyScope
	}
	if e.ItemID == "" {
		return ErrEmptyItemID
	}
	if !e.Op.IsValid() {
		return ErrInvalidOp
	}
	if e.TS.IsZero() {
		return ErrZeroTS
	}
	return nil
}

// RankedItem is a single entry in a ranking result.
type RankedItem struct {
	ItemID string `json:"itemId"`
	Count  int64  `json:"count"`
}
