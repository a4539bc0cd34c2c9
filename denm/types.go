// Package denm implements the Decentralized Environmental Notification
// Message application layer: event lifecycle management (trigger, update,
// cancel, negate), retransmission scheduling, and the duplicate-detected
// ingress path that surfaces typed events to the application.
package denm

import (
	"time"

	"github.com/veloce/veloce/gnet"
)

// ActionID identifies a DENM event: the originating station's identifier
// plus a 16-bit sequence number it assigned at trigger time.
type ActionID struct {
	StationID gnet.StationID
	SeqNum    uint16
}

// Cause is the (causeCode, subCauseCode) pair from ETSI TS 102 894-2
// Annex A, carried in the management container.
type Cause struct {
	Code    uint8
	SubCode uint8
}

// Repetition describes periodic re-emission of an originated event.
type Repetition struct {
	Duration time.Duration
	Interval time.Duration
}

// TriggerParams is the application-supplied content of a newly originated
// event.
type TriggerParams struct {
	DetectionTime   time.Time
	ValidityDuration time.Duration
	Area             gnet.GeoArea
	Cause            Cause
	Repetition       *Repetition // nil means no repetition
	KeepAlive        time.Duration // 0 means no keep-alive

	SituationContainer []byte
	LocationContainer  []byte
	AlacarteContainer  []byte
}

// UpdateParams carries the fields an application may change via Update.
// DetectionTime is a pointer so the zero value distinguishes "keep the
// existing detection time" from "the application supplied a new one".
type UpdateParams struct {
	DetectionTime    *time.Time
	ValidityDuration time.Duration
	Area             gnet.GeoArea
	Cause            Cause

	SituationContainer []byte
	LocationContainer  []byte
	AlacarteContainer  []byte
}

// Termination distinguishes a cancellation from a negation in the
// management container's termination field.
type Termination uint8

// Termination values. TerminationNone means the message is not a
// termination.
const (
	TerminationNone Termination = iota
	TerminationCancellation
	TerminationNegation
)

// Origin distinguishes a locally-originated event record from one learned
// from the network.
type Origin uint8

// Origin values.
const (
	OriginLocal Origin = iota
	OriginReceived
)

// State is an event record's lifecycle state.
type State uint8

// State values.
const (
	StateActive State = iota
	StateKeepAlive
	StateCancelled
	StateNegated
	StateTerminated // received-side terminal state (after cancel/negation arrives)
	StateExpired
)

// EventHandle is the opaque application-facing reference to an
// origin-side event record, returned by Trigger and consumed by Update
// and Cancel.
type EventHandle struct {
	action ActionID
}

// ActionID returns the handle's underlying ActionID, e.g. for logging.
func (h EventHandle) ActionID() ActionID { return h.action }

// RecvKind distinguishes the four events the application observes on the
// receive side.
type RecvKind uint8

// RecvKind values.
const (
	RecvNew RecvKind = iota
	RecvUpdate
	RecvCancel
	RecvNegation
)

// RecvEvent is delivered to the application for every accepted inbound
// DENM that is not suppressed as a duplicate.
type RecvEvent struct {
	Kind     RecvKind
	ActionID ActionID
	Message  Message
}
