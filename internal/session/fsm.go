// Package session holds per-call ordering state and the phase machine that
// governs which tool operations are allowed.
package session

import (
	"errors"
	"fmt"
)

// Phase is a call's position in the ordering flow.
type Phase string

const (
	PhaseGreeting       Phase = "greeting"
	PhaseOrdering       Phase = "ordering"
	PhaseConfirming     Phase = "confirming"
	PhaseCapturingPhone Phase = "capturing_phone"
	PhaseSubmitting     Phase = "submitting"
	PhaseClosed         Phase = "closed"
	PhaseAborted        Phase = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseAborted
}

// Trigger is an input to the phase machine.
type Trigger string

const (
	TriggerUtterance       Trigger = "utterance"
	TriggerCartEdit        Trigger = "cart_edit"
	TriggerFinalize        Trigger = "finalize"
	TriggerReopen          Trigger = "reopen"
	TriggerConfirm         Trigger = "confirm"
	TriggerPhoneCaptured   Trigger = "phone_captured"
	TriggerSubmitted       Trigger = "submitted"
	TriggerStoreFailure    Trigger = "store_failure"
	TriggerHangup          Trigger = "hangup"
	TriggerTransportClosed Trigger = "transport_closed"
	TriggerIdleTimeout     Trigger = "idle_timeout"
)

// ErrInvalidPhase is returned when a trigger is not allowed in a phase.
var ErrInvalidPhase = errors.New("invalid phase")

type edge struct {
	from Phase
	on   Trigger
}

var transitions = map[edge]Phase{
	{PhaseGreeting, TriggerUtterance}: PhaseOrdering,
	{PhaseGreeting, TriggerCartEdit}:  PhaseOrdering,

	{PhaseOrdering, TriggerUtterance}: PhaseOrdering,
	{PhaseOrdering, TriggerCartEdit}:  PhaseOrdering,
	{PhaseOrdering, TriggerFinalize}:  PhaseConfirming,

	{PhaseConfirming, TriggerUtterance}: PhaseConfirming,
	{PhaseConfirming, TriggerReopen}:    PhaseOrdering,
	{PhaseConfirming, TriggerConfirm}:   PhaseCapturingPhone,

	{PhaseCapturingPhone, TriggerUtterance}:     PhaseCapturingPhone,
	{PhaseCapturingPhone, TriggerPhoneCaptured}: PhaseSubmitting,

	{PhaseSubmitting, TriggerSubmitted}:    PhaseClosed,
	{PhaseSubmitting, TriggerStoreFailure}: PhaseAborted,

	{PhaseClosed, TriggerUtterance}: PhaseClosed,
}

// ending triggers abort any non-terminal phase and leave terminal phases alone.
func ending(t Trigger) bool {
	return t == TriggerHangup || t == TriggerTransportClosed || t == TriggerIdleTimeout
}

// Next is the transition function. Every (phase, trigger) pair yields
// either the next phase or ErrInvalidPhase.
func Next(p Phase, t Trigger) (Phase, error) {
	if ending(t) {
		switch p {
		case PhaseClosed, PhaseAborted:
			return p, nil
		case PhaseGreeting, PhaseOrdering, PhaseConfirming, PhaseCapturingPhone, PhaseSubmitting:
			return PhaseAborted, nil
		}
	}
	if next, ok := transitions[edge{p, t}]; ok {
		return next, nil
	}
	return p, fmt.Errorf("%w: %s not allowed while %s", ErrInvalidPhase, t, p)
}
