package domain

import "slices"

// Machine is a fixed transition table for one entity kind. It holds no
// entity state; callers own persistence.
type Machine[S ~string] struct {
	entity      string
	statuses    []S
	transitions map[S][]S
}

func NewMachine[S ~string](entity string, transitions map[S][]S, statuses ...S) Machine[S] {
	return Machine[S]{entity: entity, statuses: statuses, transitions: transitions}
}

func (m Machine[S]) Statuses() []S {
	return slices.Clone(m.statuses)
}

func (m Machine[S]) Valid(status S) bool {
	return slices.Contains(m.statuses, status)
}

func (m Machine[S]) Successors(current S) []S {
	return slices.Clone(m.transitions[current])
}

func (m Machine[S]) Terminal(status S) bool {
	return m.Valid(status) && len(m.transitions[status]) == 0
}

func (m Machine[S]) CanTransition(current, target S) bool {
	return slices.Contains(m.transitions[current], target)
}

// Transition returns target when it is a legal successor of current.
func (m Machine[S]) Transition(current, target S) (S, error) {
	if !m.Valid(target) {
		return current, &invalidStatusError{entity: m.entity, status: string(target)}
	}
	if !m.CanTransition(current, target) {
		return current, &TransitionError{Entity: m.entity, From: string(current), To: string(target)}
	}
	return target, nil
}

type invalidStatusError struct {
	entity string
	status string
}

func (e *invalidStatusError) Error() string {
	return "invalid " + e.entity + " status: " + e.status
}

func (e *invalidStatusError) Unwrap() error {
	return ErrInvalidStatus
}
