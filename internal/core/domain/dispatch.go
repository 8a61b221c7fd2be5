package domain

import "time"

type DispatchStatus string

const (
	DispatchAssigned DispatchStatus = "assigned"
	DispatchEnRoute  DispatchStatus = "en_route"
	DispatchOnSite   DispatchStatus = "on_site"
	DispatchClosed   DispatchStatus = "closed"
)

var DispatchMachine = NewMachine("dispatch", map[DispatchStatus][]DispatchStatus{
	DispatchAssigned: {DispatchEnRoute},
	DispatchEnRoute:  {DispatchOnSite},
	DispatchOnSite:   {DispatchClosed},
	DispatchClosed:   {},
}, DispatchAssigned, DispatchEnRoute, DispatchOnSite, DispatchClosed)

// Dispatch assigns one resource to one occurrence.
type Dispatch struct {
	ID           string
	OccurrenceID string
	ResourceCode string
	Status       DispatchStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d *Dispatch) CanTransitionTo(target DispatchStatus) bool {
	return DispatchMachine.CanTransition(d.Status, target)
}

func (d *Dispatch) TransitionTo(target DispatchStatus) error {
	next, err := DispatchMachine.Transition(d.Status, target)
	if err != nil {
		return err
	}
	d.Status = next
	return nil
}

type DispatchSnapshot struct {
	ID           string         `json:"id"`
	OccurrenceID string         `json:"occurrence_id"`
	ResourceCode string         `json:"resource_code"`
	Status       DispatchStatus `json:"status"`
}

func (d Dispatch) Snapshot() DispatchSnapshot {
	return DispatchSnapshot{
		ID:           d.ID,
		OccurrenceID: d.OccurrenceID,
		ResourceCode: d.ResourceCode,
		Status:       d.Status,
	}
}
