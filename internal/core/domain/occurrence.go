package domain

import "time"

type OccurrenceStatus string

const (
	OccurrenceReported   OccurrenceStatus = "reported"
	OccurrenceInProgress OccurrenceStatus = "in_progress"
	OccurrenceResolved   OccurrenceStatus = "resolved"
	OccurrenceCancelled  OccurrenceStatus = "cancelled"
)

var OccurrenceMachine = NewMachine("occurrence", map[OccurrenceStatus][]OccurrenceStatus{
	OccurrenceReported:   {OccurrenceInProgress, OccurrenceCancelled},
	OccurrenceInProgress: {OccurrenceResolved, OccurrenceCancelled},
	OccurrenceResolved:   {},
	OccurrenceCancelled:  {},
}, OccurrenceReported, OccurrenceInProgress, OccurrenceResolved, OccurrenceCancelled)

// Occurrence is a reported incident. ExternalID is set when the occurrence
// arrived through the integration feed.
type Occurrence struct {
	ID          string
	ExternalID  *string
	Type        string
	Status      OccurrenceStatus
	Description *string
	ReportedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (o *Occurrence) CanTransitionTo(target OccurrenceStatus) bool {
	return OccurrenceMachine.CanTransition(o.Status, target)
}

func (o *Occurrence) TransitionTo(target OccurrenceStatus) error {
	next, err := OccurrenceMachine.Transition(o.Status, target)
	if err != nil {
		return err
	}
	o.Status = next
	return nil
}

// OccurrenceSnapshot is the audit representation of an occurrence.
type OccurrenceSnapshot struct {
	ID          string           `json:"id"`
	ExternalID  *string          `json:"external_id"`
	Type        string           `json:"type"`
	Status      OccurrenceStatus `json:"status"`
	Description *string          `json:"description"`
	ReportedAt  *time.Time       `json:"reported_at"`
}

func (o Occurrence) Snapshot() OccurrenceSnapshot {
	s := OccurrenceSnapshot{
		ID:          o.ID,
		ExternalID:  o.ExternalID,
		Type:        o.Type,
		Status:      o.Status,
		Description: o.Description,
	}
	if o.ReportedAt != nil {
		at := o.ReportedAt.UTC()
		s.ReportedAt = &at
	}
	return s
}

// OccurrenceView is an occurrence together with its dispatches in creation order.
type OccurrenceView struct {
	Occurrence
	Dispatches []Dispatch
}
