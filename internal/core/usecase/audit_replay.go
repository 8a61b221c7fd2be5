package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

type AuditChainBreak struct {
	EntryID    int64  `json:"entry_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

type AuditChainReport struct {
	Entries  int               `json:"entries"`
	Entities int               `json:"entities"`
	Breaks   []AuditChainBreak `json:"breaks"`
}

func (r AuditChainReport) OK() bool { return len(r.Breaks) == 0 }

type entityKey struct {
	entityType string
	entityID   string
}

// VerifyAuditChain replays the whole audit log in id order and checks that
// every entry's before snapshot equals the after snapshot of the previous
// entry for the same entity.
func VerifyAuditChain(ctx context.Context, reader ports.AuditReader, batchSize int) (AuditChainReport, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	last := map[entityKey]json.RawMessage{}
	report := AuditChainReport{Breaks: []AuditChainBreak{}}
	afterID := int64(0)

	for {
		entries, err := reader.ListAudit(ctx, domain.AuditFilter{AfterID: afterID, Limit: batchSize})
		if err != nil {
			return report, fmt.Errorf("list audit entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			report.Entries++
			if reason, err := checkLink(last, e); err != nil {
				return report, fmt.Errorf("check audit entry %d: %w", e.ID, err)
			} else if reason != "" {
				report.Breaks = append(report.Breaks, AuditChainBreak{
					EntryID:    e.ID,
					EntityType: e.EntityType,
					EntityID:   e.EntityID,
					Action:     e.Action,
					Reason:     reason,
				})
			}
			last[entityKey{e.EntityType, e.EntityID}] = e.After
			afterID = e.ID
		}
	}
	report.Entities = len(last)
	return report, nil
}

func checkLink(last map[entityKey]json.RawMessage, e domain.AuditEntry) (string, error) {
	prev, seen := last[entityKey{e.EntityType, e.EntityID}]
	creation := isNullJSON(e.Before)

	switch {
	case e.Action == domain.ActionOccurrenceDuplicate:
		if !seen {
			return "duplicate without prior creation", nil
		}
		return "", nil
	case creation && seen:
		return "creation recorded for an entity with history", nil
	case creation:
		return "", nil
	case !seen:
		return "update without prior creation", nil
	}

	a, err := CanonicalPayload(prev)
	if err != nil {
		return "", err
	}
	b, err := CanonicalPayload(e.Before)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(a, b) {
		return "before does not match previous after", nil
	}
	return "", nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
