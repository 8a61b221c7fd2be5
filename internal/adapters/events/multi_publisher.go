package events

import (
	"context"
	"errors"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
	"github.com/atvirokodosprendimai/incidentinbox/internal/core/ports"
)

// MultiPublisher hands each event to every publisher and joins their
// errors. A failure anywhere retries the event everywhere, so receivers must
// dedupe on event_id.
type MultiPublisher []ports.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, topic string, event domain.EventEnvelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
