package ports

import (
	"time"

	"github.com/atvirokodosprendimai/incidentinbox/internal/core/domain"
)

type Metrics interface {
	CommandSubmitted(commandType domain.CommandType, outcome string)
	CommandProcessed(commandType domain.CommandType, outcome string, elapsed time.Duration)
	OutboxDispatched(outcome string)
}

type NopMetrics struct{}

func (NopMetrics) CommandSubmitted(domain.CommandType, string)                {}
func (NopMetrics) CommandProcessed(domain.CommandType, string, time.Duration) {}
func (NopMetrics) OutboxDispatched(string)                                    {}
