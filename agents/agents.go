// Package agents provides ready-made agent roles that can be referenced
// from configuration: a periodic event producer, an aggregator that
// batches events and a logger. Importing the package registers them.
package agents

import (
	"time"

	"github.com/aixgo-dev/agentcore"
)

// Role names registered by this package.
const (
	RoleProducer   = "producer"
	RoleAggregator = "aggregator"
	RoleLogger     = "logger"
)

// Default named mboxes.
const (
	DefaultEventsMbox  = "events"
	DefaultBatchesMbox = "batches"
)

// Event is emitted by producers.
type Event struct {
	ID     string
	Source string
	Seq    int
	Value  float64
	Time   time.Time
}

// Batch is a group of events emitted by an aggregator.
type Batch struct {
	Source string
	Events []Event
	Sum    float64
	Min    float64
	Max    float64
}

func newBatch(source string, events []Event) Batch {
	b := Batch{Source: source, Events: events}
	for i, e := range events {
		b.Sum += e.Value
		if i == 0 || e.Value < b.Min {
			b.Min = e.Value
		}
		if i == 0 || e.Value > b.Max {
			b.Max = e.Value
		}
	}
	return b
}

func init() {
	agentcore.Register(RoleProducer, NewProducer)
	agentcore.Register(RoleAggregator, NewAggregator)
	agentcore.Register(RoleLogger, NewLogger)
}
