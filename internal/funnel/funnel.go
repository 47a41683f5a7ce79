// Package funnel computes conversion metrics by joining the serving log and
// the tracked event stream through trace ids.
package funnel

import "errors"

var ErrInvalidDefinition = errors.New("invalid funnel definition")

// Source is where a funnel starts. Exactly one implementation matches:
// every serving request for a prompt, or every occurrence of a named event.
type Source interface {
	isSource()
}

// PromptRequests counts distinct trace ids served for one prompt.
type PromptRequests struct {
	PromptID string
}

func (PromptRequests) isSource() {}

// EventSource counts occurrences of a named event.
type EventSource struct {
	Name     string
	Category string
}

func (EventSource) isSource() {}

// Metric is how target events are measured. Count tallies them; Sum also
// totals their numeric value.
type Metric interface {
	isMetric()
}

// Count measures the target by number of events.
type Count struct{}

func (Count) isMetric() {}

// Sum measures the target by the total of each event's numeric value. Field
// names the request-body field event ingestion reads that value from; the
// default is "value".
type Sum struct {
	Field string
}

func (Sum) isMetric() {}

// Definition describes one funnel. ConversionWindowHours restricts target
// events to those attributable to a source trace within the window; zero
// disables attribution and counts every matching target event in the query
// range.
type Definition struct {
	Source                Source
	TargetEventName       string
	TargetCategory        string
	ConversionWindowHours int
	Metric                Metric
}

// Result is one conversion computation. TotalValue and AverageValue are set
// only for Sum metrics.
type Result struct {
	SourceCount    int64    `json:"source_count"`
	TargetCount    int64    `json:"target_count"`
	ConversionRate float64  `json:"conversion_rate"`
	TotalValue     *float64 `json:"total_value,omitempty"`
	AverageValue   *float64 `json:"average_value,omitempty"`
}
