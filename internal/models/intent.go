// internal/models/intent.go
package models

// QueryIntent is the structured intent extracted from a conversational turn.
// NeedsTelemetry is the only mandatory field; everything else is advisory and
// may be absent or sloppy, the translator normalizes it.
type QueryIntent struct {
	NeedsTelemetry bool             `json:"needsTelemetry"`
	Device         string           `json:"device,omitempty"`
	Metrics        []string         `json:"metrics,omitempty"`
	TimeRange      *IntentTimeRange `json:"timeRange,omitempty"`
	Aggregation    string           `json:"aggregation,omitempty"`
}

// IntentTimeRange carries the model-emitted ISO-8601 boundaries verbatim.
type IntentTimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}
