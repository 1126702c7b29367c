// internal/models/telemetry.go
package models

import "time"

// Canonical telemetry metrics stored per reading.
const (
	MetricPowerConsumption = "power_consumption"
	MetricVoltage          = "voltage"
	MetricCurrent          = "current"
)

var ValidMetrics = map[string]bool{
	MetricPowerConsumption: true,
	MetricVoltage:          true,
	MetricCurrent:          true,
}

// AggregationLevel selects the time bucket size for rollups.
type AggregationLevel string

const (
	AggregationHourly  AggregationLevel = "hourly"
	AggregationDaily   AggregationLevel = "daily"
	AggregationWeekly  AggregationLevel = "weekly"
	AggregationMonthly AggregationLevel = "monthly"
)

var ValidAggregations = map[AggregationLevel]bool{
	AggregationHourly:  true,
	AggregationDaily:   true,
	AggregationWeekly:  true,
	AggregationMonthly: true,
}

// Aggregate functions applied per metric.
const (
	FunctionAvg = "avg"
	FunctionSum = "sum"
	FunctionMin = "min"
	FunctionMax = "max"
)

var ValidFunctions = map[string]bool{
	FunctionAvg: true,
	FunctionSum: true,
	FunctionMin: true,
	FunctionMax: true,
}

// Canonical device types for registered home devices.
var ValidDeviceTypes = map[string]bool{
	"air_conditioner": true,
	"refrigerator":    true,
	"water_heater":    true,
	"space_heater":    true,
	"washing_machine": true,
	"clothes_dryer":   true,
	"dishwasher":      true,
	"ceiling_fan":     true,
	"lights":          true,
	"television":      true,
	"microwave":       true,
	"oven":            true,
	"computer":        true,
	"ev_charger":      true,
}

// Device represents a registered home device.
type Device struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"`
	Location  string    `json:"location,omitempty" db:"location"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Reading is one raw telemetry sample for a device.
type Reading struct {
	DeviceID         string    `json:"deviceId" db:"device_id"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	PowerConsumption float64   `json:"powerConsumption" db:"power_consumption"`
	Voltage          float64   `json:"voltage" db:"voltage"`
	Current          float64   `json:"current" db:"current"`
}

// QueryParams is the fully normalized input to the aggregation engine.
// DeviceType and DeviceName are mutually exclusive; both empty means no
// device filter.
type QueryParams struct {
	UserID      string           `json:"userId"`
	Metrics     []string         `json:"metrics"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime"`
	DeviceType  string           `json:"deviceType,omitempty"`
	DeviceName  string           `json:"deviceName,omitempty"`
	Aggregation AggregationLevel `json:"aggregation"`
	Functions   []string         `json:"functions"`
	Limit       int              `json:"limit"`
	Offset      int              `json:"offset"`
}

// HasDeviceFilter reports whether the query narrows to specific devices.
func (p QueryParams) HasDeviceFilter() bool {
	return p.DeviceType != "" || p.DeviceName != ""
}

// DeviceRef identifies the device a result row belongs to.
type DeviceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// AggregatedResult is one time bucket for one device. Metrics maps metric
// name to function name to value; pairs with no samples in the bucket are
// absent rather than zero.
type AggregatedResult struct {
	Device    DeviceRef                     `json:"device"`
	Timestamp time.Time                     `json:"timestamp"`
	Metrics   map[string]map[string]float64 `json:"metrics"`
}

// TimeRange bounds a query result.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QueryResult is the aggregation engine's output.
type QueryResult struct {
	Data        []AggregatedResult `json:"data"`
	TimeRange   TimeRange          `json:"timeRange"`
	Aggregation AggregationLevel   `json:"aggregation"`
}
