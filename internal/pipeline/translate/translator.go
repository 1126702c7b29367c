// internal/pipeline/translate/translator.go
package translate

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"energy-assistant/internal/models"
)

var (
	ErrMissingTimeRange = errors.New("INTENT_TIME_RANGE_MISSING")
	ErrInvalidTimeRange = errors.New("INTENT_TIME_RANGE_INVALID")
)

// deviceAbbreviations maps colloquial device mentions to canonical device
// categories. Keys are lowercased.
var deviceAbbreviations = map[string]string{
	"ac":              "air_conditioner",
	"aircon":          "air_conditioner",
	"air con":         "air_conditioner",
	"fridge":          "refrigerator",
	"light":           "lights",
	"fan":             "ceiling_fan",
	"heater":          "space_heater",
	"washing machine": "washing_machine",
	"washer":          "washing_machine",
	"dryer":           "clothes_dryer",
}

// metricAliases maps normalized metric spellings to canonical metric names.
var metricAliases = map[string]string{
	"energyconsumption": models.MetricPowerConsumption,
	"powerconsumption":  models.MetricPowerConsumption,
	"energy":            models.MetricPowerConsumption,
	"power":             models.MetricPowerConsumption,
}

// defaultFunctions is applied to every conversational query.
var defaultFunctions = []string{
	models.FunctionAvg,
	models.FunctionSum,
	models.FunctionMin,
	models.FunctionMax,
}

// Translate maps an extracted intent onto executable query parameters. It is
// pure: no I/O, no clock reads. The only failure mode is a missing or
// unparseable time range.
func Translate(intent *models.QueryIntent, userID string) (*models.QueryParams, error) {
	if intent.TimeRange == nil {
		return nil, ErrMissingTimeRange
	}

	start, err := parseTimestamp(intent.TimeRange.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q", ErrInvalidTimeRange, intent.TimeRange.Start)
	}
	end, err := parseTimestamp(intent.TimeRange.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q", ErrInvalidTimeRange, intent.TimeRange.End)
	}

	deviceType, deviceName := resolveDevice(intent.Device)

	params := &models.QueryParams{
		UserID:      userID,
		Metrics:     resolveMetrics(intent.Metrics),
		StartTime:   start,
		EndTime:     end,
		DeviceType:  deviceType,
		DeviceName:  deviceName,
		Aggregation: ResolveAggregation(intent.Aggregation, start, end),
		Functions:   append([]string(nil), defaultFunctions...),
	}
	return params, nil
}

func parseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", trimmed)
}

// resolveDevice applies the device precedence chain: "all" clears the
// filter, abbreviations map to a category, a canonical category name is used
// as-is, and anything else matches by device name.
func resolveDevice(raw string) (deviceType, deviceName string) {
	trimmed := strings.TrimSpace(raw)
	lowered := strings.ToLower(trimmed)

	switch {
	case lowered == "" || lowered == "all":
		return "", ""
	case deviceAbbreviations[lowered] != "":
		return deviceAbbreviations[lowered], ""
	case models.ValidDeviceTypes[lowered]:
		return lowered, ""
	default:
		return "", trimmed
	}
}

// resolveMetrics canonicalizes and filters the requested metrics. Unknown
// entries are dropped; an empty result falls back to power consumption.
func resolveMetrics(requested []string) []string {
	resolved := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))

	for _, raw := range requested {
		metric, ok := canonicalMetric(raw)
		if !ok || seen[metric] {
			continue
		}
		seen[metric] = true
		resolved = append(resolved, metric)
	}

	if len(resolved) == 0 {
		return []string{models.MetricPowerConsumption}
	}
	return resolved
}

func canonicalMetric(raw string) (string, bool) {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if models.ValidMetrics[lowered] {
		return lowered, true
	}

	normalized := strings.NewReplacer("_", "", " ", "", "-", "").Replace(lowered)
	if metric, ok := metricAliases[normalized]; ok {
		return metric, true
	}
	return "", false
}

// ResolveAggregation honors an explicit valid level, otherwise picks one from
// the span: up to 2 days hourly, up to 14 daily, up to 90 weekly, monthly
// beyond that.
func ResolveAggregation(explicit string, start, end time.Time) models.AggregationLevel {
	lowered := models.AggregationLevel(strings.ToLower(strings.TrimSpace(explicit)))
	if models.ValidAggregations[lowered] {
		return lowered
	}

	spanDays := math.Ceil(end.Sub(start).Hours() / 24)
	switch {
	case spanDays <= 2:
		return models.AggregationHourly
	case spanDays <= 14:
		return models.AggregationDaily
	case spanDays <= 90:
		return models.AggregationWeekly
	default:
		return models.AggregationMonthly
	}
}
