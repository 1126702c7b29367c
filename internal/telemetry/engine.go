// internal/telemetry/engine.go
package telemetry

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"energy-assistant/internal/common/database"
	"energy-assistant/internal/common/errors"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
	"energy-assistant/internal/models"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// bucketUnits maps aggregation levels onto date_trunc units.
var bucketUnits = map[models.AggregationLevel]string{
	models.AggregationHourly:  "hour",
	models.AggregationDaily:   "day",
	models.AggregationWeekly:  "week",
	models.AggregationMonthly: "month",
}

// sqlFunctions is the allowlist of aggregate functions interpolated into
// projections. Only validated entries ever reach the query text.
var sqlFunctions = map[string]string{
	models.FunctionAvg: "AVG",
	models.FunctionSum: "SUM",
	models.FunctionMin: "MIN",
	models.FunctionMax: "MAX",
}

// projection is one (metric, function) aggregate column. The same slice used
// to build the SELECT list drives row unpacking, so column order can never
// drift from the reshaping step.
type projection struct {
	metric   string
	function string
}

// Engine executes time-bucketed statistical queries over device readings.
// The readings-to-devices join scoped by user id is the tenant boundary for
// every query this engine runs.
type Engine struct {
	db     *database.PostgresClient
	logger logger.Logger
}

func NewEngine(db *database.PostgresClient, log logger.Logger) *Engine {
	return &Engine{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "aggregation-engine"}),
	}
}

// Query validates params, runs the aggregation, and reshapes rows into
// per-bucket, per-device results. Zero matching devices or readings yields an
// empty Data slice, not an error. No deadline is applied here; cancellation
// is inherited from ctx.
func (e *Engine) Query(ctx context.Context, params *models.QueryParams) (*models.QueryResult, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	normalizeParams(params)

	query, args, projections := buildQuery(params)

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, e.queryFailure(params, err)
	}
	defer rows.Close()

	results := make([]models.AggregatedResult, 0)
	for rows.Next() {
		var bucket time.Time
		var deviceID, deviceName, deviceType string

		values := make([]sql.NullFloat64, len(projections))
		dest := make([]interface{}, 0, 4+len(projections))
		dest = append(dest, &bucket, &deviceID, &deviceName, &deviceType)
		for i := range values {
			dest = append(dest, &values[i])
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, e.queryFailure(params, err)
		}

		metricValues := make(map[string]map[string]float64, len(params.Metrics))
		for i, p := range projections {
			if !values[i].Valid {
				continue
			}
			if metricValues[p.metric] == nil {
				metricValues[p.metric] = make(map[string]float64, len(params.Functions))
			}
			metricValues[p.metric][p.function] = values[i].Float64
		}

		results = append(results, models.AggregatedResult{
			Device: models.DeviceRef{
				ID:   deviceID,
				Name: deviceName,
				Type: deviceType,
			},
			Timestamp: bucket,
			Metrics:   metricValues,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, e.queryFailure(params, err)
	}

	metrics.TelemetryRowsReturned.WithLabelValues(string(params.Aggregation)).Observe(float64(len(results)))

	return &models.QueryResult{
		Data: results,
		TimeRange: models.TimeRange{
			Start: params.StartTime,
			End:   params.EndTime,
		},
		Aggregation: params.Aggregation,
	}, nil
}

func (e *Engine) queryFailure(params *models.QueryParams, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		e.logger.Warn("aggregation query cancelled", map[string]interface{}{
			"userId": params.UserID,
			"error":  err.Error(),
		})
		return errors.NewQueryTimeoutError()
	}

	e.logger.Error("aggregation query failed", map[string]interface{}{
		"userId":      params.UserID,
		"aggregation": string(params.Aggregation),
		"error":       err.Error(),
	})
	return errors.NewQueryExecutionFailedError(err)
}

// validateParams enforces the request contract with field-level detail.
func validateParams(params *models.QueryParams) error {
	fields := make(map[string]interface{})

	if params.UserID == "" {
		fields["userId"] = "user id is required"
	}

	if len(params.Metrics) == 0 {
		fields["metrics"] = "at least one metric is required"
	}
	for _, metric := range params.Metrics {
		if !models.ValidMetrics[metric] {
			fields["metrics"] = fmt.Sprintf("unknown metric %q", metric)
			break
		}
	}

	if params.StartTime.IsZero() {
		fields["startDate"] = "start date is required"
	}
	if params.EndTime.IsZero() {
		fields["endDate"] = "end date is required"
	}
	if !params.StartTime.IsZero() && !params.EndTime.IsZero() && !params.StartTime.Before(params.EndTime) {
		fields["startDate"] = "start date must be before end date"
	}

	if !models.ValidAggregations[params.Aggregation] {
		fields["aggregation"] = fmt.Sprintf("aggregation must be one of hourly, daily, weekly, monthly, got %q", string(params.Aggregation))
	}

	for _, fn := range params.Functions {
		if !models.ValidFunctions[fn] {
			fields["functions"] = fmt.Sprintf("unknown function %q", fn)
			break
		}
	}

	if params.DeviceType != "" && params.DeviceName != "" {
		fields["deviceName"] = "deviceName and deviceType are mutually exclusive"
	}

	if len(fields) == 0 {
		return nil
	}
	return errors.NewValidationFailedError("aggregation query rejected", fields)
}

// normalizeParams applies limit/offset defaults and the empty-functions
// fallback after validation has passed.
func normalizeParams(params *models.QueryParams) {
	if params.Limit <= 0 {
		params.Limit = defaultLimit
	}
	if params.Limit > maxLimit {
		params.Limit = maxLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if len(params.Functions) == 0 {
		params.Functions = []string{
			models.FunctionAvg,
			models.FunctionSum,
			models.FunctionMin,
			models.FunctionMax,
		}
	}
}

// buildQuery assembles the aggregation SQL. Metric and function identifiers
// are interpolated only after validation against the canonical sets; all
// values travel as placeholders. The d.user_id filter is the tenant boundary.
func buildQuery(params *models.QueryParams) (string, []interface{}, []projection) {
	projections := make([]projection, 0, len(params.Metrics)*len(params.Functions))
	for _, metric := range params.Metrics {
		for _, fn := range params.Functions {
			projections = append(projections, projection{metric: metric, function: fn})
		}
	}

	var b strings.Builder
	args := []interface{}{params.UserID, params.StartTime, params.EndTime}

	fmt.Fprintf(&b, "SELECT date_trunc('%s', r.timestamp) AS bucket,\n", bucketUnits[params.Aggregation])
	b.WriteString("       d.id, d.name, d.type")
	for _, p := range projections {
		fmt.Fprintf(&b, ",\n       %s(r.%s) AS %s_%s", sqlFunctions[p.function], p.metric, p.metric, p.function)
	}
	b.WriteString("\nFROM telemetry_readings r\n")
	b.WriteString("JOIN devices d ON d.id = r.device_id\n")
	b.WriteString("WHERE d.user_id = $1\n")
	b.WriteString("  AND r.timestamp >= $2\n")
	b.WriteString("  AND r.timestamp < $3")

	if params.DeviceType != "" {
		args = append(args, "%"+params.DeviceType+"%")
		fmt.Fprintf(&b, "\n  AND d.type ILIKE $%d", len(args))
	} else if params.DeviceName != "" {
		args = append(args, "%"+params.DeviceName+"%")
		fmt.Fprintf(&b, "\n  AND d.name ILIKE $%d", len(args))
	}

	b.WriteString("\nGROUP BY bucket, d.id, d.name, d.type")
	b.WriteString("\nORDER BY bucket ASC")

	args = append(args, params.Limit)
	fmt.Fprintf(&b, "\nLIMIT $%d", len(args))
	args = append(args, params.Offset)
	fmt.Fprintf(&b, " OFFSET $%d", len(args))

	return b.String(), args, projections
}
