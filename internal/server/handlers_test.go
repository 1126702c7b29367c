// internal/server/handlers_test.go
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"

	"energy-assistant/internal/common/config"
	"energy-assistant/internal/common/database"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
	"energy-assistant/internal/pipeline"
	"energy-assistant/internal/pipeline/intent"
	"energy-assistant/internal/pipeline/synthesize"
	"energy-assistant/internal/session"
	"energy-assistant/internal/telemetry"
)

// ==========================
// Test Fixture
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

// scriptedProvider replays one canned reply per chat call.
type scriptedProvider struct {
	name    string
	replies []string
	errs    map[int]error
	calls   [][]models.Message
}

func newScriptedProvider(name string, replies ...string) *scriptedProvider {
	return &scriptedProvider{name: name, replies: replies}
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) IsHealthy(context.Context) bool { return true }

func (s *scriptedProvider) AvailableModels(context.Context) ([]llm.ModelInfo, error) {
	return []llm.ModelInfo{{ID: "llama3", DisplayName: "Llama 3"}}, nil
}

func (s *scriptedProvider) Status(context.Context) llm.ProviderStatus {
	return llm.ProviderStatus{Name: s.name, Status: llm.StatusHealthy, LastChecked: time.Now().UTC()}
}

func (s *scriptedProvider) HasModel(context.Context, string) bool { return true }

func (s *scriptedProvider) Chat(_ context.Context, messages []models.Message, opts llm.ChatOptions) (*llm.ChatResult, error) {
	idx := len(s.calls)
	s.calls = append(s.calls, messages)

	if err, ok := s.errs[idx]; ok {
		return nil, err
	}
	if idx >= len(s.replies) {
		return nil, fmt.Errorf("no scripted reply for call %d", idx)
	}
	return &llm.ChatResult{Content: s.replies[idx], Model: opts.Model, Provider: s.name}, nil
}

// assembleRouter builds the full HTTP surface over a mocked database and an
// in-process Redis.
func assembleRouter(t *testing.T, fakes map[string]*scriptedProvider, db *sql.DB, mr *miniredis.Miniredis) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := createTestLogger(t)

	registry := llm.NewRegistry(log)
	registry.Register(llm.Plugin{
		Name: "stub",
		Factory: func(providerName string, _ map[string]interface{}, _ logger.Logger) (llm.Provider, error) {
			fake, ok := fakes[providerName]
			if !ok {
				return nil, fmt.Errorf("no fake registered for %s", providerName)
			}
			return fake, nil
		},
	})

	providerCfg := make(map[string]config.ProviderConfig, len(fakes))
	for name := range fakes {
		providerCfg[name] = config.ProviderConfig{Enabled: true, Plugin: "stub"}
	}
	factory := llm.NewFactory(registry, providerCfg, time.Second, log)

	pgClient := &database.PostgresClient{DB: db}
	redisClient := &database.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	engine := telemetry.NewEngine(pgClient, log)
	store := session.NewStore(redisClient, 20, time.Hour, log)

	extractor := intent.NewExtractor(log)
	extractor.Clock = func() time.Time {
		return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	}

	orchestrator := pipeline.NewOrchestrator(
		factory, engine, store, extractor, synthesize.NewSynthesizer(log), otel.Tracer("test"), log,
	)

	cfg := &config.Config{
		App:           config.AppConfig{Name: "energy-assistant", Version: "test", Environment: "test"},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
	}

	return NewServer(cfg, log, orchestrator, factory, engine, pgClient, redisClient, nil).Router()
}

func newTestRouter(t *testing.T, fakes map[string]*scriptedProvider) (*gin.Engine, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	return assembleRouter(t, fakes, db, mr), mock, mr
}

func perform(router *gin.Engine, method, path, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type errorEnvelope struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details string                 `json:"details"`
		Fields  map[string]interface{} `json:"fields"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

// ==========================
// Middleware Tests
// ==========================

func TestRequireUser_MissingHeader(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/api/v1/chat", `{"message": "hi"}`},
		{http.MethodGet, "/api/v1/providers", ""},
		{http.MethodPost, "/api/v1/telemetry/query", `{"metrics": ["power_consumption"], "startDate": "2024-06-08", "endDate": "2024-06-15"}`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := perform(router, tt.method, tt.path, "", tt.body)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			envelope := decodeError(t, w)
			assert.Equal(t, "UNAUTHORIZED", envelope.Error.Code)
			assert.Equal(t, "Authentication required", envelope.Error.Message)
		})
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID_Assigned(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/health", "", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_HonorsCallerSupplied(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodOptions, "/api/v1/chat", "", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

// ==========================
// Chat Endpoint Tests
// ==========================

func TestHandleChat_PlainTurn(t *testing.T) {
	provider := newScriptedProvider("ollama",
		`{"needsTelemetry":false}`,
		"Hello! How can I help with your home energy today?",
	)
	router, _, _ := newTestRouter(t, map[string]*scriptedProvider{"ollama": provider})

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", `{"message": "hi there"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Hello! How can I help with your home energy today?", resp.Response)
	assert.Len(t, resp.SessionID, 36)
	assert.Len(t, provider.calls, 2)
}

func TestHandleChat_MissingMessage(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", `{"sessionId": "s-1"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Fields, "message")
}

func TestHandleChat_EmptyMessageRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", `{"message": ""}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Contains(t, envelope.Error.Fields, "message")
}

func TestHandleChat_EmptyBody(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Details, "request body is required")
}

func TestHandleChat_NonObjectBody(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", `[1, 2, 3]`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Contains(t, envelope.Error.Details, "must be a JSON object")
}

// A failed pipeline stage must not surface as a server error; the contract is
// a 200 with the apology reply.
func TestHandleChat_PipelineFailureStaysOK(t *testing.T) {
	provider := newScriptedProvider("ollama")
	provider.errs = map[int]error{0: fmt.Errorf("backend exploded")}
	router, _, _ := newTestRouter(t, map[string]*scriptedProvider{"ollama": provider})

	w := perform(router, http.MethodPost, "/api/v1/chat", "user-7", `{"message": "hi"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ApologyResponse, resp.Response)
}

// ==========================
// Provider Catalog Tests
// ==========================

func TestHandleListProviders(t *testing.T) {
	provider := newScriptedProvider("ollama")
	router, _, _ := newTestRouter(t, map[string]*scriptedProvider{"ollama": provider})

	w := perform(router, http.MethodGet, "/api/v1/providers", "user-7", "")

	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Providers []llm.ProviderStatus `json:"providers"`
		Count     int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Providers, 1)
	assert.Equal(t, "ollama", payload.Providers[0].Name)
	assert.Equal(t, llm.StatusHealthy, payload.Providers[0].Status)
}

func TestHandleListProviders_NoneConfigured(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/api/v1/providers", "user-7", "")

	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, 0, payload.Count)
}

// ==========================
// Telemetry Query Endpoint Tests
// ==========================

func TestHandleTelemetryQuery_Success(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)

	bucket := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"bucket", "id", "name", "type", "power_consumption_avg"}).
		AddRow(bucket, "dev-1", "Living Room AC", "air_conditioner", 1250.5)

	mock.ExpectQuery(`date_trunc\('day', r\.timestamp\).*WHERE d\.user_id = \$1`).
		WithArgs(
			"user-7",
			time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
			100, 0,
		).
		WillReturnRows(rows)

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"functions": ["avg"]
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result models.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.AggregationDaily, result.Aggregation)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "Living Room AC", result.Data[0].Device.Name)
	assert.InDelta(t, 1250.5, result.Data[0].Metrics["power_consumption"]["avg"], 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleTelemetryQuery_ExplicitAggregation(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)

	mock.ExpectQuery(`date_trunc\('hour', r\.timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "id", "name", "type", "power_consumption_avg"}))

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"aggregation": "hourly",
		"functions": ["avg"]
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleTelemetryQuery_RFC3339Timestamps(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)

	mock.ExpectQuery(`WHERE d\.user_id = \$1`).
		WithArgs(
			"user-7",
			time.Date(2024, 6, 8, 6, 30, 0, 0, time.UTC),
			time.Date(2024, 6, 8, 18, 30, 0, 0, time.UTC),
			100, 0,
		).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "id", "name", "type", "power_consumption_avg"}))

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08T06:30:00Z",
		"endDate": "2024-06-08T18:30:00Z",
		"functions": ["avg"]
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleTelemetryQuery_EmptyResultIsOK(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)

	mock.ExpectQuery(`WHERE d\.user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "id", "name", "type", "power_consumption_avg"}))

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"functions": ["avg"]
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestHandleTelemetryQuery_MissingRequiredFields(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Fields, "metrics")
	assert.Contains(t, envelope.Error.Fields, "startDate")
	assert.Contains(t, envelope.Error.Fields, "endDate")
}

func TestHandleTelemetryQuery_BothDeviceFiltersRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"deviceName": "Living Room AC",
		"deviceType": "air_conditioner"
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Fields, "deviceName")
}

func TestHandleTelemetryQuery_UserIDMismatch(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	body := `{
		"userId": "someone-else",
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15"
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusForbidden, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "DEVICE_OWNERSHIP_MISMATCH", envelope.Error.Code)
}

func TestHandleTelemetryQuery_MatchingUserIDAllowed(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)

	mock.ExpectQuery(`WHERE d\.user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "id", "name", "type", "power_consumption_avg"}))

	body := `{
		"userId": "user-7",
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"functions": ["avg"]
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleTelemetryQuery_BadStartDate(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "June 8th",
		"endDate": "2024-06-15"
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Contains(t, envelope.Error.Fields, "startDate")
	assert.Contains(t, envelope.Error.Fields["startDate"], "ISO-8601")
}

func TestHandleTelemetryQuery_InvalidAggregationEnum(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	body := `{
		"metrics": ["power_consumption"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15",
		"aggregation": "fortnightly"
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Contains(t, envelope.Error.Fields, "aggregation")
}

// Engine-level validation surfaces through the same error envelope as schema
// validation.
func TestHandleTelemetryQuery_UnknownMetricRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	body := `{
		"metrics": ["temperature"],
		"startDate": "2024-06-08",
		"endDate": "2024-06-15"
	}`
	w := perform(router, http.MethodPost, "/api/v1/telemetry/query", "user-7", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Fields, "metrics")
}

// ==========================
// Probe Endpoint Tests
// ==========================

func TestHandleHealth(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/health", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "energy-assistant", payload["service"])
	assert.Equal(t, "test", payload["version"])
}

func TestHandleReady_AllBackendsUp(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/ready", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "ready", payload.Status)
	assert.Equal(t, "ok", payload.Checks["postgres"])
	assert.Equal(t, "ok", payload.Checks["redis"])
}

func TestHandleReady_PostgresDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(fmt.Errorf("connection refused"))

	mr := miniredis.RunT(t)
	router := assembleRouter(t, nil, db, mr)

	w := perform(router, http.MethodGet, "/ready", "", "")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "unavailable", payload.Status)
	assert.Contains(t, payload.Checks["postgres"], "connection refused")
	assert.Equal(t, "ok", payload.Checks["redis"])
}

func TestHandleReady_RedisDown(t *testing.T) {
	router, _, mr := newTestRouter(t, nil)
	mr.SetError("LOADING Redis is loading the dataset in memory")

	w := perform(router, http.MethodGet, "/ready", "", "")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "unavailable", payload.Status)
	assert.Equal(t, "ok", payload.Checks["postgres"])
	assert.Contains(t, payload.Checks["redis"], "LOADING")
}

func TestMetricsEndpointExposed(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := perform(router, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}
