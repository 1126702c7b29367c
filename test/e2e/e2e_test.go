// test/e2e/e2e_test.go
package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
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
	"energy-assistant/internal/llm/providers/ollama"
	"energy-assistant/internal/pipeline"
	"energy-assistant/internal/pipeline/intent"
	"energy-assistant/internal/pipeline/synthesize"
	"energy-assistant/internal/server"
	"energy-assistant/internal/session"
	"energy-assistant/internal/telemetry"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// ==========================
// Fake Model Backend
// ==========================

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireChatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type wireChatResponse struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

type wireTagEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// fakeOllama speaks just enough of the backend wire protocol for the real
// provider adapter: the tags listing for health and discovery, and the chat
// endpoint. Chat replies are chosen by the shape of the incoming prompt, so
// the script survives retries and extra turns.
type fakeOllama struct {
	mu        sync.Mutex
	intentOut string
	answerOut string
	plainOut  string
	failChat  bool
	chatCalls []wireChatRequest
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		f.handleTags(w)
	case "/api/chat":
		f.handleChat(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOllama) handleTags(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"models": []wireTagEntry{
			{Name: "llama3:8b", Size: 5046586573, ModifiedAt: "2024-05-30T12:00:00Z"},
		},
	})
}

func (f *fakeOllama) handleChat(w http.ResponseWriter, r *http.Request) {
	var req wireChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, req)
	fail := f.failChat
	reply := f.replyFor(req)
	f.mu.Unlock()

	if fail {
		http.Error(w, "model runner crashed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wireChatResponse{
		Model:           req.Model,
		Message:         wireMessage{Role: "assistant", Content: reply},
		PromptEvalCount: 64,
		EvalCount:       32,
	})
}

// replyFor picks the canned reply for the stage that produced the prompt:
// extraction prompts end with a system instruction, synthesis prompts carry
// the aggregated data block, anything else is plain conversation. Callers
// hold f.mu.
func (f *fakeOllama) replyFor(req wireChatRequest) string {
	if len(req.Messages) == 0 {
		return f.plainOut
	}
	if req.Messages[len(req.Messages)-1].Role == "system" {
		return f.intentOut
	}
	if strings.Contains(req.Messages[0].Content, "Aggregated telemetry data:") {
		return f.answerOut
	}
	return f.plainOut
}

func (f *fakeOllama) setScript(intentOut, answerOut, plainOut string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentOut = intentOut
	f.answerOut = answerOut
	f.plainOut = plainOut
}

func (f *fakeOllama) setFailChat(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failChat = fail
}

func (f *fakeOllama) calls() []wireChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wireChatRequest, len(f.chatCalls))
	copy(out, f.chatCalls)
	return out
}

// ==========================
// Test Environment
// ==========================

type testEnv struct {
	router  *gin.Engine
	backend *fakeOllama
	mock    sqlmock.Sqlmock
}

// newTestEnv assembles the whole service in-process: the real router,
// pipeline, provider adapter, and stores, backed by a fake model server, a
// mocked database, and an in-process Redis.
func newTestEnv(tb testing.TB, log logger.Logger) *testEnv {
	tb.Helper()

	backend := &fakeOllama{plainOut: "Happy to help."}
	backendSrv := httptest.NewServer(backend)
	tb.Cleanup(backendSrv.Close)

	db, mock, err := sqlmock.New()
	require.NoError(tb, err)
	tb.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(tb)

	registry := llm.NewRegistry(log)
	registry.Register(ollama.Plugin())

	providerCfg := map[string]config.ProviderConfig{
		"ollama": {
			Enabled: true,
			Plugin:  "ollama",
			Settings: map[string]interface{}{
				"base_url":      backendSrv.URL,
				"default_model": "llama3",
				"timeout":       2000,
				"max_retries":   1,
			},
		},
	}
	factory := llm.NewFactory(registry, providerCfg, 2*time.Second, log)

	pgClient := &database.PostgresClient{DB: db}
	redisClient := &database.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	engine := telemetry.NewEngine(pgClient, log)
	store := session.NewStore(redisClient, 20, time.Hour, log)

	extractor := intent.NewExtractor(log)
	extractor.Clock = func() time.Time {
		return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	}

	orchestrator := pipeline.NewOrchestrator(
		factory, engine, store, extractor, synthesize.NewSynthesizer(log), otel.Tracer("e2e"), log,
	)

	cfg := &config.Config{
		App:           config.AppConfig{Name: "energy-assistant", Version: "e2e", Environment: "test"},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
	}

	router := server.NewServer(cfg, log, orchestrator, factory, engine, pgClient, redisClient, nil).Router()
	return &testEnv{router: router, backend: backend, mock: mock}
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

type chatResponseBody struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

type queryResultBody struct {
	Data []struct {
		Device struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"device"`
		Timestamp time.Time                     `json:"timestamp"`
		Metrics   map[string]map[string]float64 `json:"metrics"`
	} `json:"data"`
	Aggregation string `json:"aggregation"`
}

func aggregateColumns() []string {
	return []string{
		"bucket", "id", "name", "type",
		"power_consumption_avg", "power_consumption_sum", "power_consumption_min", "power_consumption_max",
	}
}

func joinContents(messages []wireMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ==========================
// Full Pipeline Test
// ==========================

func TestFullPipelineE2E(t *testing.T) {
	env := newTestEnv(t, logger.NewZapAdapter(zaptest.NewLogger(t)))

	t.Log("Starting full pipeline run against in-process backends...")

	// 1. Surface checks: liveness, readiness, auth, provider discovery
	assertServiceSurface(t, env)

	// 2. Conversational telemetry turn: extract, aggregate, synthesize
	sessionID := runTelemetryTurn(t, env)

	// 3. Follow-up turn on the same session rides on the stored transcript
	runFollowUpTurn(t, env, sessionID)

	// 4. Structured telemetry query, bypassing the conversation
	runDirectTelemetryQuery(t, env)

	// 5. Backend failure degrades chat to the apology, never to a 5xx
	runDegradedChatTurn(t, env)

	// 6. Pipeline metrics are exposed
	assertMetricsExposed(t, env)
}

func assertServiceSurface(t *testing.T, env *testEnv) {
	w := perform(env.router, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = perform(env.router, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = perform(env.router, http.MethodPost, "/api/v1/chat", "", `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(env.router, http.MethodGet, "/api/v1/providers", "user-42", "")
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Providers []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Models []struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
				Size        string `json:"size"`
			} `json:"models"`
		} `json:"providers"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)

	provider := listing.Providers[0]
	assert.Equal(t, "ollama", provider.Name)
	assert.Equal(t, llm.StatusHealthy, provider.Status)
	require.Len(t, provider.Models, 1)
	assert.Equal(t, "llama3:8b", provider.Models[0].ID)
	assert.Equal(t, "Llama 3", provider.Models[0].DisplayName)
	assert.Equal(t, "4.7 GB", provider.Models[0].Size)

	t.Log("service surface up, provider discovered")
}

func runTelemetryTurn(t *testing.T, env *testEnv) string {
	env.backend.setScript(
		`{"needsTelemetry": true, "device": "ac", "metrics": ["power_consumption"], "timeRange": {"start": "2024-06-08T00:00:00Z", "end": "2024-06-15T00:00:00Z"}, "aggregation": "daily"}`,
		"Your AC consumed about 30 kWh last week, averaging 1.25 kW while running.",
		"",
	)

	start := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(aggregateColumns()).
		AddRow(start.Add(24*time.Hour), "dev-ac-1", "Living Room AC", "air_conditioner", 1250.5, 30012.0, 820.0, 1890.0)
	env.mock.ExpectQuery(`date_trunc\('day', r\.timestamp\).*d\.type ILIKE \$4`).
		WithArgs("user-42", start, end, "%air_conditioner%", 100, 0).
		WillReturnRows(rows)

	w := perform(env.router, http.MethodPost, "/api/v1/chat", "user-42",
		`{"message":"What was my AC usage last week?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp chatResponseBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Your AC consumed about 30 kWh last week, averaging 1.25 kW while running.", resp.Response)
	assert.Len(t, resp.SessionID, 36)

	require.NoError(t, env.mock.ExpectationsWereMet())

	calls := env.backend.calls()
	require.Len(t, calls, 2)

	extraction := calls[0]
	assert.Equal(t, "llama3", extraction.Model, "default model applies when the request names none")
	require.NotEmpty(t, extraction.Messages)
	assert.Equal(t, "system", extraction.Messages[len(extraction.Messages)-1].Role)
	assert.Contains(t, joinContents(extraction.Messages), "Current date: 2024-06-15 (Saturday)")
	assert.Contains(t, joinContents(extraction.Messages), "What was my AC usage last week?")

	synthesis := joinContents(calls[1].Messages)
	assert.Contains(t, synthesis, "Aggregated telemetry data:")
	assert.Contains(t, synthesis, "Living Room AC")
	assert.Contains(t, synthesis, "1250.5")

	t.Log("telemetry turn answered from aggregated rows")
	return resp.SessionID
}

func runFollowUpTurn(t *testing.T, env *testEnv, sessionID string) {
	env.backend.setScript(
		`{"needsTelemetry": false}`,
		"",
		"You're welcome. Anything else about your devices?",
	)

	body := fmt.Sprintf(`{"message":"Thanks!","sessionId":%q}`, sessionID)
	w := perform(env.router, http.MethodPost, "/api/v1/chat", "user-42", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp chatResponseBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Equal(t, "You're welcome. Anything else about your devices?", resp.Response)

	calls := env.backend.calls()
	require.Len(t, calls, 4)

	// Both turns of the first exchange ride along in the follow-up prompt.
	extraction := joinContents(calls[2].Messages)
	assert.Contains(t, extraction, "What was my AC usage last week?")
	assert.Contains(t, extraction, "Your AC consumed about 30 kWh")
	assert.Contains(t, extraction, "Thanks!")
}

func runDirectTelemetryQuery(t *testing.T, env *testEnv) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(aggregateColumns()).
		AddRow(start, "dev-fridge-1", "Kitchen Fridge", "refrigerator", 145.2, 3484.8, 120.0, 210.4)
	env.mock.ExpectQuery(`date_trunc\('day', r\.timestamp\).*WHERE d\.user_id = \$1`).
		WithArgs("user-42", start, end, 100, 0).
		WillReturnRows(rows)

	body := `{"metrics":["power_consumption"],"startDate":"2024-06-01T00:00:00Z","endDate":"2024-06-08T00:00:00Z","aggregation":"daily"}`
	w := perform(env.router, http.MethodPost, "/api/v1/telemetry/query", "user-42", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result queryResultBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Data, 1)
	assert.Equal(t, "Kitchen Fridge", result.Data[0].Device.Name)
	assert.Equal(t, "daily", result.Aggregation)
	assert.InDelta(t, 145.2, result.Data[0].Metrics["power_consumption"]["avg"], 0.001)

	require.NoError(t, env.mock.ExpectationsWereMet())
}

func runDegradedChatTurn(t *testing.T, env *testEnv) {
	env.backend.setFailChat(true)
	defer env.backend.setFailChat(false)

	w := perform(env.router, http.MethodPost, "/api/v1/chat", "user-42", `{"message":"And my heater?"}`)
	require.Equal(t, http.StatusOK, w.Code, "chat must not surface backend failures as HTTP errors")

	var resp chatResponseBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ApologyResponse, resp.Response)
	assert.NotEmpty(t, resp.SessionID)
}

func assertMetricsExposed(t *testing.T, env *testEnv) {
	w := perform(env.router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "pipeline_stages_completed_total")
	assert.Contains(t, body, "provider_healthy")
}

// ==========================
// Benchmark
// ==========================

func BenchmarkChatTurn_PlainConversation(b *testing.B) {
	env := newTestEnv(b, logger.NewNoOpLogger())
	env.backend.setScript(`{"needsTelemetry": false}`, "", "Happy to help.")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := perform(env.router, http.MethodPost, "/api/v1/chat", "bench-user", `{"message":"hello"}`)
		if w.Code != http.StatusOK {
			b.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
		}
	}
}
