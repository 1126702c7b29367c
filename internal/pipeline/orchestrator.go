// internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"energy-assistant/internal/common/errors"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
	"energy-assistant/internal/pipeline/intent"
	"energy-assistant/internal/pipeline/synthesize"
	"energy-assistant/internal/pipeline/translate"
	"energy-assistant/internal/session"
	"energy-assistant/internal/telemetry"
)

// ApologyResponse is the fixed reply for any failed chat turn. Failures are
// logged server-side with full detail; callers only ever see this string and
// an HTTP 200.
const ApologyResponse = "I'm sorry, I couldn't process that request right now. Please try again in a moment."

const plainChatInstruction = `You are a friendly home energy assistant. The user is chatting with you about their home, devices, and energy usage. Keep replies short and conversational. If answering would require their actual telemetry data, say what you would need instead of inventing numbers.`

// Orchestrator wires the chat turn stages together: extract intent,
// optionally translate and aggregate, then synthesize or answer plainly.
// Stages run sequentially; a failure at any stage degrades the turn to the
// apology response rather than propagating.
type Orchestrator struct {
	factory     *llm.Factory
	engine      *telemetry.Engine
	sessions    *session.Store
	extractor   *intent.Extractor
	synthesizer *synthesize.Synthesizer
	tracer      trace.Tracer
	logger      logger.Logger
}

func NewOrchestrator(
	factory *llm.Factory,
	engine *telemetry.Engine,
	sessions *session.Store,
	extractor *intent.Extractor,
	synthesizer *synthesize.Synthesizer,
	tracer trace.Tracer,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		factory:     factory,
		engine:      engine,
		sessions:    sessions,
		extractor:   extractor,
		synthesizer: synthesizer,
		tracer:      tracer,
		logger:      log.WithFields(map[string]interface{}{"component": "pipeline"}),
	}
}

// HandleChatTurn runs one conversational turn for the given principal. It
// never returns an error: every failure path resolves to the apology reply.
func (o *Orchestrator) HandleChatTurn(ctx context.Context, userID string, req *models.ChatRequest) *models.ChatResponse {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	log := o.logger.WithFields(map[string]interface{}{
		"sessionId": sessionID,
		"userId":    userID,
	})

	provider, err := o.resolveProvider(ctx, req.Provider)
	if err != nil {
		log.Warn("no usable provider for chat turn", map[string]interface{}{
			"requestedProvider": req.Provider,
			"error":             err.Error(),
		})
		return o.respond(ctx, sessionID, req.Message, ApologyResponse)
	}

	history, err := o.sessions.History(ctx, sessionID)
	if err != nil {
		log.Warn("session history unavailable, continuing without it", map[string]interface{}{
			"error": err.Error(),
		})
		history = nil
	}

	var extracted *models.QueryIntent
	err = o.runStage(ctx, "extract_intent", func(ctx context.Context) error {
		var stageErr error
		extracted, stageErr = o.extractor.Extract(ctx, provider, req.Model, req.Message, history)
		return stageErr
	})
	if err != nil {
		log.Error("intent extraction failed", map[string]interface{}{"error": err.Error()})
		return o.respond(ctx, sessionID, req.Message, ApologyResponse)
	}

	var queryResult *models.QueryResult
	if extracted.NeedsTelemetry {
		var params *models.QueryParams
		err = o.runStage(ctx, "translate", func(ctx context.Context) error {
			var stageErr error
			params, stageErr = translate.Translate(extracted, userID)
			return stageErr
		})
		if err != nil {
			log.Warn("intent could not be translated to a query", map[string]interface{}{
				"error":  err.Error(),
				"device": extracted.Device,
			})
			return o.respond(ctx, sessionID, req.Message, ApologyResponse)
		}

		err = o.runStage(ctx, "aggregate", func(ctx context.Context) error {
			var stageErr error
			queryResult, stageErr = o.engine.Query(ctx, params)
			return stageErr
		})
		if err != nil {
			log.Error("telemetry aggregation failed", map[string]interface{}{"error": err.Error()})
			return o.respond(ctx, sessionID, req.Message, ApologyResponse)
		}
	}

	var reply string
	if queryResult != nil {
		err = o.runStage(ctx, "synthesize", func(ctx context.Context) error {
			var stageErr error
			reply, stageErr = o.synthesizer.Synthesize(ctx, provider, req.Model, req.Message, queryResult)
			return stageErr
		})
		if err != nil {
			log.Error("response synthesis failed", map[string]interface{}{"error": err.Error()})
			return o.respond(ctx, sessionID, req.Message, ApologyResponse)
		}
	} else {
		err = o.runStage(ctx, "plain_chat", func(ctx context.Context) error {
			var stageErr error
			reply, stageErr = o.plainChat(ctx, provider, req.Model, req.Message, history)
			return stageErr
		})
		if err != nil {
			log.Error("plain chat completion failed", map[string]interface{}{"error": err.Error()})
			return o.respond(ctx, sessionID, req.Message, ApologyResponse)
		}
	}

	log.Info("chat turn completed", map[string]interface{}{
		"provider":       provider.Name(),
		"needsTelemetry": extracted.NeedsTelemetry,
	})
	return o.respond(ctx, sessionID, req.Message, reply)
}

// resolveProvider honors an explicit provider override, otherwise falls back
// to the default-provider preference.
func (o *Orchestrator) resolveProvider(ctx context.Context, requested string) (llm.Provider, error) {
	if requested != "" {
		return o.factory.GetProvider(requested)
	}
	return o.factory.GetDefaultProvider(ctx)
}

func (o *Orchestrator) plainChat(ctx context.Context, provider llm.Provider, model, userMessage string, history []models.ConversationTurn) (string, error) {
	messages := make([]models.Message, 0, len(history)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: plainChatInstruction})
	for _, turn := range history {
		messages = append(messages, turn.ToMessage())
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: userMessage})

	result, err := provider.Chat(ctx, messages, llm.ChatOptions{Model: model})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}

// respond records the turn in the session transcript and builds the reply.
// Transcript failures are logged and swallowed; the reply still goes out.
func (o *Orchestrator) respond(ctx context.Context, sessionID, userMessage, reply string) *models.ChatResponse {
	now := time.Now().UTC()
	err := o.sessions.Append(ctx, sessionID,
		models.ConversationTurn{Role: models.RoleUser, Content: userMessage, Timestamp: now},
		models.ConversationTurn{Role: models.RoleAssistant, Content: reply, Timestamp: now},
	)
	if err != nil {
		o.logger.Warn("failed to record conversation turn", map[string]interface{}{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}

	return &models.ChatResponse{
		Response:  reply,
		SessionID: sessionID,
	}
}

// runStage wraps one pipeline stage with a span and stage metrics.
func (o *Orchestrator) runStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "chat."+stage)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PipelineStagesFailed.WithLabelValues(stage, stageErrorCode(err)).Inc()
		span.RecordError(err)
		return err
	}

	metrics.PipelineStagesCompleted.WithLabelValues(stage).Inc()
	return nil
}

func stageErrorCode(err error) string {
	var stdErr *errors.StandardError
	if stderrors.As(err, &stdErr) {
		return string(stdErr.Code)
	}
	return "INTERNAL_ERROR"
}
