// internal/session/store.go
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"energy-assistant/internal/common/database"
	"energy-assistant/internal/common/errors"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/models"
)

const sessionKeyPattern = "chat:session:%s"

// Store keeps per-session conversation transcripts in Redis. Each session is
// a list of JSON-encoded turns, capped to the configured history limit and
// expiring after the TTL. Query results are never stored here.
type Store struct {
	redis        *database.RedisClient
	historyLimit int
	ttl          time.Duration
	logger       logger.Logger
}

func NewStore(redisClient *database.RedisClient, historyLimit int, ttl time.Duration, log logger.Logger) *Store {
	return &Store{
		redis:        redisClient,
		historyLimit: historyLimit,
		ttl:          ttl,
		logger:       log.WithFields(map[string]interface{}{"component": "session-store"}),
	}
}

// History returns the stored transcript for a session, oldest first. Corrupt
// entries are skipped, not fatal.
func (s *Store) History(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	key := fmt.Sprintf(sessionKeyPattern, sessionID)

	entries, err := s.redis.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, errors.NewSessionStoreError(err)
	}

	turns := make([]models.ConversationTurn, 0, len(entries))
	for _, entry := range entries {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(entry), &turn); err != nil {
			s.logger.Warn("skipping corrupt transcript entry", map[string]interface{}{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
			continue
		}
		turns = append(turns, turn)
	}

	return turns, nil
}

// Append adds turns to the transcript, trims it to the history limit, and
// refreshes the session TTL.
func (s *Store) Append(ctx context.Context, sessionID string, turns ...models.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}

	key := fmt.Sprintf(sessionKeyPattern, sessionID)

	values := make([]interface{}, 0, len(turns))
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return errors.NewSessionStoreError(err)
		}
		values = append(values, data)
	}

	if err := s.redis.RPush(ctx, key, values...); err != nil {
		return errors.NewSessionStoreError(err)
	}
	if err := s.redis.LTrim(ctx, key, -int64(s.historyLimit), -1); err != nil {
		return errors.NewSessionStoreError(err)
	}
	if err := s.redis.Expire(ctx, key, s.ttl); err != nil {
		return errors.NewSessionStoreError(err)
	}

	return nil
}

// Clear removes a session's transcript.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	key := fmt.Sprintf(sessionKeyPattern, sessionID)
	if err := s.redis.Del(ctx, key); err != nil {
		return errors.NewSessionStoreError(err)
	}
	return nil
}
