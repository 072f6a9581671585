package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/blink-duel/config"
	"github.com/mossy-p/blink-duel/internal/models"
)

const (
	queueKey       = "queue:waiting"
	queueNamesKey  = "queue:names"
	matchKeyPrefix = "match:"
)

// ErrMatchNotFound is returned when a match record is missing or expired
var ErrMatchNotFound = errors.New("match not found")

// Store mirrors the relay's queue and keeps match records for the HTTP API.
// The relay's in-memory queue stays authoritative.
type Store struct {
	client   *redis.Client
	matchTTL time.Duration
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig, matchTTL time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, matchTTL), nil
}

// NewStore wraps an existing client
func NewStore(client *redis.Client, matchTTL time.Duration) *Store {
	if matchTTL <= 0 {
		matchTTL = 2 * time.Hour
	}
	return &Store{client: client, matchTTL: matchTTL}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// MirrorJoin records a waiting peer, scored by join time
func (s *Store) MirrorJoin(ctx context.Context, entry models.QueueEntry) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(entry.JoinedAt.UnixMilli()), Member: entry.PeerID})
	pipe.HSet(ctx, queueNamesKey, entry.PeerID, entry.DisplayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror queue join: %w", err)
	}
	return nil
}

// MirrorLeave drops a peer from the mirrored queue
func (s *Store) MirrorLeave(ctx context.Context, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, queueKey, peerID)
	pipe.HDel(ctx, queueNamesKey, peerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror queue leave: %w", err)
	}
	return nil
}

// Waiting lists mirrored queue entries, longest waiting first
func (s *Store) Waiting(ctx context.Context) ([]models.QueueEntry, error) {
	members, err := s.client.ZRangeWithScores(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []models.QueueEntry{}, nil
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Member.(string))
	}
	names, err := s.client.HMGet(ctx, queueNamesKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]models.QueueEntry, 0, len(members))
	for i, m := range members {
		entry := models.QueueEntry{
			PeerID:   ids[i],
			JoinedAt: time.UnixMilli(int64(m.Score)).UTC(),
		}
		if name, ok := names[i].(string); ok {
			entry.DisplayName = name
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// QueueLength counts mirrored waiting peers
func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, queueKey).Result()
}

// SaveMatch stores a match record with the configured TTL
func (s *Store) SaveMatch(ctx context.Context, match models.MatchMetadata) error {
	data, err := json.Marshal(match)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, matchKeyPrefix+match.ID, data, s.matchTTL).Err(); err != nil {
		return fmt.Errorf("failed to store match %s: %w", match.ID, err)
	}
	return nil
}

// GetMatch loads a match record
func (s *Store) GetMatch(ctx context.Context, matchID string) (*models.MatchMetadata, error) {
	data, err := s.client.Get(ctx, matchKeyPrefix+matchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}

	var match models.MatchMetadata
	if err := json.Unmarshal(data, &match); err != nil {
		return nil, fmt.Errorf("failed to parse match %s: %w", matchID, err)
	}
	return &match, nil
}

// EndMatch stamps the end time on a stored match
func (s *Store) EndMatch(ctx context.Context, matchID string, endedAt time.Time) error {
	match, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	match.EndedAt = &endedAt
	return s.SaveMatch(ctx, *match)
}
