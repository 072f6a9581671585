package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/blink-duel/internal/models"
	"github.com/mossy-p/blink-duel/internal/redis"
)

// QueueReader reads the mirrored queue
type QueueReader interface {
	QueueLength(ctx context.Context) (int64, error)
}

// MatchReader loads stored match records
type MatchReader interface {
	GetMatch(ctx context.Context, matchID string) (*models.MatchMetadata, error)
}

// QueueStats reports how many peers are waiting. The count comes from the Redis
// mirror when one is configured, otherwise from the relay.
func QueueStats(relay *Relay, queue QueueReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := relay.Stats()
		resp := models.QueueStatsResponse{
			Waiting:       int64(stats.Waiting),
			ActiveMatches: stats.ActiveMatches,
			Connected:     stats.Connected,
		}

		if queue != nil {
			n, err := queue.QueueLength(c.Request.Context())
			if err != nil {
				log.Warn().Err(err).Msg("failed to read queue mirror")
			} else {
				resp.Waiting = n
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

// GetMatch returns a stored match record
func GetMatch(matches MatchReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		matchID := c.Param("matchId")
		if matchID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "matchId is required"})
			return
		}

		match, err := matches.GetMatch(c.Request.Context(), matchID)
		if errors.Is(err, redis.ErrMatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Match not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("match_id", matchID).Msg("failed to load match")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load match"})
			return
		}

		c.JSON(http.StatusOK, match)
	}
}
