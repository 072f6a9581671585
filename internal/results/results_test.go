package results

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunSummary_TotalsMatchTime(t *testing.T) {
	ended := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewRunSummary("run-1", "lost", 91000, []Record{
		{MatchID: "m1", MatchDurationMs: 45000, DefeatedAtPersonalMs: 45000},
		{MatchID: "m2", MatchDurationMs: 30000, DefeatedAtPersonalMs: 81000},
	}, ended)

	assert.Equal(t, 2, s.OpponentsDefeated)
	assert.Equal(t, int64(75000), s.TotalOpponentTimeMs)
	assert.Equal(t, int64(91000), s.PersonalElapsedMs)
	assert.Equal(t, ended, s.EndedAt)
}

func TestNewRunSummary_EmptyRunEncodesList(t *testing.T) {
	s := NewRunSummary("run-1", "queue_timeout", 0, nil, time.Time{})
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"matchRecords":[]`)
	assert.Contains(t, string(data), `"totalOpponentTime":0`)
}

func TestMemoryPublisher_KeepsOrder(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	require.NoError(t, p.PublishMatch(ctx, MatchRecorded{MatchID: "m1", LocalWon: true}))
	require.NoError(t, p.PublishMatch(ctx, MatchRecorded{MatchID: "m2"}))
	require.NoError(t, p.PublishRun(ctx, RunSummary{RunID: "run-1"}))

	matches := p.Matches()
	require.Len(t, matches, 2)
	assert.Equal(t, "m1", matches[0].MatchID)
	assert.Equal(t, "m2", matches[1].MatchID)
	require.Len(t, p.Runs(), 1)
	assert.NoError(t, p.Close())
}

func TestNewMessage_SetsHeaders(t *testing.T) {
	msg, err := newMessage(SubjectRunEnded, "run-7", RunSummary{RunID: "run-7", EndReason: "quit"})
	require.NoError(t, err)

	assert.Equal(t, SubjectRunEnded, msg.Subject)
	assert.Equal(t, "run-7", msg.Header.Get("Run-ID"))
	assert.NotEmpty(t, msg.Header.Get("Event-ID"))

	var got RunSummary
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "quit", got.EndReason)
}
