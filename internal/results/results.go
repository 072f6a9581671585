// Package results hands finished matches and runs to the outside world.
// Nothing here is read back by the engine.
package results

import (
	"context"
	"sync"
	"time"
)

const (
	SubjectMatchEnded = "blinkduel.match.ended"
	SubjectRunEnded   = "blinkduel.run.ended"
)

// Record is one defeated opponent
type Record struct {
	MatchID              string `json:"matchId"`
	OpponentPeerID       string `json:"opponentPeerId"`
	OpponentName         string `json:"opponentName"`
	DefeatedAtPersonalMs int64  `json:"defeatedAtPersonalMs"`
	MatchDurationMs      int64  `json:"matchDurationMs"`
}

// MatchRecorded is published when a match reaches its terminal result
type MatchRecorded struct {
	RunID             string    `json:"runId"`
	MatchID           string    `json:"matchId"`
	OpponentPeerID    string    `json:"opponentPeerId"`
	OpponentName      string    `json:"opponentName"`
	LocalWon          bool      `json:"localWon"`
	Signal            string    `json:"signal"`
	MatchDurationMs   int64     `json:"matchDurationMs"`
	PersonalElapsedMs int64     `json:"personalElapsedMs"`
	OpponentsDefeated int       `json:"opponentsDefeated"`
	At                time.Time `json:"at"`
}

// RunSummary is the value object handed off when a run ends
type RunSummary struct {
	RunID               string    `json:"runId"`
	EndReason           string    `json:"endReason"`
	OpponentsDefeated   int       `json:"opponentsDefeated"`
	TotalOpponentTimeMs int64     `json:"totalOpponentTime"`
	PersonalElapsedMs   int64     `json:"personalElapsedMs"`
	MatchRecords        []Record  `json:"matchRecords"`
	EndedAt             time.Time `json:"endedAt"`
}

// NewRunSummary totals the time spent in matches across records
func NewRunSummary(runID, reason string, personalElapsedMs int64, records []Record, endedAt time.Time) RunSummary {
	var total int64
	for _, r := range records {
		total += r.MatchDurationMs
	}
	if records == nil {
		records = []Record{}
	}
	return RunSummary{
		RunID:               runID,
		EndReason:           reason,
		OpponentsDefeated:   len(records),
		TotalOpponentTimeMs: total,
		PersonalElapsedMs:   personalElapsedMs,
		MatchRecords:        records,
		EndedAt:             endedAt,
	}
}

// Publisher delivers results to a persistence collaborator
type Publisher interface {
	PublishMatch(ctx context.Context, m MatchRecorded) error
	PublishRun(ctx context.Context, s RunSummary) error
	Close() error
}

// MemoryPublisher keeps everything it is given
type MemoryPublisher struct {
	mu      sync.Mutex
	matches []MatchRecorded
	runs    []RunSummary
}

var _ Publisher = (*MemoryPublisher)(nil)

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishMatch(_ context.Context, m MatchRecorded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matches = append(p.matches, m)
	return nil
}

func (p *MemoryPublisher) PublishRun(_ context.Context, s RunSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, s)
	return nil
}

func (p *MemoryPublisher) Matches() []MatchRecorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MatchRecorded(nil), p.matches...)
}

func (p *MemoryPublisher) Runs() []RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RunSummary(nil), p.runs...)
}

func (p *MemoryPublisher) Close() error { return nil }
