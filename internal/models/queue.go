package models

import "time"

// MatchMetadata is the relay's record of one pairing
type MatchMetadata struct {
	ID        string    `json:"id"`
	HostID    string    `json:"hostId"`
	GuestID   string    `json:"guestId"`
	HostName  string    `json:"hostName"`
	GuestName string    `json:"guestName"`
	CreatedAt time.Time `json:"createdAt"`
	// EndedAt is set once the pairing is dissolved by a requeue or a disconnect
	EndedAt *time.Time `json:"endedAt,omitempty"`
}

// QueueEntry is a peer waiting for an opponent
type QueueEntry struct {
	PeerID      string    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// QueueStatsResponse is returned by the queue stats endpoint
type QueueStatsResponse struct {
	Waiting       int64 `json:"waiting"`
	ActiveMatches int   `json:"activeMatches"`
	Connected     int   `json:"connected"`
}
