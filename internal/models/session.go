package models

// Role decides which side of a match initiates transport negotiation
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// Opposite returns the role the other side of a match plays
func (r Role) Opposite() Role {
	switch r {
	case RoleHost:
		return RoleGuest
	case RoleGuest:
		return RoleHost
	}
	return r
}

// Session is one participant's identity for the lifetime of a run.
// PeerID is assigned by the relay at connect time and never persisted.
type Session struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role,omitempty"`
}

// Assignment pairs the local participant with an opponent for one match
type Assignment struct {
	MatchID  string  `json:"matchId"`
	Opponent Session `json:"opponent"`
	Role     Role    `json:"role"`
}
