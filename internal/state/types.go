package state

import "time"

// LastConnection is the connection the user opened most recently. The
// viewer offers it again on the next launch.
type LastConnection struct {
	ConnectionID string    `json:"connection_id"`
	OpenedAt     time.Time `json:"opened_at"`
}

type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	State        string    `json:"state"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	TokensIssued int       `json:"tokens_issued"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Snapshot struct {
	Version        int                      `json:"version"`
	LastConnection *LastConnection          `json:"last_connection,omitempty"`
	Sessions       map[string]SessionRecord `json:"sessions"`
	UpdatedAt      time.Time                `json:"updated_at"`
}
