package ipc

import "time"

// Built-in router methods.
const (
	MethodHello       = "session.hello"
	MethodSubscribe   = "topic.subscribe"
	MethodUnsubscribe = "topic.unsubscribe"
)

// Daemon feature methods.
const (
	MethodStatus   = "daemon.status"
	MethodSessions = "daemon.sessions"
	MethodHistory  = "daemon.history"
	MethodPublish  = "daemon.publish"
	MethodShutdown = "daemon.shutdown"
)

// HelloRequest binds the sending connection to a terminal session.
type HelloRequest struct {
	SessionID   string `cbor:"1,keyasint"`
	AnchorPID   int    `cbor:"2,keyasint,omitempty"`
	AnchorName  string `cbor:"3,keyasint,omitempty"`
	AnchorStart uint64 `cbor:"4,keyasint,omitempty"`
	ClientPID   int    `cbor:"5,keyasint,omitempty"`
	Token       string `cbor:"6,keyasint,omitempty"`
}

// HelloResponse acknowledges a bind.
type HelloResponse struct {
	SessionID  string `cbor:"1,keyasint"`
	DaemonID   string `cbor:"2,keyasint,omitempty"`
	Version    string `cbor:"3,keyasint,omitempty"`
	Superseded bool   `cbor:"4,keyasint,omitempty"`
}

// TopicRequest names a topic for subscribe and unsubscribe.
type TopicRequest struct {
	Topic string `cbor:"1,keyasint"`
}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	PID            int           `cbor:"1,keyasint"`
	Version        string        `cbor:"2,keyasint,omitempty"`
	DaemonID       string        `cbor:"3,keyasint,omitempty"`
	StartedAt      time.Time     `cbor:"4,keyasint"`
	Uptime         time.Duration `cbor:"5,keyasint"`
	Socket         string        `cbor:"6,keyasint"`
	Scope          string        `cbor:"7,keyasint,omitempty"`
	Sessions       int           `cbor:"8,keyasint"`
	Connections    int           `cbor:"9,keyasint"`
	TelemetryOn    bool          `cbor:"10,keyasint"`
	TelemetryDrops uint64        `cbor:"11,keyasint"`
	LedgerPath     string        `cbor:"12,keyasint,omitempty"`
}

// SessionInfo is one live session as reported by daemon.sessions.
type SessionInfo struct {
	SessionID  string    `cbor:"1,keyasint"`
	Bound      bool      `cbor:"2,keyasint"`
	AnchorPID  int       `cbor:"3,keyasint,omitempty"`
	AnchorName string    `cbor:"4,keyasint,omitempty"`
	PeerPID    int       `cbor:"5,keyasint,omitempty"`
	BoundAt    time.Time `cbor:"6,keyasint"`
	LastSeen   time.Time `cbor:"7,keyasint"`
	Pending    int       `cbor:"8,keyasint"`
	Topics     []string  `cbor:"9,keyasint,omitempty"`
}

// SessionsResponse lists live sessions.
type SessionsResponse struct {
	Sessions []SessionInfo `cbor:"1,keyasint"`
}

// HistoryRequest asks for recent session lifecycle rows.
type HistoryRequest struct {
	Limit     int    `cbor:"1,keyasint,omitempty"`
	SessionID string `cbor:"2,keyasint,omitempty"`
}

// HistoryEntry is one recorded lifecycle change.
type HistoryEntry struct {
	ID         int64     `cbor:"1,keyasint"`
	SessionID  string    `cbor:"2,keyasint"`
	Kind       string    `cbor:"3,keyasint"`
	AnchorPID  int       `cbor:"4,keyasint,omitempty"`
	AnchorName string    `cbor:"5,keyasint,omitempty"`
	PeerPID    int       `cbor:"6,keyasint,omitempty"`
	Reason     string    `cbor:"7,keyasint,omitempty"`
	CreatedAt  time.Time `cbor:"8,keyasint"`
}

// HistoryResponse carries ledger rows, newest first.
type HistoryResponse struct {
	Entries []HistoryEntry `cbor:"1,keyasint"`
}

// PublishRequest asks the daemon to push an event to subscribers.
type PublishRequest struct {
	Topic string `cbor:"1,keyasint"`
	Body  []byte `cbor:"2,keyasint,omitempty"`
	// SessionID limits delivery to one session. Empty broadcasts.
	SessionID string `cbor:"3,keyasint,omitempty"`
}

// PublishResponse reports fan-out.
type PublishResponse struct {
	Delivered int `cbor:"1,keyasint"`
}

// ShutdownResponse acknowledges daemon.shutdown.
type ShutdownResponse struct {
	Stopping bool `cbor:"1,keyasint"`
}
