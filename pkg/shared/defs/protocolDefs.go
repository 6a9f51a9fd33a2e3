package defs

// Message type discriminators used on the worker socket
const (
	TypeWorkerRegistration    = "worker_registration"
	TypeWorkerRegistrationAck = "worker_registration_ack"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
)

// Close codes sent to workers. 1000 and 1001 are the standard WebSocket codes,
// the 4xxx range is reserved for applications.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	CloseAuthRejected     = 4001
	CloseReplaced         = 4002
	CloseHeartbeatTimeout = 4003
	CloseEvicted          = 4004
)

// Envelope is the minimum every message carries.
type Envelope struct {
	Type string `json:"type"`
}

type WorkerCapabilities struct {
	Models                []string       `json:"models"`
	MaxConcurrentRequests int            `json:"maxConcurrentRequests"`
	ConcurrencyLimits     map[string]int `json:"concurrencyLimits,omitempty"`
}

type WorkerRegistration struct {
	Type         string             `json:"type"`
	WorkerId     string             `json:"workerId"`
	WorkerName   string             `json:"workerName"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	AuthToken    string             `json:"authToken,omitempty"`
}

type WorkerRegistrationAck struct {
	Type                string `json:"type"`
	Success             bool   `json:"success"`
	SessionId           string `json:"sessionId,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
	Error               string `json:"error,omitempty"`
}

type Heartbeat struct {
	Type      string `json:"type"`
	WorkerId  string `json:"workerId"`
	Timestamp int64  `json:"timestamp"`
}

type HeartbeatAck struct {
	Type                  string `json:"type"`
	Timestamp             int64  `json:"timestamp"`
	NextHeartbeatDeadline int64  `json:"nextHeartbeatDeadline"`
}
