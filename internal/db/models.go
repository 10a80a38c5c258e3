package db

// All timestamps in the store are Unix milliseconds. Clients exchange the
// same values on the wire, so no conversion happens anywhere in between.
// Zero means "not set" for nullable-by-convention columns (expires_at,
// released_at, completed_at, next_attempt_at).
//
// GORM's automatic created_at/updated_at tracking is disabled on every
// model: components stamp times from the injected clock so tests can step
// TTL expiry deterministically.

// -----------------------------------------------------------------------------
// Services & endpoints
// -----------------------------------------------------------------------------

// Service is one identity-keyed port assignment. ID is the canonical
// semantic identity (project[:stack[:context]]). At most one row exists per
// identity, and at most one row with status "assigned" per port (enforced by
// a partial unique index). Released rows stay behind so a later claim of the
// same identity can revive its port when still free.
type Service struct {
	ID        string `gorm:"primaryKey"`
	Port      int    `gorm:"not null;index"`
	PID       int    `gorm:"column:pid;not null;default:0"`
	Status    string `gorm:"not null;default:'assigned';index"` // "assigned" or "released"
	AgentID   string `gorm:"not null;default:'';index"`
	HealthURL string `gorm:"not null;default:''"`
	Metadata  string `gorm:"type:text;not null;default:''"` // opaque JSON blob
	CreatedAt int64  `gorm:"not null;autoCreateTime:false"`
	LastSeen  int64  `gorm:"not null"`
	ExpiresAt int64  `gorm:"not null;default:0"`
}

// Endpoint is a named URL registered under a service (e.g. "health",
// "grpc"). Upserted by name, removed with its service.
type Endpoint struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ServiceID string `gorm:"not null;uniqueIndex:idx_endpoints_service_name"`
	Name      string `gorm:"not null;uniqueIndex:idx_endpoints_service_name"`
	URL       string `gorm:"not null"`
	UpdatedAt int64  `gorm:"not null;autoUpdateTime:false"`
}

// -----------------------------------------------------------------------------
// Locks
// -----------------------------------------------------------------------------

// Lock is an advisory named mutex. A lock is held while its row exists and
// expires_at lies in the future; every public lock operation sweeps expired
// rows first, so an expired row is indistinguishable from a free lock.
type Lock struct {
	Name       string `gorm:"primaryKey"`
	Owner      string `gorm:"not null;index"`
	PID        int    `gorm:"column:pid;not null;default:0"`
	AcquiredAt int64  `gorm:"not null"`
	ExpiresAt  int64  `gorm:"not null;index"`
	Metadata   string `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered client (CLI invocation, SDK consumer, bot). Agents
// prove liveness via heartbeats; one silent past the staleness window is
// swept together with every lock it owns. registered_at survives
// re-registration.
type Agent struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null;default:''"`
	PID           int    `gorm:"column:pid;not null;default:0"`
	Type          string `gorm:"not null;default:'cli'"`
	RegisteredAt  int64  `gorm:"not null"`
	LastHeartbeat int64  `gorm:"not null;index"`
	MaxServices   int    `gorm:"not null;default:50"`
	MaxLocks      int    `gorm:"not null;default:20"`
	Metadata      string `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Messaging
// -----------------------------------------------------------------------------

// Message is one entry in a channel. The autoincrement id is the total
// order within a channel and is never reused, so poll cursors stay valid
// across clears.
type Message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Channel   string `gorm:"not null;index:idx_messages_channel_id,priority:1"`
	Payload   string `gorm:"type:text;not null"` // string payloads verbatim, everything else JSON-encoded
	Sender    string `gorm:"not null;default:''"`
	CreatedAt int64  `gorm:"not null;autoCreateTime:false"`
	ExpiresAt int64  `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Sessions, notes & file claims
// -----------------------------------------------------------------------------

// Session is a bounded unit of agent work. Terminal states are "completed"
// and "abandoned"; "paused" can resume. Notes and file claims cascade with
// their session.
type Session struct {
	ID          string `gorm:"primaryKey"` // "session-" + 8 hex chars
	Purpose     string `gorm:"not null"`
	AgentID     string `gorm:"not null;default:'';index"`
	Status      string `gorm:"not null;default:'active';index"`
	Metadata    string `gorm:"type:text;not null;default:''"`
	CreatedAt   int64  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   int64  `gorm:"not null;autoUpdateTime:false"`
	CompletedAt int64  `gorm:"not null;default:0"`
}

// SessionNote is an immutable append-only note. There is no update or
// delete path; notes only disappear when their session is removed.
type SessionNote struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"not null;index"`
	Content   string `gorm:"not null"`
	Type      string `gorm:"not null;default:'note'"` // note, decision, blocker, handoff, ...
	CreatedAt int64  `gorm:"not null;autoCreateTime:false"`
}

// FileClaim is an advisory lease on a file path. One row exists per
// (session, path); re-claiming flips released_at back to zero without
// moving claimed_at. A claim is active while released_at is zero.
type FileClaim struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"not null;uniqueIndex:idx_file_claims_session_path"`
	FilePath   string `gorm:"not null;uniqueIndex:idx_file_claims_session_path;index"`
	ClaimedAt  int64  `gorm:"not null"`
	ReleasedAt int64  `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a registered HTTP callback. Events holds a JSON array of event
// names or ["*"]. The secret, when present, signs every delivery body and is
// never returned whole by the API.
type Webhook struct {
	ID            string `gorm:"primaryKey"` // uuid
	URL           string `gorm:"not null"`
	Events        string `gorm:"type:text;not null;default:'[]'"`
	FilterPattern string `gorm:"not null;default:''"`
	Secret        string `gorm:"not null;default:''"`
	Description   string `gorm:"not null;default:''"`
	Active        bool   `gorm:"not null;default:true"`
	SuccessCount  int    `gorm:"not null;default:0"`
	FailureCount  int    `gorm:"not null;default:0"`
	CreatedAt     int64  `gorm:"not null;autoCreateTime:false"`
}

// WebhookDelivery is one queued or completed delivery attempt chain.
// Status walks pending → succeeded, or pending → retrying → … →
// succeeded/failed. next_attempt_at schedules the retry sweep pickup.
type WebhookDelivery struct {
	ID             string `gorm:"primaryKey"` // uuid
	WebhookID      string `gorm:"not null;index"`
	Event          string `gorm:"not null"`
	Payload        string `gorm:"type:text;not null"`
	Status         string `gorm:"not null;default:'pending';index:idx_deliveries_due,priority:1"`
	Attempts       int    `gorm:"not null;default:0"`
	LastAttemptAt  int64  `gorm:"not null;default:0"`
	ResponseStatus int    `gorm:"not null;default:0"`
	ResponseBody   string `gorm:"not null;default:''"` // truncated to 1000 chars
	NextAttemptAt  int64  `gorm:"not null;default:0;index:idx_deliveries_due,priority:2"`
	CreatedAt      int64  `gorm:"not null;autoCreateTime:false"`
}

// -----------------------------------------------------------------------------
// Activity log
// -----------------------------------------------------------------------------

// ActivityEntry is one append-only audit record. The autoincrement id gives
// a total order of observed events across the whole daemon.
type ActivityEntry struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp int64  `gorm:"not null;index"`
	Type      string `gorm:"not null;index"`
	AgentID   string `gorm:"not null;default:''"`
	TargetID  string `gorm:"not null;default:''"`
	Details   string `gorm:"not null;default:''"`
	Metadata  string `gorm:"type:text;not null;default:''"`
}
