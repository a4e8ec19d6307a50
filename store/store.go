// Package store defines the persistence abstraction for the relay hub:
// durable thread state, a bounded per-thread message log, a deduplicated
// artifact index, and the storage contracts consumed by the (out of
// scope) auth collaborator. The default implementation is SQLite
// (store/sqlite); all write-path methods are synchronous and idempotent
// unless noted.
package store

import (
	"context"
	"time"
)

// ---- thread state ----

// ThreadState is the persisted projection of a thread's routing state.
type ThreadState struct {
	UserID        string
	ThreadID      string
	BoundAnchorID string // empty if unbound
	TurnID        string
	TurnStatus    string
	UpdatedAt     time.Time
}

// ---- thread messages ----

// ThreadMessage is one raw frame retained in a thread's replay window.
type ThreadMessage struct {
	ID       int64
	UserID   string
	ThreadID string
	Raw      string
	TS       time.Time
}

// ---- artifacts ----

// Artifact is a persisted, deduplicated record summarising a completed item.
type Artifact struct {
	ID           int64
	UserID       string
	ThreadID     string
	TurnID       string
	AnchorID     string
	ItemID       string
	ArtifactType string // command | file | image | tool
	ItemType     string
	Summary      string
	Payload      string // serialised JSON of the source item
	CreatedAt    time.Time
}

// ---- auth collaborator records ----

// Session is a web-session record (spec.md §6's "sessions" table).
type Session struct {
	ID               string
	UserID           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RefreshTokenHash string
	RefreshExpiresAt time.Time
}

// DeviceCode is a device-authorization-flow record.
type DeviceCode struct {
	DeviceCode string
	UserCode   string
	Status     string // pending | authorised
	UserID     string // empty until authorised
	ExpiresAt  time.Time
}

// Challenge is a WebAuthn ceremony challenge record.
type Challenge struct {
	Challenge          string
	Kind               string
	UserID             string
	PendingName        string
	PendingDisplayName string
	ExpiresAt          time.Time
}

// PasskeyCredential is a registered WebAuthn credential.
type PasskeyCredential struct {
	ID             string
	UserID         string
	PublicKeyB64   string
	SignCount      int
	TransportsJSON string
	DeviceType     string
	BackedUp       bool
}

// AnchorSession is a long-lived anchor credential pair (separate from the
// web session's access/refresh pair; anchors authenticate independently).
type AnchorSession struct {
	ID               string
	UserID           string
	AccessTokenHash  string
	AccessExpiresAt  time.Time
	RefreshTokenHash string
	RefreshExpiresAt time.Time
	RevokedAt        *time.Time
}

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ---- thread state (spec.md §4.2) ----

	// GetThreadState returns the thread's state, or (nil, nil) if unknown.
	GetThreadState(ctx context.Context, userID, threadID string) (*ThreadState, error)

	// SetThreadAnchor upserts the thread's bound anchor. anchorID == ""
	// clears the binding. Always touches UpdatedAt.
	SetThreadAnchor(ctx context.Context, userID, threadID, anchorID string) error

	// SetThreadTurn upserts the thread's current turn id/status. A call
	// with a field left blank leaves the corresponding stored value
	// unchanged (merge semantics, spec.md §4.6).
	SetThreadTurn(ctx context.Context, userID, threadID, turnID, turnStatus string) error

	// ---- thread messages ----

	// AppendThreadMessage appends raw to the thread's log and evicts the
	// oldest rows beyond retention. Also touches thread state's UpdatedAt.
	AppendThreadMessage(ctx context.Context, userID, threadID, raw string, retention int) error

	// ListThreadMessages returns up to min(limit, retention) of the
	// newest rows, in insertion order (oldest first).
	ListThreadMessages(ctx context.Context, userID, threadID string, limit int) ([]ThreadMessage, error)

	// ---- artifacts ----

	// UpsertArtifact inserts or overwrites by (userID, threadID, itemID)
	// and evicts the oldest rows beyond retention for that thread.
	UpsertArtifact(ctx context.Context, a Artifact, retention int) error

	// ListArtifacts returns artifacts ordered by id descending, optionally
	// scoped to threadID and/or paginated via beforeID (exclusive, 0 = no
	// lower bound).
	ListArtifacts(ctx context.Context, userID string, threadID string, limit int, beforeID int64) ([]Artifact, error)

	// ---- auth collaborator: sessions ----

	CreateSession(ctx context.Context, s Session) error
	GetActiveSession(ctx context.Context, sessionID string) (*Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
	RotateSessionRefresh(ctx context.Context, refreshTokenHash string) (*Session, error)

	// ---- auth collaborator: device codes ----

	CreateDeviceCode(ctx context.Context, d DeviceCode) error
	AuthoriseDeviceCode(ctx context.Context, userCode, userID string) (bool, error)

	// ConsumeDeviceCode atomically deletes and returns the device code
	// record if it is authorised and unexpired (a single transactional
	// DELETE ... RETURNING). Returns (nil, nil) if the code doesn't exist
	// or was already consumed; also evicts the row as a side effect if it
	// exists but is expired. An unexpired code that is not yet authorised
	// is returned as-is (Status "pending") and is not deleted.
	ConsumeDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error)

	// ---- auth collaborator: challenges ----

	CreateChallenge(ctx context.Context, c Challenge) error

	// ConsumeChallenge atomically deletes and returns the challenge if it
	// matches kind and is unexpired (DELETE ... RETURNING); otherwise the
	// (possibly expired) row is removed and (nil, nil) is returned.
	ConsumeChallenge(ctx context.Context, challenge, kind string) (*Challenge, error)

	// ---- auth collaborator: passkeys ----

	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	GetPasskeyCredential(ctx context.Context, credentialID string) (*PasskeyCredential, error)
	UpsertPasskeyCredential(ctx context.Context, c PasskeyCredential) error
	UpdatePasskeyCounter(ctx context.Context, credentialID string, signCount int) error

	// ---- auth collaborator: anchor sessions ----

	CreateAnchorSession(ctx context.Context, s AnchorSession) error
	GetActiveAnchorSessionByAccessHash(ctx context.Context, accessTokenHash string) (*AnchorSession, error)
	RotateAnchorSessionRefresh(ctx context.Context, refreshTokenHash string) (*AnchorSession, error)

	// ---- lifecycle ----

	Close() error
}
