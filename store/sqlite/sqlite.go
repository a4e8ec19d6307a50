// Package sqlite provides the SQLite-backed store.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully
// static and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orbit-relay/hub/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread_state (
			user_id         TEXT NOT NULL,
			thread_id       TEXT NOT NULL,
			bound_anchor_id TEXT NOT NULL DEFAULT '',
			turn_id         TEXT NOT NULL DEFAULT '',
			turn_status     TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (user_id, thread_id)
		)`,

		`CREATE TABLE IF NOT EXISTS thread_messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id   TEXT    NOT NULL,
			thread_id TEXT    NOT NULL,
			raw       TEXT    NOT NULL,
			ts        TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_ut
			ON thread_messages(user_id, thread_id, id)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT    NOT NULL,
			thread_id     TEXT    NOT NULL,
			turn_id       TEXT    NOT NULL DEFAULT '',
			anchor_id     TEXT    NOT NULL DEFAULT '',
			item_id       TEXT    NOT NULL,
			artifact_type TEXT    NOT NULL,
			item_type     TEXT    NOT NULL,
			summary       TEXT    NOT NULL DEFAULT '',
			payload       TEXT    NOT NULL DEFAULT '',
			created_at    TEXT    NOT NULL,
			UNIQUE (user_id, thread_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_ut
			ON artifacts(user_id, thread_id, id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			expires_at          TEXT NOT NULL,
			revoked_at          TEXT,
			refresh_token_hash  TEXT NOT NULL,
			refresh_expires_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh_hash ON sessions(refresh_token_hash)`,

		`CREATE TABLE IF NOT EXISTS device_codes (
			device_code TEXT PRIMARY KEY,
			user_code   TEXT NOT NULL UNIQUE,
			status      TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			expires_at  TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS challenges (
			challenge            TEXT PRIMARY KEY,
			kind                 TEXT NOT NULL,
			user_id              TEXT NOT NULL DEFAULT '',
			pending_name         TEXT NOT NULL DEFAULT '',
			pending_display_name TEXT NOT NULL DEFAULT '',
			expires_at           TEXT NOT NULL,
			created_at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at)`,

		`CREATE TABLE IF NOT EXISTS passkey_credentials (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			public_key_b64  TEXT NOT NULL,
			sign_count      INTEGER NOT NULL,
			transports_json TEXT NOT NULL DEFAULT '',
			device_type     TEXT NOT NULL DEFAULT '',
			backed_up       INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passkey_credentials_user_id ON passkey_credentials(user_id)`,

		`CREATE TABLE IF NOT EXISTS anchor_sessions (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL,
			access_token_hash   TEXT NOT NULL UNIQUE,
			access_expires_at   TEXT NOT NULL,
			refresh_token_hash  TEXT NOT NULL UNIQUE,
			refresh_expires_at  TEXT NOT NULL,
			revoked_at          TEXT,
			created_at          TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}

// ---- thread state ----

func (s *DB) GetThreadState(ctx context.Context, userID, threadID string) (*store.ThreadState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, thread_id, bound_anchor_id, turn_id, turn_status, updated_at
		  FROM thread_state WHERE user_id = ? AND thread_id = ?`, userID, threadID)

	var st store.ThreadState
	var updatedAt string
	err := row.Scan(&st.UserID, &st.ThreadID, &st.BoundAnchorID, &st.TurnID, &st.TurnStatus, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func (s *DB) SetThreadAnchor(ctx context.Context, userID, threadID, anchorID string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (user_id, thread_id, bound_anchor_id, turn_id, turn_status, updated_at)
		VALUES (?, ?, ?, '', '', ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			bound_anchor_id = excluded.bound_anchor_id,
			updated_at      = excluded.updated_at
	`, userID, threadID, anchorID, now)
	return err
}

func (s *DB) SetThreadTurn(ctx context.Context, userID, threadID, turnID, turnStatus string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (user_id, thread_id, bound_anchor_id, turn_id, turn_status, updated_at)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			turn_id     = CASE WHEN ? != '' THEN excluded.turn_id ELSE thread_state.turn_id END,
			turn_status = CASE WHEN ? != '' THEN excluded.turn_status ELSE thread_state.turn_status END,
			updated_at  = excluded.updated_at
	`, userID, threadID, turnID, turnStatus, now, turnID, turnStatus)
	return err
}

// ---- thread messages ----

func (s *DB) AppendThreadMessage(ctx context.Context, userID, threadID, raw string, retention int) error {
	now := fmtTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_messages (user_id, thread_id, raw, ts) VALUES (?, ?, ?, ?)
	`, userID, threadID, raw, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM thread_messages
		 WHERE user_id = ? AND thread_id = ?
		   AND id NOT IN (
		       SELECT id FROM thread_messages
		        WHERE user_id = ? AND thread_id = ?
		        ORDER BY id DESC LIMIT ?
		   )
	`, userID, threadID, userID, threadID, retention); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_state (user_id, thread_id, bound_anchor_id, turn_id, turn_status, updated_at)
		VALUES (?, ?, '', '', '', ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET updated_at = excluded.updated_at
	`, userID, threadID, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *DB) ListThreadMessages(ctx context.Context, userID, threadID string, limit int) ([]store.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, raw, ts FROM (
			SELECT id, user_id, thread_id, raw, ts
			  FROM thread_messages
			 WHERE user_id = ? AND thread_id = ?
			 ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, userID, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ThreadMessage
	for rows.Next() {
		var m store.ThreadMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Raw, &ts); err != nil {
			return nil, err
		}
		m.TS = parseTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- artifacts ----

func (s *DB) UpsertArtifact(ctx context.Context, a store.Artifact, retention int) error {
	now := fmtTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts
			(user_id, thread_id, turn_id, anchor_id, item_id, artifact_type, item_type, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, thread_id, item_id) DO UPDATE SET
			turn_id       = excluded.turn_id,
			anchor_id     = excluded.anchor_id,
			artifact_type = excluded.artifact_type,
			item_type     = excluded.item_type,
			summary       = excluded.summary,
			payload       = excluded.payload,
			created_at    = excluded.created_at
	`, a.UserID, a.ThreadID, a.TurnID, a.AnchorID, a.ItemID, a.ArtifactType, a.ItemType, a.Summary, a.Payload, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM artifacts
		 WHERE user_id = ? AND thread_id = ?
		   AND id NOT IN (
		       SELECT id FROM artifacts
		        WHERE user_id = ? AND thread_id = ?
		        ORDER BY id DESC LIMIT ?
		   )
	`, a.UserID, a.ThreadID, a.UserID, a.ThreadID, retention); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *DB) ListArtifacts(ctx context.Context, userID, threadID string, limit int, beforeID int64) ([]store.Artifact, error) {
	q := `
		SELECT id, user_id, thread_id, turn_id, anchor_id, item_id, artifact_type, item_type, summary, payload, created_at
		  FROM artifacts WHERE user_id = ?`
	args := []any{userID}

	if threadID != "" {
		q += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	if beforeID > 0 {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Artifact
	for rows.Next() {
		var a store.Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.ThreadID, &a.TurnID, &a.AnchorID, &a.ItemID,
			&a.ArtifactType, &a.ItemType, &a.Summary, &a.Payload, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- sessions ----

func (s *DB) CreateSession(ctx context.Context, sess store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, revoked_at, refresh_token_hash, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, fmtTime(sess.CreatedAt), fmtTime(sess.ExpiresAt),
		fmtNullTime(sess.RevokedAt), sess.RefreshTokenHash, fmtTime(sess.RefreshExpiresAt))
	return err
}

func (s *DB) GetActiveSession(ctx context.Context, sessionID string) (*store.Session, error) {
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at, revoked_at, refresh_token_hash, refresh_expires_at
		  FROM sessions WHERE id = ? AND revoked_at IS NULL AND expires_at > ?
	`, sessionID, now)
	return scanSession(row.Scan)
}

func (s *DB) RevokeSession(ctx context.Context, sessionID string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`, now, sessionID)
	return err
}

func (s *DB) RotateSessionRefresh(ctx context.Context, refreshTokenHash string) (*store.Session, error) {
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions
		 WHERE refresh_token_hash = ? AND revoked_at IS NULL AND refresh_expires_at > ?
		 LIMIT 1
	`, refreshTokenHash, now)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	return s.GetActiveSession(ctx, id)
}

func scanSession(scan scanFn) (*store.Session, error) {
	var sess store.Session
	var createdAt, expiresAt, refreshExpiresAt string
	var revokedAt sql.NullString
	err := scan(&sess.ID, &sess.UserID, &createdAt, &expiresAt, &revokedAt, &sess.RefreshTokenHash, &refreshExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.ExpiresAt = parseTime(expiresAt)
	sess.RefreshExpiresAt = parseTime(refreshExpiresAt)
	sess.RevokedAt = scanNullTime(revokedAt)
	return &sess, nil
}

// ---- device codes ----

func (s *DB) CreateDeviceCode(ctx context.Context, d store.DeviceCode) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_codes (device_code, user_code, status, user_id, expires_at, created_at)
		VALUES (?, ?, 'pending', '', ?, ?)
	`, d.DeviceCode, d.UserCode, fmtTime(d.ExpiresAt), now)
	return err
}

func (s *DB) AuthoriseDeviceCode(ctx context.Context, userCode, userID string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_codes SET status = 'authorised', user_id = ?
		 WHERE user_code = ? AND status = 'pending' AND expires_at > ?
	`, userID, userCode, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ConsumeDeviceCode mirrors the original's retry-until-resolved loop: an
// atomic DELETE...RETURNING races cleanly against concurrent consumers;
// if it misses, distinguish "expired" (also delete it, return nil/nil)
// from "not yet authorised" (return the still-pending row so the caller
// can keep polling) from "never existed" (return nil/nil).
func (s *DB) ConsumeDeviceCode(ctx context.Context, deviceCode string) (*store.DeviceCode, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := fmtTime(time.Now())

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		row := tx.QueryRowContext(ctx, `
			DELETE FROM device_codes
			 WHERE device_code = ? AND status = 'authorised' AND expires_at > ?
			 RETURNING device_code, user_code, status, user_id, expires_at
		`, deviceCode, now)

		d, err := scanDeviceCode(row.Scan)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				return nil, cerr
			}
			return d, nil
		}
		if err != sql.ErrNoRows {
			tx.Rollback()
			return nil, err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM device_codes WHERE device_code = ? AND expires_at <= ?`, deviceCode, now)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil, tx.Commit()
		}

		row = tx.QueryRowContext(ctx, `
			SELECT device_code, user_code, status, user_id, expires_at
			  FROM device_codes WHERE device_code = ?
		`, deviceCode)
		d, err = scanDeviceCode(row.Scan)
		if err == sql.ErrNoRows {
			tx.Rollback()
			return nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		tx.Rollback()
		if d.Status != "authorised" {
			return d, nil
		}
		// Raced with another authorise/expire; retry.
	}
	return nil, nil
}

func scanDeviceCode(scan scanFn) (*store.DeviceCode, error) {
	var d store.DeviceCode
	var expiresAt string
	err := scan(&d.DeviceCode, &d.UserCode, &d.Status, &d.UserID, &expiresAt)
	if err != nil {
		return nil, err
	}
	d.ExpiresAt = parseTime(expiresAt)
	return &d, nil
}

// ---- challenges ----

func (s *DB) CreateChallenge(ctx context.Context, c store.Challenge) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (challenge, kind, user_id, pending_name, pending_display_name, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Challenge, c.Kind, c.UserID, c.PendingName, c.PendingDisplayName, fmtTime(c.ExpiresAt), now)
	return err
}

// ConsumeChallenge atomically deletes and returns the challenge if it matches
// kind and is unexpired; an expired or kind-mismatched row is also deleted
// (a challenge is single use regardless of how it was spent).
func (s *DB) ConsumeChallenge(ctx context.Context, challenge, kind string) (*store.Challenge, error) {
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM challenges
		 WHERE challenge = ? AND kind = ? AND expires_at > ?
		 RETURNING challenge, kind, user_id, pending_name, pending_display_name, expires_at
	`, challenge, kind, now)

	c, err := scanChallenge(row.Scan)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE challenge = ?`, challenge); err != nil {
		return nil, err
	}
	return nil, nil
}

func scanChallenge(scan scanFn) (*store.Challenge, error) {
	var c store.Challenge
	var expiresAt string
	err := scan(&c.Challenge, &c.Kind, &c.UserID, &c.PendingName, &c.PendingDisplayName, &expiresAt)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = parseTime(expiresAt)
	return &c, nil
}

// ---- passkeys ----

func (s *DB) ListPasskeyCredentials(ctx context.Context, userID string) ([]store.PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up
		  FROM passkey_credentials WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PasskeyCredential
	for rows.Next() {
		c, err := scanPasskey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *DB) GetPasskeyCredential(ctx context.Context, credentialID string) (*store.PasskeyCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up
		  FROM passkey_credentials WHERE id = ?
	`, credentialID)
	c, err := scanPasskey(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *DB) UpsertPasskeyCredential(ctx context.Context, c store.PasskeyCredential) error {
	now := fmtTime(time.Now())
	backedUp := 0
	if c.BackedUp {
		backedUp = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passkey_credentials
			(id, user_id, public_key_b64, sign_count, transports_json, device_type, backed_up, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id         = excluded.user_id,
			public_key_b64  = excluded.public_key_b64,
			sign_count      = excluded.sign_count,
			transports_json = excluded.transports_json,
			device_type     = excluded.device_type,
			backed_up       = excluded.backed_up
	`, c.ID, c.UserID, c.PublicKeyB64, c.SignCount, c.TransportsJSON, c.DeviceType, backedUp, now)
	return err
}

func (s *DB) UpdatePasskeyCounter(ctx context.Context, credentialID string, signCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE passkey_credentials SET sign_count = ? WHERE id = ?`, signCount, credentialID)
	return err
}

func scanPasskey(scan scanFn) (*store.PasskeyCredential, error) {
	var c store.PasskeyCredential
	var backedUp int
	err := scan(&c.ID, &c.UserID, &c.PublicKeyB64, &c.SignCount, &c.TransportsJSON, &c.DeviceType, &backedUp)
	if err != nil {
		return nil, err
	}
	c.BackedUp = backedUp != 0
	return &c, nil
}

// ---- anchor sessions ----

func (s *DB) CreateAnchorSession(ctx context.Context, as store.AnchorSession) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anchor_sessions
			(id, user_id, access_token_hash, access_expires_at, refresh_token_hash, refresh_expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, as.ID, as.UserID, as.AccessTokenHash, fmtTime(as.AccessExpiresAt),
		as.RefreshTokenHash, fmtTime(as.RefreshExpiresAt), fmtNullTime(as.RevokedAt), now)
	return err
}

func (s *DB) GetActiveAnchorSessionByAccessHash(ctx context.Context, accessTokenHash string) (*store.AnchorSession, error) {
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, access_token_hash, access_expires_at, refresh_token_hash, refresh_expires_at, revoked_at
		  FROM anchor_sessions
		 WHERE access_token_hash = ? AND revoked_at IS NULL AND access_expires_at > ?
		 LIMIT 1
	`, accessTokenHash, now)
	as, err := scanAnchorSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return as, err
}

func (s *DB) RotateAnchorSessionRefresh(ctx context.Context, refreshTokenHash string) (*store.AnchorSession, error) {
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM anchor_sessions
		 WHERE refresh_token_hash = ? AND revoked_at IS NULL AND refresh_expires_at > ?
		 LIMIT 1
	`, refreshTokenHash, now)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE anchor_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, access_token_hash, access_expires_at, refresh_token_hash, refresh_expires_at, revoked_at
		  FROM anchor_sessions WHERE id = ?
	`, id)
	return scanAnchorSession(row.Scan)
}

func scanAnchorSession(scan scanFn) (*store.AnchorSession, error) {
	var as store.AnchorSession
	var accessExpiresAt, refreshExpiresAt string
	var revokedAt sql.NullString
	err := scan(&as.ID, &as.UserID, &as.AccessTokenHash, &accessExpiresAt,
		&as.RefreshTokenHash, &refreshExpiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	as.AccessExpiresAt = parseTime(accessExpiresAt)
	as.RefreshExpiresAt = parseTime(refreshExpiresAt)
	as.RevokedAt = scanNullTime(revokedAt)
	return &as, nil
}
