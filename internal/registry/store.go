// Package registry is the persistent record of devices, their capabilities
// and their session tokens. It is the authentication authority consulted by
// the connection hub at register time.
package registry

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"valet/internal/database"
	"valet/pkg/tokens"
)

var (
	// ErrUnknownDevice is returned when the device id does not exist or the
	// device has been unregistered.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidToken is returned when the presented token does not match the
	// device's active session.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrSessionExpired is returned when the session token is past expiry.
	ErrSessionExpired = errors.New("session expired")
)

// Device is the identity record for a registered client endpoint.
type Device struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Online       bool              `json:"online"`
	CreatedAt    time.Time         `json:"created_at"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
}

// Session is the bearer credential scoped to one device. The raw token is
// only present on the response that issued it.
type Session struct {
	TokenID   string    `json:"token_id"`
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterRequest contains the parameters for device registration.
type RegisterRequest struct {
	UserID       string            `json:"user_id"`
	DeviceID     string            `json:"device_id,omitempty"` // refresh an existing device instead of creating one
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store manages devices and their sessions in SQLite.
type Store struct {
	db         *sql.DB
	sessionTTL time.Duration
}

// NewStore opens (and migrates) the registry database.
func NewStore(dbPath string, sessionTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// ConfigureDatabase applies the connection pragmas and runs migrations.
	if err := database.ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return &Store{db: db, sessionTTL: sessionTTL}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for shared use.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Register creates a device record (or refreshes an existing one when
// req.DeviceID is set) and issues a fresh session. Any prior session for the
// device is invalidated in the same transaction: exactly one token per
// device is valid at a time.
func (s *Store) Register(req RegisterRequest) (*Device, *Session, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil, fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(req.Platform) == "" {
		return nil, nil, fmt.Errorf("platform is required")
	}
	if len(req.Capabilities) == 0 {
		return nil, nil, fmt.Errorf("capabilities are required")
	}

	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	rawToken, err := tokens.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now()
	session := &Session{
		TokenID:   uuid.New().String(),
		Token:     rawToken,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deviceID := req.DeviceID
	if deviceID != "" {
		// Refresh path: the device must exist and not be removed.
		var removed bool
		err := tx.QueryRow("SELECT removed FROM devices WHERE id = ?", deviceID).Scan(&removed)
		if err == sql.ErrNoRows || (err == nil && removed) {
			return nil, nil, ErrUnknownDevice
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to look up device: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE devices SET name = ?, platform = ?, capabilities = ?, metadata = ?
			WHERE id = ?
		`, strings.TrimSpace(req.Name), req.Platform, string(capsJSON), string(metaJSON), deviceID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to refresh device: %w", err)
		}
	} else {
		deviceID = uuid.New().String()
		_, err = tx.Exec(`
			INSERT INTO devices (id, user_id, name, platform, capabilities, metadata, online, removed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
		`, deviceID, req.UserID, strings.TrimSpace(req.Name), req.Platform, string(capsJSON), string(metaJSON), now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create device: %w", err)
		}
	}
	session.DeviceID = deviceID

	// Single-active-session policy: deactivate whatever came before.
	if _, err := tx.Exec(
		"UPDATE device_sessions SET is_active = 0 WHERE device_id = ? AND is_active = 1", deviceID,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to supersede prior sessions: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO device_sessions (token_id, device_id, hashed_token, created_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
	`, session.TokenID, deviceID, hashToken(rawToken), session.CreatedAt, session.ExpiresAt); err != nil {
		return nil, nil, fmt.Errorf("failed to store session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit registration: %w", err)
	}

	device, err := s.GetDevice(deviceID)
	if err != nil {
		return nil, nil, err
	}
	return device, session, nil
}

// ValidateToken authenticates a raw session token and returns the owning
// device. The device id is recovered from the session row, so the caller
// only needs the bearer token.
func (s *Store) ValidateToken(rawToken string) (*Device, error) {
	if !tokens.IsWellFormed(rawToken) {
		return nil, ErrInvalidToken
	}

	var deviceID string
	var expiresAt time.Time
	err := s.db.QueryRow(`
		SELECT device_id, expires_at FROM device_sessions
		WHERE hashed_token = ? AND is_active = 1
	`, hashToken(rawToken)).Scan(&deviceID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}

	if time.Now().After(expiresAt) {
		return nil, ErrSessionExpired
	}

	device, err := s.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// ValidateSession checks a (deviceId, token) pair. It distinguishes unknown
// devices from bad tokens so the hub can report the right auth failure.
func (s *Store) ValidateSession(deviceID, rawToken string) (*Device, error) {
	if _, err := s.GetDevice(deviceID); err != nil {
		return nil, err
	}

	device, err := s.ValidateToken(rawToken)
	if err != nil {
		return nil, err
	}
	if device.ID != deviceID {
		return nil, ErrInvalidToken
	}
	return device, nil
}

// GetDevice returns a device by id. Soft-removed devices are unknown.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	var d Device
	var capsJSON, metaJSON string
	var lastSeen sql.NullTime

	err := s.db.QueryRow(`
		SELECT id, user_id, name, platform, capabilities, metadata, online, created_at, last_seen_at
		FROM devices WHERE id = ? AND removed = 0
	`, deviceID).Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &capsJSON, &metaJSON, &d.Online, &d.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		d.Capabilities = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		d.Metadata = make(map[string]string)
	}
	if lastSeen.Valid {
		d.LastSeenAt = &lastSeen.Time
	}

	return &d, nil
}

// ListDevices returns all non-removed devices for a user.
func (s *Store) ListDevices(userID string) ([]*Device, error) {
	rows, err := s.db.Query(
		"SELECT id FROM devices WHERE user_id = ? AND removed = 0 ORDER BY created_at", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDevice(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Unregister soft-removes a device and invalidates its sessions. Removing
// a device that is already gone is a no-op.
func (s *Store) Unregister(deviceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE devices SET removed = 1, online = 0 WHERE id = ?", deviceID,
	); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE device_sessions SET is_active = 0 WHERE device_id = ?", deviceID,
	); err != nil {
		return fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	return tx.Commit()
}

// SetOnline flips the device's online flag and stamps last_seen_at.
func (s *Store) SetOnline(deviceID string, online bool) error {
	_, err := s.db.Exec(
		"UPDATE devices SET online = ?, last_seen_at = ? WHERE id = ?",
		online, time.Now(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update online flag: %w", err)
	}
	return nil
}

// TouchLastSeen stamps last_seen_at without touching the online flag.
func (s *Store) TouchLastSeen(deviceID string) error {
	_, err := s.db.Exec(
		"UPDATE devices SET last_seen_at = ? WHERE id = ?", time.Now(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last_seen_at: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions past expiry. Called periodically
// by the server maintenance loop.
func (s *Store) CleanupExpiredSessions() (int64, error) {
	result, err := s.db.Exec(
		"DELETE FROM device_sessions WHERE expires_at < ?", time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// ArchiveDispatch records a terminal dispatch request for audit.
func (s *Store) ArchiveDispatch(requestID, deviceID, tool, status string, createdAt, resolvedAt time.Time, errMsg string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO dispatch_archive (request_id, device_id, tool, status, created_at, resolved_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, requestID, deviceID, tool, status, createdAt, resolvedAt, errMsg)
	if err != nil {
		return fmt.Errorf("failed to archive dispatch: %w", err)
	}
	return nil
}

// hashToken returns the hex sha256 of a raw token. Only hashes hit the
// database; the raw token is returned to the device once and never stored.
func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
