package store

import (
	"context"
	"database/sql"
	"time"
)

// QueueLockName is the single lock serializing queue processing.
const QueueLockName = "queue"

// AcquireQueueLock attempts to take the queue lock without blocking.
// Returns ErrLockHeld if another holder has it.
func (s *Store) AcquireQueueLock(ctx context.Context, holder string, ttl time.Duration) error {
	ok, err := s.dialect.TryQueueLock(ctx, s.db, QueueLockName, holder, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ReleaseQueueLock releases the queue lock held by holder.
func (s *Store) ReleaseQueueLock(ctx context.Context, holder string) error {
	return s.dialect.ReleaseQueueLock(ctx, s.db, QueueLockName, holder)
}

// ForceReleaseQueueLock drops the queue lock regardless of holder.
// Recovery path for crashed processors.
func (s *Store) ForceReleaseQueueLock(ctx context.Context) error {
	return s.dialect.ReleaseQueueLock(ctx, s.db, QueueLockName, "")
}

// QueueLockInfo describes the current queue lock holder.
type QueueLockInfo struct {
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// GetQueueLockInfo reports who holds the queue lock. Backends that lock
// outside the queue_locks table report no holder.
func (s *Store) GetQueueLockInfo(ctx context.Context) (QueueLockInfo, bool, error) {
	var info QueueLockInfo
	err := s.queryRow(ctx,
		`SELECT holder, acquired_at, expires_at FROM queue_locks WHERE name = ?`,
		QueueLockName).Scan(&info.Holder, &info.AcquiredAt, &info.ExpiresAt)
	if err == sql.ErrNoRows {
		return QueueLockInfo{}, false, nil
	}
	if err != nil {
		return QueueLockInfo{}, false, err
	}
	return info, true, nil
}

// IntakeOverride is a manual intake mode pin for a tenant.
type IntakeOverride struct {
	TenantID  string `json:"tenant_id"`
	Mode      string `json:"mode"`
	SetBy     string `json:"set_by"`
	Reason    string `json:"reason"`
	UpdatedAt string `json:"updated_at"`
}

// PutIntakeOverride pins the intake mode for a tenant.
func (s *Store) PutIntakeOverride(ctx context.Context, o IntakeOverride) error {
	_, err := s.exec(ctx,
		`INSERT INTO intake_overrides (tenant_id, mode, set_by, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   mode = excluded.mode,
		   set_by = excluded.set_by,
		   reason = excluded.reason,
		   updated_at = excluded.updated_at`,
		o.TenantID, o.Mode, o.SetBy, o.Reason, o.UpdatedAt)
	return err
}

// GetIntakeOverride loads the pinned intake mode for a tenant, if any.
func (s *Store) GetIntakeOverride(ctx context.Context, tenantID string) (IntakeOverride, bool, error) {
	var o IntakeOverride
	err := s.queryRow(ctx,
		`SELECT tenant_id, mode, set_by, reason, updated_at FROM intake_overrides WHERE tenant_id = ?`,
		tenantID).Scan(&o.TenantID, &o.Mode, &o.SetBy, &o.Reason, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return IntakeOverride{}, false, nil
	}
	if err != nil {
		return IntakeOverride{}, false, err
	}
	return o, true, nil
}

// DeleteIntakeOverride clears the pin, returning intake to automatic mode.
func (s *Store) DeleteIntakeOverride(ctx context.Context, tenantID string) error {
	_, err := s.exec(ctx, `DELETE FROM intake_overrides WHERE tenant_id = ?`, tenantID)
	return err
}
