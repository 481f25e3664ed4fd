package access

import (
	"context"
	"errors"
	"time"

	"github.com/masterbot-platform/gateway/internal/ierr"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrDenied   = errors.New("access denied")
)

// Record is one row of the platform's user table. Admission control reads
// the activity and expiry fields; the admin API manages the rest.
type Record struct {
	UserID          int64
	Username        string
	FirstName       string
	IsActive        bool
	IsAdmin         bool
	AccessExpiresAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Store interface {
	Setup(ctx context.Context) error
	Lookup(ctx context.Context, userID int64) (Record, error)
}

// AdminStore adds the write operations the admin API needs on top of the
// read-only admission view.
type AdminStore interface {
	Store
	List(ctx context.Context, limit int, offset int) ([]Record, error)
	Save(ctx context.Context, record Record) error
}

// Checker decides whether a user may attach to the gateway.
type Checker struct {
	store   Store
	adminID int64
	now     func() time.Time
}

func NewChecker(store Store, adminID int64) *Checker {
	return &Checker{
		store:   store,
		adminID: adminID,
		now:     time.Now,
	}
}

// Check returns nil when the user may connect. The configured admin id
// bypasses the store, so the operator keeps access even when the database is
// unreachable. A missing expiry means unlimited access; an expiry at or
// before the current instant denies it.
func (c *Checker) Check(ctx context.Context, userID int64) error {
	if c.adminID != 0 && userID == c.adminID {
		return nil
	}

	record, err := c.store.Lookup(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ierr.New(ierr.ErrorCodePermissionDenied, ErrDenied)
	}
	if err != nil {
		return ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	if record.IsAdmin {
		return nil
	}
	if !record.IsActive {
		return ierr.New(ierr.ErrorCodePermissionDenied, ErrDenied)
	}
	if record.AccessExpiresAt == nil || record.AccessExpiresAt.After(c.now()) {
		return nil
	}

	return ierr.New(ierr.ErrorCodePermissionDenied, ErrDenied)
}

// CheckAdmin returns nil when the user may call the admin API: the configured
// admin id, or any record flagged as admin.
func (c *Checker) CheckAdmin(ctx context.Context, userID int64) error {
	if c.adminID != 0 && userID == c.adminID {
		return nil
	}

	record, err := c.store.Lookup(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return ierr.New(ierr.ErrorCodePermissionDenied, ErrDenied)
	}
	if err != nil {
		return ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	if !record.IsAdmin {
		return ierr.New(ierr.ErrorCodePermissionDenied, ErrDenied)
	}

	return nil
}
