package access

import (
	"context"
	"errors"
	"time"

	"github.com/masterbot-platform/gateway/internal/ierr"
)

var (
	ErrNoUpdates        = errors.New("no updates provided")
	ErrSelfDeactivation = errors.New("cannot deactivate yourself")
)

// Granted reports the outcome of granting access to a user.
type Granted struct {
	Action    string
	ExpiresAt *time.Time
}

// UserUpdate carries the partial update an admin requests for a record. Nil
// fields are left untouched.
type UserUpdate struct {
	IsActive *bool
	IsAdmin  *bool

	// ExtendDays pushes the expiry forward from whichever is later, the
	// current expiry or now. Zero grants unlimited access.
	ExtendDays *int
}

// Admin manages the user table on behalf of the admin API. The platform bot
// owns the same table, so every write goes through whole-record upserts
// rather than field patches.
type Admin struct {
	store AdminStore
	now   func() time.Time
}

func NewAdmin(store AdminStore) *Admin {
	return &Admin{
		store: store,
		now:   time.Now,
	}
}

func (a *Admin) List(ctx context.Context, limit int, offset int) ([]Record, error) {
	records, err := a.store.List(ctx, limit, offset)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return records, nil
}

// Grant activates access for the user, creating the record if it does not
// exist yet. days bounds the access period; zero means unlimited. Name fields
// overwrite stored ones only when provided, so a bare re-grant keeps what the
// bot recorded.
func (a *Admin) Grant(ctx context.Context, userID int64, days int, username string, firstName string) (Granted, error) {
	now := a.now().UTC()

	var expiresAt *time.Time
	if days > 0 {
		expiry := now.Add(time.Duration(days) * 24 * time.Hour)
		expiresAt = &expiry
	}

	record, err := a.store.Lookup(ctx, userID)
	action := "reactivated"

	switch {
	case errors.Is(err, ErrNotFound):
		record = Record{UserID: userID, CreatedAt: now}
		action = "created"
	case err != nil:
		return Granted{}, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	record.IsActive = true
	record.AccessExpiresAt = expiresAt
	if username != "" {
		record.Username = username
	}
	if firstName != "" {
		record.FirstName = firstName
	}
	record.UpdatedAt = now

	if err := a.store.Save(ctx, record); err != nil {
		return Granted{}, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return Granted{Action: action, ExpiresAt: expiresAt}, nil
}

// Update applies a partial update to an existing record.
func (a *Admin) Update(ctx context.Context, userID int64, update UserUpdate) (Record, error) {
	if update.IsActive == nil && update.IsAdmin == nil && update.ExtendDays == nil {
		return Record{}, ierr.New(ierr.ErrorCodeInvalidArgument, ErrNoUpdates)
	}

	record, err := a.lookup(ctx, userID)
	if err != nil {
		return Record{}, err
	}

	now := a.now().UTC()

	if update.IsActive != nil {
		record.IsActive = *update.IsActive
	}
	if update.IsAdmin != nil {
		record.IsAdmin = *update.IsAdmin
	}
	if update.ExtendDays != nil {
		if *update.ExtendDays == 0 {
			record.AccessExpiresAt = nil
		} else {
			base := now
			if record.AccessExpiresAt != nil && record.AccessExpiresAt.After(base) {
				base = *record.AccessExpiresAt
			}
			expiry := base.Add(time.Duration(*update.ExtendDays) * 24 * time.Hour)
			record.AccessExpiresAt = &expiry
		}
	}
	record.UpdatedAt = now

	if err := a.store.Save(ctx, record); err != nil {
		return Record{}, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return record, nil
}

// Deactivate revokes the user's access without deleting the record, so the
// bot's history for that user survives. Admins cannot deactivate themselves.
func (a *Admin) Deactivate(ctx context.Context, actorID int64, userID int64) error {
	if actorID == userID {
		return ierr.New(ierr.ErrorCodeInvalidArgument, ErrSelfDeactivation)
	}

	record, err := a.lookup(ctx, userID)
	if err != nil {
		return err
	}

	record.IsActive = false
	record.UpdatedAt = a.now().UTC()

	if err := a.store.Save(ctx, record); err != nil {
		return ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return nil
}

func (a *Admin) lookup(ctx context.Context, userID int64) (Record, error) {
	record, err := a.store.Lookup(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, ierr.New(ierr.ErrorCodeNotFound, err)
	}
	if err != nil {
		return Record{}, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return record, nil
}
