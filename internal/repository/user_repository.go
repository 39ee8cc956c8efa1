package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/credential-service/internal/database"
	"github.com/iliyamo/credential-service/internal/model"
)

var identityColumns = []string{
	"id", "email", "password_hash", "name", "photo", "gender", "dob",
	"created_at", "failed_login_count", "lockout_end",
}

// IdentityRepo provides data access to the identities table.  Emails are
// normalized on every read and write so lookups are case-insensitive.
type IdentityRepo struct {
	db *sql.DB
	d  database.Dialect
}

// NewIdentityRepo returns an IdentityRepo bound to db.
func NewIdentityRepo(db *sql.DB, d database.Dialect) *IdentityRepo {
	return &IdentityRepo{db: db, d: d}
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// CreateTx inserts ident inside tx and returns the stored row.  ID and
// CreatedAt are assigned here when empty.  A duplicate email maps to
// ErrEmailExists.
func (r *IdentityRepo) CreateTx(ctx context.Context, tx *sql.Tx, ident model.Identity) (model.Identity, error) {
	if ident.ID == "" {
		ident.ID = ulid.Make().String()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now()
	}
	ident.Email = NormalizeEmail(ident.Email)
	ident.CreatedAt = dbTime(ident.CreatedAt)
	ident.Dob = dbTime(ident.Dob)
	ident.FailedLoginCount = 0
	ident.LockoutEnd = nil

	q, args, err := r.d.Builder().
		Insert("identities").
		Columns(identityColumns...).
		Values(ident.ID, ident.Email, ident.PasswordHash, ident.Name, ident.Photo,
			string(ident.Gender), ident.Dob, ident.CreatedAt, 0, nil).
		ToSql()
	if err != nil {
		return model.Identity{}, err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		if isDuplicateKey(err) {
			return model.Identity{}, ErrEmailExists
		}
		return model.Identity{}, err
	}
	return ident, nil
}

// GetByEmail fetches an identity by normalized email.
func (r *IdentityRepo) GetByEmail(ctx context.Context, email string) (model.Identity, error) {
	return r.getOne(ctx, r.db, sq.Eq{"email": NormalizeEmail(email)})
}

// GetByID fetches an identity by id.
func (r *IdentityRepo) GetByID(ctx context.Context, id string) (model.Identity, error) {
	return r.getOne(ctx, r.db, sq.Eq{"id": id})
}

func (r *IdentityRepo) getOne(ctx context.Context, ex execer, where sq.Eq) (model.Identity, error) {
	q, args, err := r.d.Builder().
		Select(identityColumns...).
		From("identities").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return model.Identity{}, err
	}
	ident, err := scanIdentity(ex.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, ErrNotFound
	}
	return ident, err
}

func scanIdentity(row rowScanner) (model.Identity, error) {
	var (
		ident      model.Identity
		gender     string
		lockoutEnd sql.NullTime
	)
	err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.Name, &ident.Photo,
		&gender, &ident.Dob, &ident.CreatedAt, &ident.FailedLoginCount, &lockoutEnd)
	if err != nil {
		return model.Identity{}, err
	}
	ident.Gender = model.Gender(gender)
	ident.Dob = ident.Dob.UTC()
	ident.CreatedAt = ident.CreatedAt.UTC()
	ident.LockoutEnd = nullTimePtr(lockoutEnd)
	return ident, nil
}

// RecordFailedLogin increments the failed-login counter of id.  When the
// counter reaches maxAttempts the identity is locked until now+lockout and
// the counter starts over; locked reports whether this call tripped the
// lockout.  Increment and check run in one transaction so concurrent
// failures cannot skip the threshold.
func (r *IdentityRepo) RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockout time.Duration, now time.Time) (locked bool, err error) {
	err = database.WithinTx(ctx, r.db, func(tx *sql.Tx) error {
		q, args, err := r.d.Builder().
			Update("identities").
			Set("failed_login_count", sq.Expr("failed_login_count + 1")).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		q, args, err = r.d.Builder().
			Select("failed_login_count").
			From("identities").
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
			return err
		}
		if count < maxAttempts {
			return nil
		}

		q, args, err = r.d.Builder().
			Update("identities").
			Set("failed_login_count", 0).
			Set("lockout_end", dbTime(now.Add(lockout))).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		locked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return locked, nil
}

// ResetFailedLogins clears the counter and any lockout after a successful
// login.
func (r *IdentityRepo) ResetFailedLogins(ctx context.Context, id string) error {
	q, args, err := r.d.Builder().
		Update("identities").
		Set("failed_login_count", 0).
		Set("lockout_end", nil).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	return err
}

// UpdatePasswordHash replaces the stored hash, used to upgrade legacy or
// weaker hashes after a successful login.
func (r *IdentityRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	q, args, err := r.d.Builder().
		Update("identities").
		Set("password_hash", hash).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
