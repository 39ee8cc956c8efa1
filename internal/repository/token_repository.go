package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/credential-service/internal/database"
	"github.com/iliyamo/credential-service/internal/model"
)

// maxChainHops bounds RevokeChain so a corrupted replaced_by_hash cycle
// cannot loop forever.
const maxChainHops = 1024

var refreshColumns = []string{
	"id", "token_hash", "owner_id", "expires_at", "is_revoked", "revoked_at",
	"created_at", "created_by_ip", "replaced_by_hash",
}

// TokenRepo persists refresh tokens by digest.  Rows are only ever inserted
// or revoked; expiry is evaluated in Go against the caller's clock.
type TokenRepo struct {
	db *sql.DB
	d  database.Dialect
}

// NewTokenRepo returns a TokenRepo bound to db.
func NewTokenRepo(db *sql.DB, d database.Dialect) *TokenRepo { return &TokenRepo{db: db, d: d} }

// Create inserts an active refresh token for ownerID expiring at now+ttl.
func (r *TokenRepo) Create(ctx context.Context, ownerID, tokenHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error) {
	return r.create(ctx, r.db, ownerID, tokenHash, ttl, createdByIP, now)
}

// CreateTx is Create inside the caller's transaction.
func (r *TokenRepo) CreateTx(ctx context.Context, tx *sql.Tx, ownerID, tokenHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error) {
	return r.create(ctx, tx, ownerID, tokenHash, ttl, createdByIP, now)
}

func (r *TokenRepo) create(ctx context.Context, ex execer, ownerID, tokenHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error) {
	rec := model.RefreshToken{
		ID:          ulid.Make().String(),
		TokenHash:   tokenHash,
		OwnerID:     ownerID,
		ExpiresAt:   dbTime(now.Add(ttl)),
		CreatedAt:   dbTime(now),
		CreatedByIP: createdByIP,
	}
	q, args, err := r.d.Builder().
		Insert("refresh_tokens").
		Columns(refreshColumns...).
		Values(rec.ID, rec.TokenHash, rec.OwnerID, rec.ExpiresAt, false, nil,
			rec.CreatedAt, rec.CreatedByIP, nil).
		ToSql()
	if err != nil {
		return model.RefreshToken{}, err
	}
	if _, err := ex.ExecContext(ctx, q, args...); err != nil {
		if isDuplicateKey(err) {
			return model.RefreshToken{}, ErrConflict
		}
		return model.RefreshToken{}, err
	}
	return rec, nil
}

// FindByHash returns the record for tokenHash in any state.
func (r *TokenRepo) FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	return r.findByHash(ctx, r.db, tokenHash)
}

func (r *TokenRepo) findByHash(ctx context.Context, ex execer, tokenHash string) (model.RefreshToken, error) {
	q, args, err := r.d.Builder().
		Select(refreshColumns...).
		From("refresh_tokens").
		Where(sq.Eq{"token_hash": tokenHash}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.RefreshToken{}, err
	}
	rec, err := scanRefreshToken(ex.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.RefreshToken{}, ErrNotFound
	}
	return rec, err
}

// FindActive returns the record for tokenHash only if it is neither revoked
// nor expired at now; otherwise ErrNotFound.
func (r *TokenRepo) FindActive(ctx context.Context, tokenHash string, now time.Time) (model.RefreshToken, error) {
	rec, err := r.FindByHash(ctx, tokenHash)
	if err != nil {
		return model.RefreshToken{}, err
	}
	if !rec.Active(now) {
		return model.RefreshToken{}, ErrNotFound
	}
	return rec, nil
}

// Revoke marks rec revoked, recording replacedByHash when it was rotated.
// The update only applies while the row is still active: if another caller
// revoked it first, ErrNotFound is returned.
func (r *TokenRepo) Revoke(ctx context.Context, rec model.RefreshToken, replacedByHash *string, now time.Time) error {
	return r.revoke(ctx, r.db, rec.ID, replacedByHash, now)
}

func (r *TokenRepo) revoke(ctx context.Context, ex execer, id string, replacedByHash *string, now time.Time) error {
	b := r.d.Builder().
		Update("refresh_tokens").
		Set("is_revoked", true).
		Set("revoked_at", dbTime(now))
	if replacedByHash != nil {
		b = b.Set("replaced_by_hash", *replacedByHash)
	}
	q, args, err := b.Where(sq.Eq{"id": id, "is_revoked": false}).ToSql()
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeByHash revokes the token with tokenHash regardless of its expiry.
// Revoking an already revoked token succeeds and leaves it unchanged; an
// unknown hash returns ErrNotFound.
func (r *TokenRepo) RevokeByHash(ctx context.Context, tokenHash string, now time.Time) (model.RefreshToken, error) {
	rec, err := r.FindByHash(ctx, tokenHash)
	if err != nil {
		return model.RefreshToken{}, err
	}
	if rec.IsRevoked {
		return rec, nil
	}
	if err := r.revoke(ctx, r.db, rec.ID, nil, now); err != nil && !errors.Is(err, ErrNotFound) {
		return model.RefreshToken{}, err
	}
	// a concurrent rotation may have won; report the stored state either way
	return r.FindByHash(ctx, tokenHash)
}

// Rotate revokes old in favour of newHash and inserts the successor, both
// in one transaction.  If old was revoked concurrently nothing is written
// and ErrNotFound is returned.
func (r *TokenRepo) Rotate(ctx context.Context, old model.RefreshToken, newHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error) {
	var next model.RefreshToken
	err := database.WithinTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.revoke(ctx, tx, old.ID, &newHash, now); err != nil {
			return err
		}
		rec, err := r.create(ctx, tx, old.OwnerID, newHash, ttl, createdByIP, now)
		if err != nil {
			return err
		}
		next = rec
		return nil
	})
	if err != nil {
		return model.RefreshToken{}, err
	}
	return next, nil
}

// RevokeChain follows replaced_by_hash links starting after fromHash and
// revokes every descendant that is still active.  It returns how many rows
// it revoked.
func (r *TokenRepo) RevokeChain(ctx context.Context, fromHash string, now time.Time) (int, error) {
	start, err := r.FindByHash(ctx, fromHash)
	if err != nil {
		return 0, err
	}
	revoked := 0
	next := start.ReplacedByHash
	for hops := 0; next != nil && hops < maxChainHops; hops++ {
		rec, err := r.FindByHash(ctx, *next)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return revoked, err
		}
		if !rec.IsRevoked {
			switch err := r.revoke(ctx, r.db, rec.ID, nil, now); {
			case err == nil:
				revoked++
			case errors.Is(err, ErrNotFound):
				// rotated meanwhile; keep following the link it now has
				if rec, err = r.FindByHash(ctx, rec.TokenHash); err != nil {
					return revoked, err
				}
			default:
				return revoked, err
			}
		}
		next = rec.ReplacedByHash
	}
	return revoked, nil
}

// RevokeAllForOwner revokes every active token of ownerID and returns the
// number of rows changed.
func (r *TokenRepo) RevokeAllForOwner(ctx context.Context, ownerID string, now time.Time) (int, error) {
	q, args, err := r.d.Builder().
		Update("refresh_tokens").
		Set("is_revoked", true).
		Set("revoked_at", dbTime(now)).
		Where(sq.Eq{"owner_id": ownerID, "is_revoked": false}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRefreshToken(row rowScanner) (model.RefreshToken, error) {
	var (
		rec        model.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.TokenHash, &rec.OwnerID, &rec.ExpiresAt, &rec.IsRevoked,
		&revokedAt, &rec.CreatedAt, &rec.CreatedByIP, &replacedBy)
	if err != nil {
		return model.RefreshToken{}, err
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.RevokedAt = nullTimePtr(revokedAt)
	rec.ReplacedByHash = nullStringPtr(replacedBy)
	return rec, nil
}
