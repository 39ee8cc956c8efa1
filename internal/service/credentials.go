package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/credential-service/internal/database"
	"github.com/iliyamo/credential-service/internal/logger"
	"github.com/iliyamo/credential-service/internal/metrics"
	"github.com/iliyamo/credential-service/internal/model"
	"github.com/iliyamo/credential-service/internal/queue"
	"github.com/iliyamo/credential-service/internal/repository"
	"github.com/iliyamo/credential-service/internal/utils"
	"github.com/iliyamo/credential-service/internal/validation"
)

// maxRefreshTokenLen bounds the raw secret accepted from clients.
const maxRefreshTokenLen = 4096

// IdentityStore is the identity persistence the service depends on.
type IdentityStore interface {
	CreateTx(ctx context.Context, tx *sql.Tx, ident model.Identity) (model.Identity, error)
	GetByEmail(ctx context.Context, email string) (model.Identity, error)
	GetByID(ctx context.Context, id string) (model.Identity, error)
	RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockout time.Duration, now time.Time) (bool, error)
	ResetFailedLogins(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// RefreshTokenStore is the refresh-token persistence the service depends on.
type RefreshTokenStore interface {
	Create(ctx context.Context, ownerID, tokenHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error)
	CreateTx(ctx context.Context, tx *sql.Tx, ownerID, tokenHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error)
	FindActive(ctx context.Context, tokenHash string, now time.Time) (model.RefreshToken, error)
	FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	Rotate(ctx context.Context, old model.RefreshToken, newHash string, ttl time.Duration, createdByIP string, now time.Time) (model.RefreshToken, error)
	RevokeByHash(ctx context.Context, tokenHash string, now time.Time) (model.RefreshToken, error)
	RevokeChain(ctx context.Context, fromHash string, now time.Time) (int, error)
	RevokeAllForOwner(ctx context.Context, ownerID string, now time.Time) (int, error)
}

// Options are the tunables of the credential lifecycle.
type Options struct {
	RefreshTTL         time.Duration
	RefreshTokenBytes  int
	ReuseDetection     bool
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
}

// Deps are the collaborators of a CredentialService.  Publisher, Metrics,
// Logger and Now are optional.
type Deps struct {
	DB          *sql.DB
	Identities  IdentityStore
	Tokens      RefreshTokenStore
	Passwords   *utils.PasswordHasher
	TokenHasher *utils.TokenHasher
	Issuer      *utils.AccessTokenIssuer
	Policy      *validation.PasswordPolicy
	Publisher   queue.Publisher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// RegisterInput is a validated registration request.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Photo    string
	Gender   model.Gender
	Dob      time.Time
}

// AuthResult is returned by every operation that issues credentials.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresInMinutes int
	IdentityID       string
	AccessExpiresAt  time.Time
}

// CredentialService issues, rotates and revokes credentials.  It keeps no
// mutable state of its own; all coordination happens in the stores.
type CredentialService struct {
	db         *sql.DB
	identities IdentityStore
	tokens     RefreshTokenStore
	passwords  *utils.PasswordHasher
	hasher     *utils.TokenHasher
	issuer     *utils.AccessTokenIssuer
	policy     *validation.PasswordPolicy
	events     queue.Publisher
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
	opts       Options
}

// NewCredentialService wires a service from d and opts.
func NewCredentialService(d Deps, opts Options) *CredentialService {
	s := &CredentialService{
		db:         d.DB,
		identities: d.Identities,
		tokens:     d.Tokens,
		passwords:  d.Passwords,
		hasher:     d.TokenHasher,
		issuer:     d.Issuer,
		policy:     d.Policy,
		events:     d.Publisher,
		metrics:    d.Metrics,
		log:        d.Logger,
		now:        d.Now,
		opts:       opts,
	}
	if s.events == nil {
		s.events = queue.NopPublisher{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy == nil {
		s.policy = validation.NewPasswordPolicy(0)
	}
	if s.opts.RefreshTokenBytes <= 0 {
		s.opts.RefreshTokenBytes = 64
	}
	if s.opts.LockoutMaxAttempts <= 0 {
		s.opts.LockoutMaxAttempts = 5
	}
	if s.opts.LockoutDuration <= 0 {
		s.opts.LockoutDuration = 5 * time.Minute
	}
	if s.opts.RefreshTTL <= 0 {
		s.opts.RefreshTTL = 30 * 24 * time.Hour
	}
	return s
}

// Register creates an identity and signs it in.  The identity row and its
// first refresh token are written in one transaction.
func (s *CredentialService) Register(ctx context.Context, in RegisterInput, clientIP string) (AuthResult, error) {
	now := s.now().UTC()
	lg := logger.WithContext(ctx, s.log)
	email := repository.NormalizeEmail(in.Email)

	if err := s.policy.Validate(in.Password, email, in.Name); err != nil {
		s.metrics.Observe("register", metrics.OutcomeFailure)
		return AuthResult{}, fmt.Errorf("%w: %w", ErrWeakCredential, err)
	}

	_, err := s.identities.GetByEmail(ctx, email)
	switch {
	case err == nil:
		s.metrics.Observe("register", metrics.OutcomeFailure)
		return AuthResult{}, ErrDuplicateIdentity
	case !errors.Is(err, repository.ErrNotFound):
		s.metrics.Observe("register", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("lookup identity: %w", err)
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		s.metrics.Observe("register", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}
	raw, tokenHash, err := s.newRefreshSecret()
	if err != nil {
		s.metrics.Observe("register", metrics.OutcomeError)
		return AuthResult{}, err
	}

	var (
		ident  model.Identity
		access utils.AccessToken
	)
	err = database.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		ident, err = s.identities.CreateTx(ctx, tx, model.Identity{
			Email:        email,
			PasswordHash: hash,
			Name:         strings.TrimSpace(in.Name),
			Photo:        strings.TrimSpace(in.Photo),
			Gender:       in.Gender,
			Dob:          in.Dob,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		if _, err := s.tokens.CreateTx(ctx, tx, ident.ID, tokenHash, s.opts.RefreshTTL, clientIP, now); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
		access, err = s.issuer.Issue(ident, now)
		if err != nil {
			return fmt.Errorf("sign access token: %w", err)
		}
		return nil
	})
	if errors.Is(err, repository.ErrEmailExists) {
		s.metrics.Observe("register", metrics.OutcomeFailure)
		return AuthResult{}, ErrDuplicateIdentity
	}
	if err != nil {
		s.metrics.Observe("register", metrics.OutcomeError)
		lg.Error("register failed", zap.String("email", logger.MaskEmail(email)), zap.Error(err))
		return AuthResult{}, fmt.Errorf("register: %w", err)
	}

	s.metrics.Observe("register", metrics.OutcomeSuccess)
	lg.Info("identity registered", zap.String("identity_id", ident.ID), zap.String("email", logger.MaskEmail(email)))
	s.emit(ctx, queue.EventRegistered, ident.ID, email, clientIP, "", 0, now)
	return s.result(ident.ID, access, raw), nil
}

// Login verifies a password and issues a fresh token pair.  Other refresh
// tokens of the identity are left untouched.
func (s *CredentialService) Login(ctx context.Context, email, password, clientIP string) (AuthResult, error) {
	now := s.now().UTC()
	lg := logger.WithContext(ctx, s.log)
	email = repository.NormalizeEmail(email)

	ident, err := s.identities.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		s.passwords.DummyVerify(password)
		s.metrics.Observe("login", metrics.OutcomeFailure)
		lg.Info("login failed", zap.String("reason", "unknown_email"), zap.String("email", logger.MaskEmail(email)))
		s.emit(ctx, queue.EventLoginFailed, "", email, clientIP, "unknown_email", 0, now)
		return AuthResult{}, ErrInvalidCredentials
	}
	if err != nil {
		s.metrics.Observe("login", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("lookup identity: %w", err)
	}

	if ident.LockedOut(now) {
		s.metrics.Observe("login", metrics.OutcomeFailure)
		lg.Info("login refused", zap.String("reason", "locked_out"), zap.String("identity_id", ident.ID))
		return AuthResult{}, ErrLockedOut
	}

	if !s.passwords.Verify(password, ident.PasswordHash) {
		locked, err := s.identities.RecordFailedLogin(ctx, ident.ID, s.opts.LockoutMaxAttempts, s.opts.LockoutDuration, now)
		if err != nil {
			s.metrics.Observe("login", metrics.OutcomeError)
			return AuthResult{}, fmt.Errorf("record failed login: %w", err)
		}
		s.metrics.Observe("login", metrics.OutcomeFailure)
		if locked {
			s.metrics.LockedOut()
			lg.Warn("identity locked out", zap.String("identity_id", ident.ID), zap.String("ip", logger.MaskIP(clientIP)))
			s.emit(ctx, queue.EventLockedOut, ident.ID, email, clientIP, "max_attempts", 0, now)
			return AuthResult{}, ErrLockedOut
		}
		lg.Info("login failed", zap.String("reason", "bad_password"), zap.String("identity_id", ident.ID))
		s.emit(ctx, queue.EventLoginFailed, ident.ID, email, clientIP, "bad_password", 0, now)
		return AuthResult{}, ErrInvalidCredentials
	}

	if ident.FailedLoginCount > 0 || ident.LockoutEnd != nil {
		if err := s.identities.ResetFailedLogins(ctx, ident.ID); err != nil {
			s.metrics.Observe("login", metrics.OutcomeError)
			return AuthResult{}, fmt.Errorf("reset failed logins: %w", err)
		}
	}
	if s.passwords.NeedsRehash(ident.PasswordHash) {
		s.rehash(ctx, lg, ident.ID, password)
	}

	access, err := s.issuer.Issue(ident, now)
	if err != nil {
		s.metrics.Observe("login", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("sign access token: %w", err)
	}
	raw, tokenHash, err := s.newRefreshSecret()
	if err != nil {
		s.metrics.Observe("login", metrics.OutcomeError)
		return AuthResult{}, err
	}
	if _, err := s.tokens.Create(ctx, ident.ID, tokenHash, s.opts.RefreshTTL, clientIP, now); err != nil {
		s.metrics.Observe("login", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("store refresh token: %w", err)
	}

	s.metrics.Observe("login", metrics.OutcomeSuccess)
	lg.Info("login succeeded", zap.String("identity_id", ident.ID), zap.String("ip", logger.MaskIP(clientIP)))
	s.emit(ctx, queue.EventLoginSucceeded, ident.ID, "", clientIP, "", 0, now)
	return s.result(ident.ID, access, raw), nil
}

// rehash upgrades a legacy or weaker stored hash.  Failure only costs the
// upgrade, never the login.
func (s *CredentialService) rehash(ctx context.Context, lg *zap.Logger, id, password string) {
	hash, err := s.passwords.Hash(password)
	if err == nil {
		err = s.identities.UpdatePasswordHash(ctx, id, hash)
	}
	if err != nil {
		lg.Warn("password rehash failed", zap.String("identity_id", id), zap.Error(err))
		return
	}
	lg.Info("password hash upgraded", zap.String("identity_id", id))
}

// RefreshToken exchanges an active refresh secret for a new pair.  The
// presented secret is consumed: a second exchange of it fails, and with
// reuse detection enabled also revokes every token rotated from it.
func (s *CredentialService) RefreshToken(ctx context.Context, rawSecret, clientIP string) (AuthResult, error) {
	now := s.now().UTC()
	lg := logger.WithContext(ctx, s.log)

	rawSecret = strings.TrimSpace(rawSecret)
	if rawSecret == "" || len(rawSecret) > maxRefreshTokenLen {
		s.metrics.Observe("refresh", metrics.OutcomeFailure)
		return AuthResult{}, ErrInvalidRefreshToken
	}
	presented := s.hasher.Hash(rawSecret)

	rec, err := s.tokens.FindActive(ctx, presented, now)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.Observe("refresh", metrics.OutcomeFailure)
		s.diagnose(ctx, lg, presented, clientIP, now)
		return AuthResult{}, ErrInvalidRefreshToken
	}
	if err != nil {
		s.metrics.Observe("refresh", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("find refresh token: %w", err)
	}

	owner, err := s.identities.GetByID(ctx, rec.OwnerID)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.Observe("refresh", metrics.OutcomeFailure)
		lg.Warn("refresh rejected", zap.String("reason", "identity_not_found"),
			zap.String("identity_id", rec.OwnerID), zap.NamedError("cause", ErrIdentityNotFound))
		return AuthResult{}, ErrInvalidRefreshToken
	}
	if err != nil {
		s.metrics.Observe("refresh", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("lookup identity: %w", err)
	}

	access, err := s.issuer.Issue(owner, now)
	if err != nil {
		s.metrics.Observe("refresh", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("sign access token: %w", err)
	}
	raw, nextHash, err := s.newRefreshSecret()
	if err != nil {
		s.metrics.Observe("refresh", metrics.OutcomeError)
		return AuthResult{}, err
	}
	if _, err := s.tokens.Rotate(ctx, rec, nextHash, s.opts.RefreshTTL, clientIP, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.Observe("refresh", metrics.OutcomeFailure)
			lg.Warn("refresh rejected", zap.String("reason", "rotation_race"), zap.String("identity_id", owner.ID))
			return AuthResult{}, ErrInvalidRefreshToken
		}
		s.metrics.Observe("refresh", metrics.OutcomeError)
		return AuthResult{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.metrics.Observe("refresh", metrics.OutcomeSuccess)
	lg.Info("refresh token rotated", zap.String("identity_id", owner.ID))
	s.emit(ctx, queue.EventRotated, owner.ID, "", clientIP, "", 0, now)
	return s.result(owner.ID, access, raw), nil
}

// diagnose logs why a presented hash was not active and runs reuse
// detection.  The client sees the same error in every case.
func (s *CredentialService) diagnose(ctx context.Context, lg *zap.Logger, tokenHash, clientIP string, now time.Time) {
	rec, err := s.tokens.FindByHash(ctx, tokenHash)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		lg.Warn("refresh rejected", zap.String("reason", "unknown"), zap.String("ip", logger.MaskIP(clientIP)))
		return
	case err != nil:
		lg.Error("refresh diagnosis failed", zap.Error(err))
		return
	}

	switch {
	case rec.Rotated():
		lg.Warn("refresh rejected", zap.String("reason", "rotated"), zap.String("identity_id", rec.OwnerID),
			zap.String("ip", logger.MaskIP(clientIP)))
		if !s.opts.ReuseDetection {
			return
		}
		n, err := s.tokens.RevokeChain(ctx, tokenHash, now)
		if err != nil {
			lg.Error("revoke rotation chain failed", zap.String("identity_id", rec.OwnerID), zap.Error(err))
		}
		s.metrics.ReuseDetected()
		lg.Warn("refresh token reuse detected", zap.String("identity_id", rec.OwnerID), zap.Int("revoked", n))
		s.emit(ctx, queue.EventReuseDetected, rec.OwnerID, "", clientIP, "rotated_token_replayed", n, now)
	case rec.IsRevoked:
		lg.Warn("refresh rejected", zap.String("reason", "revoked"), zap.String("identity_id", rec.OwnerID))
	default:
		lg.Info("refresh rejected", zap.String("reason", "expired"), zap.String("identity_id", rec.OwnerID))
	}
}

// RevokeRefreshToken revokes a refresh secret.  Revoking an already revoked
// secret succeeds; an unknown secret fails with ErrInvalidRefreshToken.
func (s *CredentialService) RevokeRefreshToken(ctx context.Context, rawSecret string) error {
	now := s.now().UTC()
	lg := logger.WithContext(ctx, s.log)

	rawSecret = strings.TrimSpace(rawSecret)
	if rawSecret == "" || len(rawSecret) > maxRefreshTokenLen {
		s.metrics.Observe("revoke", metrics.OutcomeFailure)
		return ErrInvalidRefreshToken
	}
	rec, err := s.tokens.RevokeByHash(ctx, s.hasher.Hash(rawSecret), now)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.Observe("revoke", metrics.OutcomeFailure)
		lg.Info("revoke rejected", zap.String("reason", "unknown"))
		return ErrInvalidRefreshToken
	}
	if err != nil {
		s.metrics.Observe("revoke", metrics.OutcomeError)
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	s.metrics.Observe("revoke", metrics.OutcomeSuccess)
	lg.Info("refresh token revoked", zap.String("identity_id", rec.OwnerID))
	s.emit(ctx, queue.EventRevoked, rec.OwnerID, "", "", "", 0, now)
	return nil
}

// RevokeAllRefreshTokens signs identityID out of every session by revoking
// all of its active refresh tokens.  It returns how many were revoked;
// access tokens already issued stay valid until they expire.
func (s *CredentialService) RevokeAllRefreshTokens(ctx context.Context, identityID string) (int, error) {
	now := s.now().UTC()
	lg := logger.WithContext(ctx, s.log)

	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		s.metrics.Observe("revoke_all", metrics.OutcomeFailure)
		return 0, ErrInvalidCredentials
	}
	n, err := s.tokens.RevokeAllForOwner(ctx, identityID, now)
	if err != nil {
		s.metrics.Observe("revoke_all", metrics.OutcomeError)
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}

	s.metrics.Observe("revoke_all", metrics.OutcomeSuccess)
	lg.Info("all refresh tokens revoked", zap.String("identity_id", identityID), zap.Int("revoked", n))
	s.emit(ctx, queue.EventRevokedAll, identityID, "", "", "", n, now)
	return n, nil
}

func (s *CredentialService) newRefreshSecret() (raw, hash string, err error) {
	raw, err = utils.NewSecret(s.opts.RefreshTokenBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return raw, s.hasher.Hash(raw), nil
}

func (s *CredentialService) result(identityID string, access utils.AccessToken, refresh string) AuthResult {
	return AuthResult{
		AccessToken:      access.Token,
		RefreshToken:     refresh,
		ExpiresInMinutes: int(s.issuer.TTL() / time.Minute),
		IdentityID:       identityID,
		AccessExpiresAt:  access.Exp,
	}
}

func (s *CredentialService) emit(ctx context.Context, typ, identityID, email, ip, reason string, revoked int, at time.Time) {
	ev := queue.NewAuthEvent(typ, at)
	ev.IdentityID = identityID
	ev.Email = logger.MaskEmail(email)
	ev.IP = logger.MaskIP(ip)
	ev.Reason = reason
	ev.Revoked = revoked
	if err := s.events.Publish(ctx, ev); err != nil {
		logger.WithContext(ctx, s.log).Debug("audit event dropped", zap.String("event", typ), zap.Error(err))
	}
}
