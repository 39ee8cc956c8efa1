package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/credential-service/internal/config"
	"github.com/iliyamo/credential-service/internal/database"
	"github.com/iliyamo/credential-service/internal/metrics"
	"github.com/iliyamo/credential-service/internal/model"
	"github.com/iliyamo/credential-service/internal/queue"
	"github.com/iliyamo/credential-service/internal/repository"
	"github.com/iliyamo/credential-service/internal/utils"
	"github.com/iliyamo/credential-service/internal/validation"
)

const strongPassword = "Str0ng!Pass"

type recorder struct {
	mu     sync.Mutex
	events []queue.AuthEvent
}

func (r *recorder) Publish(_ context.Context, ev queue.AuthEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	svc     *CredentialService
	db      *sql.DB
	ids     *repository.IdentityRepo
	tokens  *repository.TokenRepo
	hasher  *utils.TokenHasher
	issuer  *utils.AccessTokenIssuer
	events  *recorder
	metrics *metrics.Metrics
	now     time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	db, d, err := database.Open(config.Config{DBDriver: "sqlite", DBDSN: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	issuer, err := utils.NewAccessTokenIssuer(utils.IssuerConfig{
		Secret:   []byte(strings.Repeat("s", 32)),
		Issuer:   "credential-service",
		Audience: "clients",
		TTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		db:      db,
		ids:     repository.NewIdentityRepo(db, d),
		tokens:  repository.NewTokenRepo(db, d),
		hasher:  utils.NewTokenHasher(""),
		issuer:  issuer,
		events:  &recorder{},
		metrics: m,
		now:     time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	deps := Deps{
		DB:          db,
		Identities:  h.ids,
		Tokens:      h.tokens,
		Passwords:   utils.NewPasswordHasher(utils.Argon2Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}),
		TokenHasher: h.hasher,
		Issuer:      issuer,
		Policy:      validation.NewPasswordPolicy(0),
		Publisher:   h.events,
		Metrics:     m,
		Now:         func() time.Time { return h.now },
	}
	opts := Options{
		RefreshTTL:         30 * 24 * time.Hour,
		RefreshTokenBytes:  64,
		ReuseDetection:     true,
		LockoutMaxAttempts: 5,
		LockoutDuration:    5 * time.Minute,
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.svc = NewCredentialService(deps, opts)
	return h
}

func registerInput(email string) RegisterInput {
	return RegisterInput{
		Name:     "Jane",
		Email:    email,
		Password: strongPassword,
		Photo:    "https://cdn.example.com/jane.png",
		Gender:   model.GenderFemale,
		Dob:      time.Date(1990, 5, 5, 0, 0, 0, 0, time.UTC),
	}
}

func (h *harness) register(t *testing.T, email string) AuthResult {
	t.Helper()
	res, err := h.svc.Register(context.Background(), registerInput(email), "10.0.0.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res
}

func (h *harness) countTokens(t *testing.T) int {
	t.Helper()
	var n int
	if err := h.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM refresh_tokens`).Scan(&n); err != nil {
		t.Fatalf("count refresh tokens: %v", err)
	}
	return n
}

func TestRegister_IssuesPair(t *testing.T) {
	h := newHarness(t, nil)
	res := h.register(t, " Jane@Example.com ")

	if len(res.RefreshToken) != 128 {
		t.Fatalf("refresh secret length %d", len(res.RefreshToken))
	}
	if res.ExpiresInMinutes != 15 || !res.AccessExpiresAt.Equal(h.now.Add(15*time.Minute)) {
		t.Fatalf("unexpected expiry: %d %v", res.ExpiresInMinutes, res.AccessExpiresAt)
	}
	claims, err := h.issuer.Parse(res.AccessToken, h.now)
	if err != nil {
		t.Fatalf("access token invalid: %v", err)
	}
	if claims.Subject != res.IdentityID || claims.Email != "jane@example.com" {
		t.Fatalf("claims: %+v", claims)
	}

	// only the digest is stored
	if _, err := h.tokens.FindByHash(context.Background(), res.RefreshToken); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("raw secret must not be stored: %v", err)
	}
	rec, err := h.tokens.FindByHash(context.Background(), h.hasher.Hash(res.RefreshToken))
	if err != nil || rec.OwnerID != res.IdentityID || rec.CreatedByIP != "10.0.0.1" {
		t.Fatalf("stored record: %+v %v", rec, err)
	}
	ident, _ := h.ids.GetByID(context.Background(), res.IdentityID)
	if !strings.HasPrefix(ident.PasswordHash, "$argon2id$") {
		t.Fatalf("password stored as %q", ident.PasswordHash)
	}
}

func TestRegister_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "dup@example.com")

	before := h.countTokens(t)
	if _, err := h.svc.Register(context.Background(), registerInput("DUP@example.com"), ""); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	if after := h.countTokens(t); after != before {
		t.Fatalf("duplicate registration stored a refresh token: %d -> %d", before, after)
	}

	weak := registerInput("weak@example.com")
	weak.Password = "alllowercase1!"
	_, err := h.svc.Register(context.Background(), weak, "")
	if !errors.Is(err, ErrWeakCredential) {
		t.Fatalf("expected ErrWeakCredential, got %v", err)
	}
	if msg := PublicMessage(err); msg != "Password must contain uppercase" {
		t.Fatalf("public message %q", msg)
	}
	if _, err := h.ids.GetByEmail(context.Background(), "weak@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("weak registration must not create an identity")
	}
}

type failingTokens struct{ RefreshTokenStore }

func (failingTokens) CreateTx(context.Context, *sql.Tx, string, string, time.Duration, string, time.Time) (model.RefreshToken, error) {
	return model.RefreshToken{}, errors.New("disk full")
}

func TestRegister_RollsBackOnTokenFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) { d.Tokens = failingTokens{d.Tokens} })

	_, err := h.svc.Register(context.Background(), registerInput("rollback@example.com"), "")
	if err == nil || IsBusinessError(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if _, err := h.ids.GetByEmail(context.Background(), "rollback@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("identity should have been rolled back, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "login@example.com")
	ctx := context.Background()

	res, err := h.svc.Login(ctx, "LOGIN@example.com", strongPassword, "10.0.0.2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.IdentityID != reg.IdentityID || res.RefreshToken == reg.RefreshToken {
		t.Fatalf("unexpected login result: %+v", res)
	}
	again, err := h.svc.Login(ctx, "login@example.com", strongPassword, "10.0.0.2")
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if again.IdentityID != res.IdentityID {
		t.Fatalf("identity changed between logins: %s vs %s", again.IdentityID, res.IdentityID)
	}
	if again.AccessToken == res.AccessToken || again.RefreshToken == res.RefreshToken {
		t.Fatal("repeated login must issue fresh tokens")
	}
	// earlier sessions stay valid
	if _, err := h.tokens.FindActive(ctx, h.hasher.Hash(reg.RefreshToken), h.now); err != nil {
		t.Fatalf("registration token should remain active: %v", err)
	}

	if _, err := h.svc.Login(ctx, "login@example.com", "Wrong!Pass1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := h.svc.Login(ctx, "nobody@example.com", strongPassword, ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v", err)
	}
}

func TestLogin_Lockout(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "lock@example.com")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := h.svc.Login(ctx, "lock@example.com", "Wrong!Pass1", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := h.svc.Login(ctx, "lock@example.com", "Wrong!Pass1", ""); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("fifth attempt should lock: %v", err)
	}
	if _, err := h.svc.Login(ctx, "lock@example.com", strongPassword, ""); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("correct password while locked: %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.Lockouts); got != 1 {
		t.Fatalf("lockout counter %v", got)
	}

	h.advance(5*time.Minute + time.Second)
	if _, err := h.svc.Login(ctx, "lock@example.com", strongPassword, ""); err != nil {
		t.Fatalf("login after lockout window: %v", err)
	}
	ident, _ := h.ids.GetByEmail(ctx, "lock@example.com")
	if ident.FailedLoginCount != 0 || ident.LockoutEnd != nil {
		t.Fatalf("lockout state not cleared: %+v", ident)
	}
}

func TestLogin_UpgradesLegacyHash(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	legacy, _ := bcrypt.GenerateFromPassword([]byte(strongPassword), bcrypt.MinCost)
	err := database.WithinTx(ctx, h.db, func(tx *sql.Tx) error {
		_, err := h.ids.CreateTx(ctx, tx, model.Identity{
			Email: "legacy@example.com", PasswordHash: string(legacy), Name: "Old",
			Gender: model.GenderMale, Dob: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.Login(ctx, "legacy@example.com", strongPassword, ""); err != nil {
		t.Fatalf("legacy login: %v", err)
	}
	ident, _ := h.ids.GetByEmail(ctx, "legacy@example.com")
	if !strings.HasPrefix(ident.PasswordHash, "$argon2id$") {
		t.Fatalf("hash not upgraded: %q", ident.PasswordHash)
	}
}

func TestRefreshToken_Rotates(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "rot@example.com")
	ctx := context.Background()

	next, err := h.svc.RefreshToken(ctx, "  "+reg.RefreshToken+"\n", "10.0.0.3")
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if next.RefreshToken == reg.RefreshToken || next.IdentityID != reg.IdentityID {
		t.Fatalf("unexpected rotation result: %+v", next)
	}
	old, _ := h.tokens.FindByHash(ctx, h.hasher.Hash(reg.RefreshToken))
	if !old.IsRevoked || old.ReplacedByHash == nil || *old.ReplacedByHash != h.hasher.Hash(next.RefreshToken) {
		t.Fatalf("old record not linked to successor: %+v", old)
	}

	if _, err := h.svc.RefreshToken(ctx, next.RefreshToken, ""); err != nil {
		t.Fatalf("successor should be usable: %v", err)
	}
}

func TestRefreshToken_ReuseRevokesChain(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "reuse@example.com")
	ctx := context.Background()

	second, err := h.svc.RefreshToken(ctx, reg.RefreshToken, "")
	if err != nil {
		t.Fatal(err)
	}
	third, err := h.svc.RefreshToken(ctx, second.RefreshToken, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.RefreshToken(ctx, reg.RefreshToken, "10.9.8.7"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("replayed token: %v", err)
	}
	if _, err := h.svc.RefreshToken(ctx, third.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("descendant should be revoked after reuse, got %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.ReuseEvents); got != 1 {
		t.Fatalf("reuse counter %v", got)
	}
	found := false
	for _, typ := range h.events.types() {
		if typ == queue.EventReuseDetected {
			found = true
		}
	}
	if !found {
		t.Fatalf("reuse event not published: %v", h.events.types())
	}
}

func TestRefreshToken_ReuseDetectionDisabled(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.ReuseDetection = false })
	reg := h.register(t, "noreuse@example.com")
	ctx := context.Background()

	next, err := h.svc.RefreshToken(ctx, reg.RefreshToken, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.RefreshToken(ctx, reg.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("replayed token: %v", err)
	}
	if _, err := h.svc.RefreshToken(ctx, next.RefreshToken, ""); err != nil {
		t.Fatalf("successor should survive without reuse detection: %v", err)
	}
}

func TestRefreshToken_InvalidInputs(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "inv@example.com")
	ctx := context.Background()

	for name, raw := range map[string]string{
		"empty":      "   ",
		"oversized":  strings.Repeat("a", 4097),
		"unknown":    strings.Repeat("f", 128),
		"wrong case": strings.ToUpper(reg.RefreshToken),
	} {
		if _, err := h.svc.RefreshToken(ctx, raw, ""); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("%s: expected ErrInvalidRefreshToken, got %v", name, err)
		}
	}

	h.advance(30*24*time.Hour + time.Second)
	if _, err := h.svc.RefreshToken(ctx, reg.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expired token: %v", err)
	}
}

func TestRefreshToken_OwnerMissing(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "gone@example.com")
	ctx := context.Background()
	if _, err := h.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, reg.IdentityID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.RefreshToken(ctx, reg.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRefreshToken_ConcurrentExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "race@example.com")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RefreshToken(context.Background(), reg.RefreshToken, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrInvalidRefreshToken):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || rejected != workers-1 {
		t.Fatalf("expected exactly one success, got wins=%d rejected=%d", wins, rejected)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register(t, "rev@example.com")
	ctx := context.Background()

	if err := h.svc.RevokeRefreshToken(ctx, reg.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := h.svc.RevokeRefreshToken(ctx, reg.RefreshToken); err != nil {
		t.Fatalf("second revoke should succeed: %v", err)
	}
	if _, err := h.svc.RefreshToken(ctx, reg.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("revoked token refreshed: %v", err)
	}
	if err := h.svc.RevokeRefreshToken(ctx, strings.Repeat("0", 128)); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("unknown token: %v", err)
	}
	if err := h.svc.RevokeRefreshToken(ctx, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestRevokeAllRefreshTokens(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reg := h.register(t, "all@example.com")
	other := h.register(t, "other@example.com")
	first, err := h.svc.Login(ctx, "all@example.com", strongPassword, "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := h.svc.Login(ctx, "all@example.com", strongPassword, ""); err != nil {
		t.Fatalf("Login: %v", err)
	}

	n, err := h.svc.RevokeAllRefreshTokens(ctx, reg.IdentityID)
	if err != nil || n != 3 {
		t.Fatalf("revoked=%d err=%v", n, err)
	}
	for _, raw := range []string{reg.RefreshToken, first.RefreshToken} {
		if _, err := h.svc.RefreshToken(ctx, raw, ""); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("revoked session still refreshes: %v", err)
		}
	}
	if _, err := h.svc.RefreshToken(ctx, other.RefreshToken, ""); err != nil {
		t.Fatalf("other identity must be untouched: %v", err)
	}

	if n, err := h.svc.RevokeAllRefreshTokens(ctx, reg.IdentityID); err != nil || n != 0 {
		t.Fatalf("second call: revoked=%d err=%v", n, err)
	}
	if _, err := h.svc.RevokeAllRefreshTokens(ctx, " "); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty identity: %v", err)
	}

	found := false
	for _, typ := range h.events.types() {
		if typ == queue.EventRevokedAll {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %s event in %v", queue.EventRevokedAll, h.events.types())
	}
}

func TestIsBusinessError(t *testing.T) {
	for _, err := range []error{ErrDuplicateIdentity, ErrInvalidCredentials, ErrLockedOut, ErrInvalidRefreshToken} {
		if !IsBusinessError(err) {
			t.Fatalf("%v should be a business error", err)
		}
	}
	if IsBusinessError(errors.New("db down")) || IsBusinessError(ErrIdentityNotFound) {
		t.Fatal("internal errors misclassified")
	}
	if PublicMessage(errors.New("db down")) != "An unexpected error occurred" {
		t.Fatal("internal error leaked")
	}
}
