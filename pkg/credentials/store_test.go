package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key, err := DeriveKey("test-deployment-secret")
	require.NoError(t, err)
	s, err := NewStore(db, key)
	require.NoError(t, err)
	return s
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey("secret-a")
	require.NoError(t, err)
	require.Len(t, k1, 32)

	k2, err := DeriveKey("secret-a")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation must be deterministic")

	k3, err := DeriveKey("secret-b")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey("")
	assert.Error(t, err)
}

func TestSaveAndGetEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	exp := time.Now().Add(time.Hour).UTC()
	require.NoError(t, s.Save(ctx, &Token{
		UserID:       "u1",
		GoogleEmail:  "u1@example.com",
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		Scope:        "calendar",
		ExpiresAt:    &exp,
	}))

	// Raw row must not contain plaintext.
	var rawAccess, rawRefresh string
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM google_oauth_tokens WHERE user_id = 'u1'`,
	).Scan(&rawAccess, &rawRefresh)
	require.NoError(t, err)
	assert.NotContains(t, rawAccess, "plain-access")
	assert.NotContains(t, rawRefresh, "plain-refresh")

	tok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "plain-access", tok.AccessToken)
	assert.Equal(t, "plain-refresh", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	require.NotNil(t, tok.ExpiresAt)
}

func TestSavePreservesRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Save(ctx, &Token{
		UserID:       "u1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	}))
	// Second save omits the refresh token, as Google's refresh response does.
	require.NoError(t, s.Save(ctx, &Token{
		UserID:      "u1",
		AccessToken: "access-2",
	}))

	tok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
}

func TestResolveFallbackChain(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Save(ctx, &Token{UserID: "u1", GoogleEmail: "u1@example.com", AccessToken: "a1"}))
	require.NoError(t, s.Save(ctx, &Token{UserID: DefaultOwner, AccessToken: "shared"}))

	tok, err := s.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)

	tok, err = s.Resolve(ctx, "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)

	tok, err = s.Resolve(ctx, "unknown-user")
	require.NoError(t, err)
	assert.Equal(t, "shared", tok.AccessToken)
}

func TestResolveNoCredential(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Resolve(ctx, "nobody")
	require.Error(t, err)
	var credErr *contracts.CredentialError
	assert.ErrorAs(t, err, &credErr)
}

type fakeRefresher struct {
	resp  *TokenResponse
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (*TokenResponse, error) {
	f.calls++
	return f.resp, f.err
}

func TestManagerRefreshesStaleToken(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	soon := now.Add(30 * time.Second) // inside the 60s skew
	require.NoError(t, s.Save(ctx, &Token{
		UserID:       "u1",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    &soon,
	}))

	fr := &fakeRefresher{resp: &TokenResponse{AccessToken: "fresh", ExpiresIn: 3600}}
	m := NewManager(s, fr, nil).WithClock(func() time.Time { return now })

	got, err := m.AccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, 1, fr.calls)

	// Stored refresh token survives a refresh response that omitted one.
	tok, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
}

func TestManagerSkipsFreshToken(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	require.NoError(t, s.Save(ctx, &Token{UserID: "u1", AccessToken: "fresh", ExpiresAt: &later}))

	fr := &fakeRefresher{}
	m := NewManager(s, fr, nil).WithClock(func() time.Time { return now })

	got, err := m.AccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Zero(t, fr.calls)
}
