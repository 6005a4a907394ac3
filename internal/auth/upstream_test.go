package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestUpstream_AuthCodeURL(t *testing.T) {
	fs := newFakeSynapse(t)
	u := NewUpstream(fs.upstreamConfig(), nil, nil)

	raw := u.AuthCodeURL("S1")

	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, fs.URL+"/authorize", parsed.Scheme+"://"+parsed.Host+parsed.Path)
	assert.Equal(t, "synapse-client", q.Get("client_id"))
	assert.Equal(t, testServerURL+"/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S1", q.Get("state"))
	assert.Equal(t, "openid view", q.Get("scope"))
}

func TestUpstream_Exchange(t *testing.T) {
	fs := newFakeSynapse(t)
	clock := newFakeClock()
	u := NewUpstream(fs.upstreamConfig(), fs.Client(), clock.Now)

	issued, err := u.Exchange(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, "access-1", issued.Tokens.AccessToken)
	assert.Equal(t, "refresh-1", issued.Tokens.RefreshToken)
	assert.Equal(t, "Bearer", issued.Tokens.TokenType)
	assert.Equal(t, clock.Now(), issued.Tokens.IssuedAt)
	assert.Equal(t, clock.Now().Add(3600*time.Second), issued.Tokens.ExpiresAt)
	assert.Equal(t, "3350396", issued.Subject)

	fs.mu.Lock()
	assert.Equal(t, testServerURL+"/oauth/callback", fs.lastForm["redirect_uri"][0])
	fs.mu.Unlock()
}

func TestUpstream_ExchangeInvalidCode(t *testing.T) {
	fs := newFakeSynapse(t)
	u := NewUpstream(fs.upstreamConfig(), fs.Client(), nil)

	_, err := u.Exchange(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestUpstream_Refresh(t *testing.T) {
	fs := newFakeSynapse(t)
	clock := newFakeClock()
	u := NewUpstream(fs.upstreamConfig(), fs.Client(), clock.Now)

	ts, err := u.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)

	assert.Equal(t, "access-2", ts.AccessToken)
	assert.Equal(t, "refresh-2", ts.RefreshToken)
	assert.Equal(t, clock.Now().Add(time.Hour), ts.ExpiresAt)
	assert.Equal(t, 1, fs.refreshCount())
}

func TestUpstream_RefreshRevoked(t *testing.T) {
	fs := newFakeSynapse(t)
	u := NewUpstream(fs.upstreamConfig(), fs.Client(), nil)

	_, err := u.Refresh(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestUpstream_RefreshServerError(t *testing.T) {
	fs := newFakeSynapse(t)
	u := NewUpstream(fs.upstreamConfig(), fs.Client(), nil)

	_, err := u.Refresh(context.Background(), "unavailable")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
}

func TestUpstream_RefreshUnreachable(t *testing.T) {
	fs := newFakeSynapse(t)
	cfg := fs.upstreamConfig()
	fs.Close()

	u := NewUpstream(cfg, nil, nil)

	_, err := u.Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenSet_KeepsProviderExpiry(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := issued.Add(42 * time.Minute)

	ts := tokenSet(&oauth2.Token{AccessToken: "a", Expiry: expiry}, issued)
	assert.Equal(t, expiry, ts.ExpiresAt)

	ts = tokenSet(&oauth2.Token{AccessToken: "a"}, issued)
	assert.True(t, ts.ExpiresAt.IsZero(), "no stated lifetime, no invented expiry")
}

func TestClassify(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	assert.Equal(t, plain, classify(plain))

	rejected := &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	assert.ErrorIs(t, classify(rejected), ErrInvalidGrant)

	other := &oauth2.RetrieveError{ErrorCode: "temporarily_unavailable"}
	assert.NotErrorIs(t, classify(other), ErrInvalidGrant)
}

func TestSubjectFromIDToken(t *testing.T) {
	assert.Equal(t, "42", subjectFromIDToken(idToken("42")))
	assert.Empty(t, subjectFromIDToken("not-a-jwt"))
}
