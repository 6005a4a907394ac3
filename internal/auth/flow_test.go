package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/models"
	"github.com/Sage-Bionetworks/synapse-mcp/internal/session"
)

type flowFixture struct {
	clock *fakeClock
	store *session.MemoryStore
	fs    *fakeSynapse
	flow  *Flow
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	clock := newFakeClock()
	store := testMemoryStore(t, clock)
	fs := newFakeSynapse(t)

	return &flowFixture{
		clock: clock,
		store: store,
		fs:    fs,
		flow: NewFlow(FlowConfig{
			Store:     store,
			Exchanger: NewUpstream(fs.upstreamConfig(), fs.Client(), clock.Now),
			Logger:    testLogger(),
			Now:       clock.Now,
		}),
	}
}

func TestFlow_StartLogin(t *testing.T) {
	fx := newFlowFixture(t)

	login, err := fx.flow.StartLogin(context.Background(), nil)
	require.NoError(t, err)

	assert.Len(t, login.SessionID, 2*sessionIDBytes)
	assert.Len(t, login.State, 2*stateBytes)
	assert.Equal(t, fx.clock.Now().Add(DefaultLoginTimeout), login.ExpiresAt)

	u, err := url.Parse(login.URL)
	require.NoError(t, err)
	assert.Equal(t, login.State, u.Query().Get("state"))

	other, err := fx.flow.StartLogin(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, login.SessionID, other.SessionID)
	assert.NotEqual(t, login.State, other.State)

	_, err = fx.store.Get(context.Background(), login.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound, "no session before the callback")
}

func TestFlow_HandleCallbackSuccess(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	cb, err := fx.flow.HandleCallback(ctx, "abc", login.State)
	require.NoError(t, err)

	assert.Equal(t, FlowAuthenticated, cb.State)
	assert.Nil(t, cb.Client)
	assert.Equal(t, login.SessionID, cb.Session.ID)
	assert.Equal(t, "3350396", cb.Session.Subject)

	stored, err := fx.store.Get(ctx, login.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.Tokens.AccessToken)
	assert.Equal(t, "refresh-1", stored.Tokens.RefreshToken)
	assert.Equal(t, fx.clock.Now().Add(time.Hour), stored.Tokens.ExpiresAt)
}

func TestFlow_CallbackCarriesClient(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	binding := &models.ClientBinding{
		ClientID:      "mcp-client",
		RedirectURI:   "http://127.0.0.1:5000/cb",
		State:         "client-state",
		CodeChallenge: pkceChallenge("verifier"),
	}

	login, err := fx.flow.StartLogin(ctx, binding)
	require.NoError(t, err)

	cb, err := fx.flow.HandleCallback(ctx, "abc", login.State)
	require.NoError(t, err)
	assert.Equal(t, binding, cb.Client)
}

func TestFlow_StateMismatchCreatesNothing(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "abc", "S2")
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)
	assert.Equal(t, "state_mismatch", apperrors.Kind(err))

	_, err = fx.store.Get(ctx, login.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// The genuine callback still completes.
	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	assert.NoError(t, err)
}

func TestFlow_EmptyState(t *testing.T) {
	fx := newFlowFixture(t)

	_, err := fx.flow.HandleCallback(context.Background(), "abc", "")
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)
}

func TestFlow_LateCallback(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	fx.clock.Advance(DefaultLoginTimeout + time.Second)

	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)

	fx.fs.mu.Lock()
	assert.Empty(t, fx.fs.usedCodes, "expired login never reaches the provider")
	fx.fs.mu.Unlock()
}

func TestFlow_ReplayedCallback(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)
}

func TestFlow_ExchangeFailure(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "bad-code", login.State)

	var exErr *apperrors.TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.ErrorIs(t, err, apperrors.ErrTokenExchange)

	_, err = fx.store.Get(ctx, login.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// The attempt is finished, so the state cannot be retried.
	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)
}

func TestFlow_MissingCode(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	login, err := fx.flow.StartLogin(ctx, nil)
	require.NoError(t, err)

	_, err = fx.flow.HandleCallback(ctx, "", login.State)
	assert.ErrorIs(t, err, apperrors.ErrTokenExchange)
}

func TestFlow_StorageFailureOnStart(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := session.NewMockStore(ctrl)
	exchanger := NewMockTokenExchanger(ctrl)

	store.EXPECT().
		PutPending(gomock.Any(), gomock.Any(), gomock.Any(), DefaultLoginTimeout).
		Return(apperrors.ErrStorageUnavailable)

	flow := NewFlow(FlowConfig{Store: store, Exchanger: exchanger, Logger: testLogger()})

	_, err := flow.StartLogin(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
}

func TestFlow_SessionTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := session.NewMockStore(ctrl)
	exchanger := NewMockTokenExchanger(ctrl)
	clock := newFakeClock()

	tokens := models.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     clock.Now(),
		ExpiresAt:    clock.Now().Add(time.Hour),
	}

	store.EXPECT().TakePending(gomock.Any(), "S1").
		Return(&models.PendingLogin{SessionID: "sid-1", CreatedAt: clock.Now()}, nil)
	exchanger.EXPECT().Exchange(gomock.Any(), "abc").Return(&Issued{Tokens: tokens}, nil)
	store.EXPECT().Put(gomock.Any(), gomock.Any(), time.Hour+DefaultGrace).Return(nil)

	flow := NewFlow(FlowConfig{Store: store, Exchanger: exchanger, Logger: testLogger(), Now: clock.Now})

	cb, err := flow.HandleCallback(context.Background(), "abc", "S1")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", cb.Session.ID)
}

func TestFlow_Abandon(t *testing.T) {
	fx := newFlowFixture(t)
	ctx := context.Background()

	binding := &models.ClientBinding{ClientID: "mcp-client", RedirectURI: "http://127.0.0.1:5000/cb"}

	login, err := fx.flow.StartLogin(ctx, binding)
	require.NoError(t, err)

	client, err := fx.flow.Abandon(ctx, login.State)
	require.NoError(t, err)
	assert.Equal(t, binding, client)

	_, err = fx.flow.HandleCallback(ctx, "abc", login.State)
	assert.ErrorIs(t, err, apperrors.ErrStateMismatch)
}

func TestLoginAttempt_Transitions(t *testing.T) {
	a := &loginAttempt{}

	assert.ErrorIs(t, a.callback(), errIllegalTransition, "callback before start")
	assert.ErrorIs(t, a.succeed(), errIllegalTransition, "success before exchange")

	require.NoError(t, a.start())
	assert.ErrorIs(t, a.start(), errIllegalTransition, "started twice")

	require.NoError(t, a.callback())
	require.NoError(t, a.succeed())
	assert.Equal(t, FlowAuthenticated, a.state)

	a.fail()
	assert.Equal(t, FlowAuthenticated, a.state, "finished attempts stay finished")

	failed := &loginAttempt{state: FlowAwaitingCallback}
	failed.fail()
	assert.Equal(t, FlowFailed, failed.state)
	assert.ErrorIs(t, failed.callback(), errIllegalTransition)
}

func TestFlowState_String(t *testing.T) {
	assert.Equal(t, "idle", FlowIdle.String())
	assert.Equal(t, "awaiting_callback", FlowAwaitingCallback.String())
	assert.Equal(t, "exchanging", FlowExchanging.String())
	assert.Equal(t, "authenticated", FlowAuthenticated.String())
	assert.Equal(t, "failed", FlowFailed.String())
	assert.Equal(t, "FlowState(9)", FlowState(9).String())
}

func TestRedactID(t *testing.T) {
	assert.Equal(t, "***", redactID("short"))
	assert.Equal(t, "abcdefgh...", redactID("abcdefghijkl"))
}
