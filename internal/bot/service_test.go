package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ltv-alert/internal/access"
	"ltv-alert/internal/core"
	"ltv-alert/internal/dedup"
	"ltv-alert/internal/ltv"
	"ltv-alert/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(c string) string { return "terra1" + strings.Repeat(c, 38) }

var (
	root = Caller{ID: "100", Label: "@Root"}
	bob  = Caller{ID: "200", Label: "bob"}
	eve  = Caller{ID: "300", Label: "eve"}
)

type fakeSource struct {
	mu     sync.Mutex
	values map[string]float64
	errs   map[string]error
}

func (s *fakeSource) CurrentLTV(_ context.Context, account string) (core.LTVReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[account]; err != nil {
		return core.LTVReading{}, err
	}
	v, ok := s.values[account]
	if !ok {
		return ltv.NoPosition(), nil
	}
	return core.LTVReading{HasPosition: true, Percent: v}, nil
}

type env struct {
	store  *store.MemoryStore
	cache  *dedup.MemoryCache
	source *fakeSource
	svc    *Service
}

func newEnv(t *testing.T, window time.Duration) *env {
	t.Helper()
	validator := core.AddressValidatorFunc(core.ValidateTerraAddress)
	st := store.NewMemoryStore(validator)
	ac := access.NewController(st, []string{"root"})
	require.NoError(t, ac.Reload(context.Background()))

	e := &env{
		store:  st,
		cache:  dedup.NewMemoryCache(),
		source: &fakeSource{values: map[string]float64{}, errs: map[string]error{}},
	}
	e.svc = NewService(st, e.source, e.cache, ac, access.NewRateLimiter(window), validator, Config{
		Protocol:         core.ProtocolAnchor,
		DefaultThreshold: 45,
	})
	return e
}

func ptr(v float64) *float64 { return &v }

func TestService_UnauthorizedForProtectedActions(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("q")

	reply, err := e.svc.Subscribe(ctx, eve, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, err = e.svc.Unsubscribe(ctx, eve, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, err = e.svc.AddOperator(ctx, eve, "mallory")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, _, err = e.svc.RemoveOperator(ctx, eve, "root")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, _, err = e.svc.DeleteAddress(ctx, eve, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, err = e.svc.Subscribe(ctx, Caller{ID: "1"}, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome, "no label is never authorized")

	_, err = e.store.GetAddress(ctx, a)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestService_ReadOnlyActionsNeedNoAuthorization(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("q")
	e.source.values[a] = 30

	reply, entries, err := e.svc.List(ctx, eve)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, reply.Outcome)
	assert.Empty(t, entries)

	reply, reading, err := e.svc.QueryLTV(ctx, eve, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, reply.Outcome)
	assert.Equal(t, 30.0, reading.Percent)

	reply, labels := e.svc.ListOperators(ctx, Caller{ID: "1"})
	assert.Equal(t, OutcomeOK, reply.Outcome)
	assert.Equal(t, []string{"root"}, labels)
}

func TestService_AuthorizationLifecycle(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	reply, err := e.svc.AddOperator(ctx, bob, "carol")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, err = e.svc.AddOperator(ctx, root, "@Bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdded, reply.Outcome)

	reply, labels := e.svc.ListOperators(ctx, bob)
	assert.Equal(t, OutcomeOK, reply.Outcome)
	assert.Equal(t, []string{"bob", "root"}, labels)

	reply, err = e.svc.AddOperator(ctx, bob, "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyExists, reply.Outcome)

	reply, _, err = e.svc.RemoveOperator(ctx, bob, "root")
	require.NoError(t, err)
	assert.Equal(t, OutcomeForbidden, reply.Outcome)

	reply, _, err = e.svc.RemoveOperator(ctx, root, "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, reply.Outcome)

	reply, err = e.svc.AddOperator(ctx, bob, "carol")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthorized, reply.Outcome)

	reply, _, err = e.svc.RemoveOperator(ctx, root, "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, reply.Outcome)
}

func TestService_SubscribeOutcomes(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("w")

	reply, err := e.svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubscribed, reply.Outcome)

	reply, err = e.svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, reply.Outcome)

	reply, err = e.svc.Subscribe(ctx, root, a, ptr(60))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, reply.Outcome)

	views, err := e.store.ListSubscriptionsFor(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 60.0, *views[0].AlertThreshold)
	assert.Equal(t, "root", views[0].SubscriberLabel)
}

func TestService_SubscribeRejections(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	reply, err := e.svc.Subscribe(ctx, root, "terra1short", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, reply.Outcome)
	assert.ErrorIs(t, reply.Reason, core.ErrInvalidAddress)

	a := addr("e")
	reply, err = e.svc.Subscribe(ctx, root, a, ptr(100.1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, reply.Outcome)
	assert.ErrorIs(t, reply.Reason, core.ErrInvalidThreshold)

	_, err = e.store.GetAddress(ctx, a)
	assert.ErrorIs(t, err, core.ErrNotFound, "rejected subscribe leaves no address behind")
}

func TestService_ThresholdChangeInvalidatesOldKey(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("r")

	_, err := e.svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	views, err := e.store.ListSubscriptionsFor(ctx, root.ID)
	require.NoError(t, err)
	oldKey := dedup.KeyFor(views[0].Subscription, 45)
	require.NoError(t, e.cache.SetState(ctx, oldKey, core.BreachState{Breaching: true, LastLTV: 50}, time.Hour))

	// explicit 45 equals the default: same key, state kept
	reply, err := e.svc.Subscribe(ctx, root, a, ptr(45))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, reply.Outcome)
	_, found, err := e.cache.GetLastState(ctx, oldKey)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = e.svc.Subscribe(ctx, root, a, ptr(50))
	require.NoError(t, err)
	_, found, err = e.cache.GetLastState(ctx, oldKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_Unsubscribe(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("t")

	reply, err := e.svc.Unsubscribe(ctx, root, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, reply.Outcome)

	_, err = e.svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	views, err := e.store.ListSubscriptionsFor(ctx, root.ID)
	require.NoError(t, err)
	key := dedup.KeyFor(views[0].Subscription, 45)
	require.NoError(t, e.cache.SetState(ctx, key, core.BreachState{Breaching: true}, time.Hour))

	reply, err = e.svc.Unsubscribe(ctx, root, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, reply.Outcome)

	_, found, err := e.cache.GetLastState(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
	_, err = e.store.GetAddress(ctx, a)
	assert.ErrorIs(t, err, core.ErrNotFound)

	reply, err = e.svc.Unsubscribe(ctx, root, "nope")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, reply.Outcome)
}

func TestService_RateLimited(t *testing.T) {
	e := newEnv(t, time.Hour)
	ctx := context.Background()

	reply, err := e.svc.Subscribe(ctx, root, addr("y"), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubscribed, reply.Outcome)

	reply, err = e.svc.Subscribe(ctx, root, addr("u"), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, reply.Outcome)

	// other actions have their own budget
	reply, _, err = e.svc.List(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, reply.Outcome)
}

func TestService_OperatorRemovalCascade(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a, b := addr("p"), addr("s")

	_, err := e.svc.AddOperator(ctx, root, "bob")
	require.NoError(t, err)
	_, err = e.svc.Subscribe(ctx, bob, a, nil)
	require.NoError(t, err)
	_, err = e.svc.Subscribe(ctx, bob, b, ptr(70))
	require.NoError(t, err)
	_, err = e.svc.Subscribe(ctx, root, b, nil)
	require.NoError(t, err)

	bobSubs, err := e.store.ListSubscriptionsFor(ctx, bob.ID)
	require.NoError(t, err)
	for _, v := range bobSubs {
		require.NoError(t, e.cache.SetState(ctx, dedup.KeyFor(v.Subscription, 45), core.BreachState{Breaching: true}, time.Hour))
	}

	reply, cascaded, err := e.svc.RemoveOperator(ctx, root, "bob")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, reply.Outcome)
	assert.Len(t, cascaded, 2)

	_, err = e.store.GetAddress(ctx, a)
	assert.ErrorIs(t, err, core.ErrNotFound, "orphaned address deleted")
	_, err = e.store.GetAddress(ctx, b)
	assert.NoError(t, err, "address still referenced by root survives")

	left, err := e.store.ListAllActiveSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, root.ID, left[0].SubscriberID)

	for _, v := range bobSubs {
		_, found, err := e.cache.GetLastState(ctx, dedup.KeyFor(v.Subscription, 45))
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestService_List(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a, b, c := addr("a"), addr("c"), addr("d")
	e.source.values[a] = 30
	e.source.errs[b] = ltv.Unavailable(errors.New("lcd down"))

	for _, x := range []string{a, b, c} {
		_, err := e.svc.Subscribe(ctx, root, x, nil)
		require.NoError(t, err)
	}
	_, err := e.svc.Subscribe(ctx, root, c, ptr(80))
	require.NoError(t, err)

	reply, entries, err := e.svc.List(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, reply.Outcome)
	require.Len(t, entries, 3)

	byAddr := map[string]ListEntry{}
	for _, en := range entries {
		byAddr[en.AccountAddress] = en
	}
	assert.InDelta(t, 30.0, byAddr[a].Reading.Percent, 1e-9)
	assert.Equal(t, 45.0, byAddr[a].Threshold)
	assert.False(t, byAddr[a].OwnThreshold)
	assert.ErrorIs(t, byAddr[b].Err, ltv.ErrSourceUnavailable)
	assert.False(t, byAddr[c].Reading.HasPosition)
	assert.Equal(t, 80.0, byAddr[c].Threshold)
	assert.True(t, byAddr[c].OwnThreshold)
}

func TestService_QueryLTV(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("f")
	e.source.values[a] = 61.5

	reply, reading, err := e.svc.QueryLTV(ctx, root, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, reply.Outcome)
	assert.Equal(t, 61.5, reading.Percent)

	reply, _, err = e.svc.QueryLTV(ctx, root, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, reply.Outcome)

	e.source.errs[a] = ltv.Unavailable(errors.New("timeout"))
	_, _, err = e.svc.QueryLTV(ctx, root, a)
	assert.ErrorIs(t, err, ltv.ErrSourceUnavailable)
}

func TestService_DeleteAddress(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	a := addr("g")

	_, err := e.svc.AddOperator(ctx, root, "bob")
	require.NoError(t, err)
	_, err = e.svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	_, err = e.svc.Subscribe(ctx, bob, a, nil)
	require.NoError(t, err)

	reply, n, err := e.svc.DeleteAddress(ctx, bob, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, reply.Outcome)
	assert.Equal(t, 2, n)

	all, err := e.store.ListAllActiveSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	reply, _, err = e.svc.DeleteAddress(ctx, bob, a)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, reply.Outcome)
}

// orphanRaceStore deletes the resolved address right before the first subscription write
type orphanRaceStore struct {
	*store.MemoryStore
	raced bool
}

func (s *orphanRaceStore) UpsertSubscription(ctx context.Context, sub core.Subscription) (store.UpsertOutcome, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.MemoryStore.DeleteAddress(ctx, sub.WatchedAddressID); err != nil {
			return store.UpsertOutcome{}, err
		}
	}
	return s.MemoryStore.UpsertSubscription(ctx, sub)
}

func TestService_SubscribeRetriesWhenAddressVanishes(t *testing.T) {
	ctx := context.Background()
	validator := core.AddressValidatorFunc(core.ValidateTerraAddress)
	st := &orphanRaceStore{MemoryStore: store.NewMemoryStore(validator)}
	ac := access.NewController(st, []string{"root"})
	require.NoError(t, ac.Reload(ctx))
	svc := NewService(st, &fakeSource{values: map[string]float64{}}, dedup.NewMemoryCache(), ac, access.NewRateLimiter(0), validator, Config{
		Protocol:         core.ProtocolAnchor,
		DefaultThreshold: 45,
	})

	a := addr("e")
	reply, err := svc.Subscribe(ctx, root, a, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubscribed, reply.Outcome)
	assert.True(t, st.raced)

	watched, err := st.GetAddress(ctx, a)
	require.NoError(t, err)
	views, err := st.ListSubscriptionsFor(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, watched.ID, views[0].WatchedAddressID)
}
