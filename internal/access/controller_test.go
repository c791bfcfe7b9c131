package access

import (
	"context"
	"errors"
	"testing"

	"ltv-alert/internal/core"
	"ltv-alert/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, roots ...string) (*Controller, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(core.AddressValidatorFunc(core.ValidateTerraAddress))
	c := NewController(s, roots)
	require.NoError(t, c.Reload(context.Background()))
	return c, s
}

func TestController_AuthorizationLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, "@Root")

	assert.True(t, c.IsAuthorized("root"))
	assert.True(t, c.IsAuthorized("@ROOT"))
	assert.False(t, c.IsAuthorized(""))
	assert.False(t, c.IsAuthorized("mallory"))

	res, err := c.AddOperator(ctx, "mallory", "mallory")
	require.NoError(t, err)
	assert.Equal(t, OperatorUnauthorized, res)
	assert.False(t, c.IsAuthorized("mallory"))

	res, err = c.AddOperator(ctx, "root", "@Dave")
	require.NoError(t, err)
	assert.Equal(t, OperatorAdded, res)
	assert.True(t, c.IsAuthorized("dave"))

	res, err = c.AddOperator(ctx, "dave", "dave")
	require.NoError(t, err)
	assert.Equal(t, OperatorAlreadyExists, res)

	res, _, err = c.RemoveOperator(ctx, "dave", "dave")
	require.NoError(t, err)
	assert.Equal(t, OperatorRemoved, res)
	assert.False(t, c.IsAuthorized("dave"))

	res, _, err = c.RemoveOperator(ctx, "root", "dave")
	require.NoError(t, err)
	assert.Equal(t, OperatorNotFound, res)
}

func TestController_RootsAreImmutable(t *testing.T) {
	ctx := context.Background()
	c, s := newController(t, "root", "admin")

	res, err := c.AddOperator(ctx, "root", "admin")
	require.NoError(t, err)
	assert.Equal(t, OperatorAlreadyExists, res)

	ops, err := s.ListOperators(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "root labels are never stored")

	res, _, err = c.RemoveOperator(ctx, "root", "admin")
	require.NoError(t, err)
	assert.Equal(t, OperatorForbidden, res)
	assert.True(t, c.IsAuthorized("admin"))
	assert.True(t, c.IsRoot("@Admin"))
}

func TestController_ReloadPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	c, s := newController(t)

	_, err := s.AddOperator(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, c.IsAuthorized("erin"), "cache is only rebuilt on Reload")

	require.NoError(t, c.Reload(ctx))
	assert.True(t, c.IsAuthorized("erin"))
	assert.Equal(t, []string{"erin"}, c.Labels())
}

type failingOperators struct{ *store.MemoryStore }

func (f failingOperators) ListOperators(context.Context) ([]core.Operator, error) {
	return nil, errors.New("db down")
}

func TestController_MutationSurvivesReloadFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore(core.AddressValidatorFunc(core.ValidateTerraAddress))
	c := NewController(failingOperators{s}, []string{"root"})

	assert.Error(t, c.Reload(ctx))

	res, err := c.AddOperator(ctx, "root", "frank")
	require.NoError(t, err)
	assert.Equal(t, OperatorAdded, res)
	assert.True(t, c.IsAuthorized("frank"))
}
