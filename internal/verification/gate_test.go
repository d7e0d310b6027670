package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/model"
)

type stubRemote struct {
	calls    int
	err      error
	items    []model.LineItem
	fetchErr error
}

func (s *stubRemote) GetUnresolvedItems(ctx context.Context) ([]model.LineItem, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.items, nil
}

func (s *stubRemote) ResolveAllRequiredItems(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestCheckoutBlockedByUnresolvedItems(t *testing.T) {
	c := cart.New()
	g := NewGate(c, nil, zap.NewNop())

	require.True(t, g.CheckoutAllowed())

	c.ApplyProductAdded(model.LineItem{UPC: "555", Quantity: 1, RequiresVerification: true})

	assert.Equal(t, model.VerificationSuccess, g.CurrentStatus())
	assert.Equal(t, []string{"555"}, g.UnresolvedItems())
	assert.False(t, g.CheckoutAllowed())

	d := g.Evaluate()
	assert.Equal(t, []Reason{ReasonUnresolvedItems}, d.Reasons)
	require.Len(t, d.Unresolved, 1)
}

func TestCheckoutRequiresBothConditions(t *testing.T) {
	c := cart.New()
	g := NewGate(c, nil, zap.NewNop())

	c.ApplyProductAdded(model.LineItem{UPC: "555", Quantity: 1, RequiresVerification: true})
	g.Apply(model.VerificationSnapshot{Status: model.VerificationFailure, WeightDifference: 20})

	d := g.Evaluate()
	assert.False(t, d.Allowed)
	assert.ElementsMatch(t, []Reason{ReasonVerificationFailed, ReasonUnresolvedItems}, d.Reasons)

	_, err := g.ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, g.UnresolvedItems())
	assert.Equal(t, model.VerificationFailure, g.CurrentStatus(), "resolve all must not touch status")
	assert.False(t, g.CheckoutAllowed())

	g.Apply(model.VerificationSnapshot{Status: model.VerificationSuccess})
	assert.True(t, g.CheckoutAllowed())
}

func TestOverrideAndReset(t *testing.T) {
	g := NewGate(cart.New(), nil, zap.NewNop())

	g.Apply(model.VerificationSnapshot{Status: model.VerificationFailure, ScannedTags: []string{"a"}})
	assert.False(t, g.CheckoutAllowed())

	g.Override()
	assert.True(t, g.CheckoutAllowed())
	assert.Equal(t, []string{"a"}, g.Snapshot().ScannedTags)

	g.Reset()
	assert.Empty(t, g.Snapshot().ScannedTags)
}

func TestResolveAllCallsRemote(t *testing.T) {
	c := cart.New()
	r := &stubRemote{}
	g := NewGate(c, r, zap.NewNop())

	c.ApplyProductAdded(model.LineItem{UPC: "1", Quantity: 1, RequiresVerification: true})
	n, err := g.ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("backend down")
	c.ApplyProductAdded(model.LineItem{UPC: "2", Quantity: 1, RequiresVerification: true})
	n, err = g.ResolveAll(context.Background())
	assert.ErrorIs(t, err, r.err)
	assert.Equal(t, 1, n)
	assert.Empty(t, g.UnresolvedItems())
}

func TestRemoteUnresolvedItemsBlockCheckout(t *testing.T) {
	c := cart.New()
	r := &stubRemote{items: []model.LineItem{
		{UPC: "777", RequiresVerification: true},
		{UPC: "888", RequiresVerification: true},
	}}
	g := NewGate(c, r, zap.NewNop())

	c.ApplyProductAdded(model.LineItem{UPC: "777", Quantity: 1, RequiresVerification: true})
	require.False(t, g.CheckoutAllowed())

	require.NoError(t, g.Refresh(context.Background()))
	assert.Equal(t, []string{"777", "888"}, g.UnresolvedItems())

	d := g.Evaluate()
	assert.False(t, d.Allowed)
	assert.Equal(t, []Reason{ReasonUnresolvedItems}, d.Reasons)
	require.Len(t, d.Unresolved, 2)

	// ошибка запроса оставляет прежний ответ
	r.fetchErr = errors.New("backend down")
	require.ErrorIs(t, g.Refresh(context.Background()), r.fetchErr)
	assert.Len(t, g.UnresolvedItems(), 2)

	_, err := g.ResolveAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, g.UnresolvedItems())
	assert.True(t, g.CheckoutAllowed())
}

func TestRefreshWithoutRemote(t *testing.T) {
	g := NewGate(cart.New(), nil, zap.NewNop())
	require.NoError(t, g.Refresh(context.Background()))
	assert.True(t, g.CheckoutAllowed())
}

func TestResetDropsRemoteItems(t *testing.T) {
	r := &stubRemote{items: []model.LineItem{{UPC: "999", RequiresVerification: true}}}
	g := NewGate(cart.New(), r, zap.NewNop())

	require.NoError(t, g.Refresh(context.Background()))
	require.False(t, g.CheckoutAllowed())

	g.Reset()
	assert.True(t, g.CheckoutAllowed())
}
