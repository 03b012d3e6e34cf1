package cart

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-cart/internal/domain/product"
)

// --- Fakes ---

type recordingPersister struct {
	mu       sync.Mutex
	saves    []Persisted
	flushErr error
}

func (r *recordingPersister) Save(p Persisted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, p)
}

func (r *recordingPersister) Flush(context.Context) error {
	return r.flushErr
}

func (r *recordingPersister) last() Persisted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[len(r.saves)-1]
}

func (r *recordingPersister) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

type loaderFunc func(ctx context.Context) (Persisted, error)

func (f loaderFunc) Load(ctx context.Context) (Persisted, error) {
	return f(ctx)
}

// --- Helpers ---

func newTestProduct(id string, price string) product.Product {
	return product.Product{
		ID:     id,
		Name:   "Product " + id,
		Price:  decimal.RequireFromString(price),
		Images: []string{id + ".jpg"},
	}
}

func collectEvents(s *Store) *[]Event {
	var (
		mu     sync.Mutex
		events []Event
	)
	s.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return &events
}

func requireInvariants(t *testing.T, st State) {
	t.Helper()
	require.NoError(t, st.Persisted().Validate())
	for _, it := range st.Items {
		require.GreaterOrEqual(t, it.Quantity, 1)
	}
}

// --- Tests ---

func TestStore_AddItemToEmptyCart(t *testing.T) {
	s := NewStore(nil)

	res, err := s.AddItem(newTestProduct("p1", "10"), 2)
	require.NoError(t, err)
	assert.Equal(t, AddResult{ItemID: "p1", Quantity: 2, Added: 2}, res)

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "p1", st.Items[0].ID)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(10).Equal(st.Items[0].Price))
	assert.True(t, decimal.NewFromInt(20).Equal(st.Subtotal()))
	assert.Equal(t, 2, st.ItemCount())
	assert.Nil(t, st.Err)
}

func TestStore_AddItemMergesSameProductAndVariant(t *testing.T) {
	s := NewStore(nil)
	p := newTestProduct("p1", "4.50").WithVariant("mint")

	_, err := s.AddItem(p, 1)
	require.NoError(t, err)
	_, err = s.AddItem(p, 1)
	require.NoError(t, err)

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "p1:mint", st.Items[0].ID)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("9").Equal(st.Subtotal()))
}

func TestStore_AddItemDifferentVariantsAreDistinct(t *testing.T) {
	s := NewStore(nil)
	p := newTestProduct("p1", "5")

	_, err := s.AddItem(p.WithVariant("mint"), 1)
	require.NoError(t, err)
	_, err = s.AddItem(p.WithVariant("berry"), 3)
	require.NoError(t, err)
	_, err = s.AddItem(p, 1)
	require.NoError(t, err)

	st := s.Snapshot()
	require.Len(t, st.Items, 3)
	assert.Equal(t, []string{"p1:mint", "p1:berry", "p1"},
		[]string{st.Items[0].ID, st.Items[1].ID, st.Items[2].ID})
	assert.Equal(t, 5, st.ItemCount())
}

func TestStore_AddItemInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		product product.Product
		qty     int
		wantErr error
	}{
		{name: "zero quantity", product: newTestProduct("p1", "1"), qty: 0, wantErr: ErrInvalidQuantity},
		{name: "negative quantity", product: newTestProduct("p1", "1"), qty: -3, wantErr: ErrInvalidQuantity},
		{name: "missing id", product: newTestProduct("", "1"), qty: 1, wantErr: ErrInvalidProduct},
		{name: "negative price", product: newTestProduct("p1", "-1"), qty: 1, wantErr: ErrInvalidProduct},
		{
			name:    "no images",
			product: product.Product{ID: "p1", Price: decimal.NewFromInt(1)},
			qty:     1,
			wantErr: ErrInvalidProduct,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingPersister{}
			s := NewStore(p)

			_, err := s.AddItem(tt.product, tt.qty)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, s.Snapshot().Items)
			assert.Zero(t, p.count())
		})
	}
}

func TestStore_AddItemClampsToStock(t *testing.T) {
	s := NewStore(nil)
	events := collectEvents(s)
	p := newTestProduct("p1", "3")
	p.Stock = product.StockOf(5)

	res, err := s.AddItem(p, 3)
	require.NoError(t, err)
	assert.False(t, res.Clamped)

	res, err = s.AddItem(p, 4)
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.Equal(t, 5, res.Quantity)
	assert.Equal(t, 2, res.Added)

	st := s.Snapshot()
	assert.Equal(t, 5, st.Items[0].Quantity)
	require.NotNil(t, st.Err)
	assert.ErrorIs(t, st.Err, ErrQuantityClamped)
	assert.True(t, st.Err.Warning())
	assert.Equal(t, 7, st.Err.Requested)
	assert.Equal(t, 5, st.Err.Allowed)

	kinds := make([]EventKind, 0, len(*events))
	for _, e := range *events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventItemAdded, EventItemAdded, EventError}, kinds)
	assert.Equal(t, 5, (*events)[1].Quantity)
}

func TestStore_AddItemOutOfStockAddsNothing(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	prod := newTestProduct("p1", "3")
	prod.Stock = product.StockOf(0)

	res, err := s.AddItem(prod, 1)
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.Zero(t, res.Added)

	st := s.Snapshot()
	assert.Empty(t, st.Items)
	assert.ErrorIs(t, st.Err, ErrQuantityClamped)
	assert.Zero(t, p.count())
}

func TestStore_AddItemUnknownStockIsUnbounded(t *testing.T) {
	s := NewStore(nil)

	res, err := s.AddItem(newTestProduct("p1", "1"), 1000)
	require.NoError(t, err)
	assert.False(t, res.Clamped)
	assert.Equal(t, 1000, s.Snapshot().ItemCount())
}

func TestStore_UpdateQuantity(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AddItem(newTestProduct("p1", "10"), 2)
	require.NoError(t, err)

	s.UpdateQuantity("p1", 5)
	st := s.Snapshot()
	assert.Equal(t, 5, st.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(50).Equal(st.Subtotal()))

	// Unknown ids are a silent no-op.
	s.UpdateQuantity("missing", 3)
	assert.Nil(t, s.Snapshot().Err)
	assert.Len(t, s.Snapshot().Items, 1)
}

func TestStore_UpdateQuantityBelowOneRemoves(t *testing.T) {
	for _, qty := range []int{0, -1} {
		s := NewStore(nil)
		_, err := s.AddItem(newTestProduct("p1", "10"), 2)
		require.NoError(t, err)

		s.UpdateQuantity("p1", qty)

		st := s.Snapshot()
		assert.Empty(t, st.Items)
		assert.True(t, decimal.Zero.Equal(st.Subtotal()))
	}
}

func TestStore_RemoveItem(t *testing.T) {
	s := NewStore(nil)
	events := collectEvents(s)
	_, err := s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)

	s.RemoveItem("p1")
	s.RemoveItem("p1")

	assert.Empty(t, s.Snapshot().Items)
	assert.Nil(t, s.Snapshot().Err)
	require.Len(t, *events, 2)
	assert.Equal(t, EventItemRemoved, (*events)[1].Kind)
}

func TestStore_SaveForLater(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AddItem(newTestProduct("p1", "10"), 1)
	require.NoError(t, err)

	require.NoError(t, s.SaveForLater("p1"))

	st := s.Snapshot()
	assert.Empty(t, st.Items)
	require.Len(t, st.SavedItems, 1)
	assert.Equal(t, "p1", st.SavedItems[0].ID)
	assert.True(t, decimal.Zero.Equal(st.Subtotal()))
	assert.Zero(t, st.ItemCount())
}

func TestStore_SaveForLaterUnknownRecordsItemNotFound(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	events := collectEvents(s)

	err := s.SaveForLater("ghost")
	require.ErrorIs(t, err, ErrItemNotFound)

	st := s.Snapshot()
	require.NotNil(t, st.Err)
	assert.Equal(t, KindItemNotFound, st.Err.Kind)
	assert.Equal(t, "ghost", st.Err.ItemID)
	assert.Zero(t, p.count())
	require.Len(t, *events, 1)
	assert.Equal(t, EventError, (*events)[0].Kind)

	// A later successful operation clears the stale condition.
	_, err = s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot().Err)
}

func TestStore_DoubleSaveForLater(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AddItem(newTestProduct("p1", "10"), 2)
	require.NoError(t, err)

	require.NoError(t, s.SaveForLater("p1"))
	require.ErrorIs(t, s.SaveForLater("p1"), ErrItemNotFound)

	st := s.Snapshot()
	require.Len(t, st.SavedItems, 1)
	assert.Equal(t, 2, st.SavedItems[0].Quantity)
	requireInvariants(t, st)
}

func TestStore_MoveToCartRestoresQuantity(t *testing.T) {
	s := NewStore(nil)
	events := collectEvents(s)
	_, err := s.AddItem(newTestProduct("p1", "10"), 3)
	require.NoError(t, err)
	require.NoError(t, s.SaveForLater("p1"))

	require.NoError(t, s.MoveToCart("p1"))

	st := s.Snapshot()
	assert.Empty(t, st.SavedItems)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 3, st.Items[0].Quantity)
	last := (*events)[len(*events)-1]
	assert.Equal(t, EventItemRestored, last.Kind)
	assert.Equal(t, 3, last.Quantity)
}

func TestStore_MoveToCartMergesWithActiveLine(t *testing.T) {
	// Reach the overlapping state through a remote snapshot, the only path
	// where an id can appear in both lists.
	s := NewStore(nil)
	it := newItem(newTestProduct("p1", "2"), 2)
	saved := it
	saved.Quantity = 3
	s.ApplyRemote(Persisted{Items: []Item{it}, SavedItems: []Item{saved}})

	require.NoError(t, s.MoveToCart("p1"))

	st := s.Snapshot()
	assert.Empty(t, st.SavedItems)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 5, st.Items[0].Quantity)
}

func TestStore_AddItemWhileSavedDropsSavedEntry(t *testing.T) {
	s := NewStore(nil)
	p := newTestProduct("p1", "2")
	_, err := s.AddItem(p, 2)
	require.NoError(t, err)
	require.NoError(t, s.SaveForLater("p1"))

	_, err = s.AddItem(p, 1)
	require.NoError(t, err)

	st := s.Snapshot()
	assert.Empty(t, st.SavedItems)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 1, st.Items[0].Quantity)
	requireInvariants(t, st)
}

func TestStore_MoveToCartUnknown(t *testing.T) {
	s := NewStore(nil)

	err := s.MoveToCart("ghost")

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindItemNotFound, ce.Kind)
	assert.Equal(t, KindItemNotFound, s.Snapshot().Err.Kind)
}

func TestStore_RemoveSavedItemAndClear(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)
	_, err = s.AddItem(newTestProduct("p2", "1"), 1)
	require.NoError(t, err)
	_, err = s.AddItem(newTestProduct("p3", "1"), 1)
	require.NoError(t, err)
	require.NoError(t, s.SaveForLater("p1"))
	require.NoError(t, s.SaveForLater("p2"))

	s.RemoveSavedItem("p1")
	s.RemoveSavedItem("missing")
	s.ClearCart()

	st := s.Snapshot()
	assert.Empty(t, st.Items)
	require.Len(t, st.SavedItems, 1)
	assert.Equal(t, "p2", st.SavedItems[0].ID)
}

func TestStore_OpenCloseDoNotPersist(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)

	s.Open()
	assert.True(t, s.Snapshot().IsOpen)
	s.Close()
	assert.False(t, s.Snapshot().IsOpen)
	assert.Zero(t, p.count())
}

func TestStore_EveryMutationIsQueuedInOrder(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)

	_, err := s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)
	s.UpdateQuantity("p1", 4)
	require.NoError(t, s.SaveForLater("p1"))

	assert.Equal(t, 3, p.count())
	last := p.last()
	assert.Empty(t, last.Items)
	require.Len(t, last.SavedItems, 1)
	assert.Equal(t, 4, last.SavedItems[0].Quantity)
}

func TestStore_PersistenceFailureKeepsState(t *testing.T) {
	s := NewStore(&recordingPersister{})
	events := collectEvents(s)

	_, err := s.AddItem(newTestProduct("p1", "10"), 1)
	require.NoError(t, err)
	s.ReportPersistence(errors.New("disk full"))

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	require.NotNil(t, st.Err)
	assert.ErrorIs(t, st.Err, ErrPersistenceFailure)
	assert.Contains(t, st.Err.Error(), "disk full")
	assert.Equal(t, EventError, (*events)[len(*events)-1].Kind)

	// Further edits are still accepted and a successful write clears the failure.
	s.UpdateQuantity("p1", 2)
	assert.NotNil(t, s.Snapshot().Err)
	s.ReportPersistence(nil)
	assert.Nil(t, s.Snapshot().Err)
}

func TestStore_DismissError(t *testing.T) {
	s := NewStore(nil)
	s.ReportPersistence(errors.New("boom"))

	s.DismissError()

	assert.Nil(t, s.Snapshot().Err)
}

func TestStore_Hydrate(t *testing.T) {
	s := NewStore(nil)
	events := collectEvents(s)
	stored := Persisted{
		Items:      []Item{newItem(newTestProduct("p1", "2.50"), 2)},
		SavedItems: []Item{newItem(newTestProduct("p2", "1"), 1)},
	}

	var loadingDuringLoad bool
	s.Hydrate(context.Background(), loaderFunc(func(context.Context) (Persisted, error) {
		loadingDuringLoad = s.Snapshot().IsLoading
		return stored, nil
	}))

	assert.True(t, loadingDuringLoad)
	st := s.Snapshot()
	assert.False(t, st.IsLoading)
	assert.Equal(t, stored.Items, st.Items)
	assert.Equal(t, stored.SavedItems, st.SavedItems)
	assert.True(t, decimal.NewFromInt(5).Equal(st.Subtotal()))
	assert.Equal(t, EventCartHydrated, (*events)[0].Kind)
}

func TestStore_HydrateFailureStartsEmpty(t *testing.T) {
	s := NewStore(nil)

	s.Hydrate(context.Background(), loaderFunc(func(context.Context) (Persisted, error) {
		return Persisted{}, errors.New("unexpected end of JSON")
	}))

	st := s.Snapshot()
	assert.Empty(t, st.Items)
	assert.False(t, st.IsLoading)
	require.NotNil(t, st.Err)
	assert.Equal(t, KindHydrationFailure, st.Err.Kind)
}

func TestStore_HydrateKeepsEditsMadeWhileLoading(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)

	s.Hydrate(context.Background(), loaderFunc(func(context.Context) (Persisted, error) {
		_, err := s.AddItem(newTestProduct("fresh", "1"), 1)
		require.NoError(t, err)
		return Persisted{Items: []Item{newItem(newTestProduct("old", "1"), 1)}}, nil
	}))

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "fresh", st.Items[0].ID)
	assert.Equal(t, "fresh", p.last().Items[0].ID)
}

func TestStore_ApplyRemoteReplacesWholeState(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)
	_, err := s.AddItem(newTestProduct("local", "1"), 1)
	require.NoError(t, err)

	s.ApplyRemote(Persisted{Items: []Item{newItem(newTestProduct("remote", "3"), 2)}})

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "remote", st.Items[0].ID)
	assert.Equal(t, 1, p.count(), "remote state must not be written back")
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	s := NewStore(nil)
	_, err := s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)

	st := s.Snapshot()
	st.Items[0].Quantity = 99
	st.Items[0].Images[0] = "changed"

	fresh := s.Snapshot()
	assert.Equal(t, 1, fresh.Items[0].Quantity)
	assert.Equal(t, "p1.jpg", fresh.Items[0].Images[0])
}

func TestStore_PanickingSubscriberDoesNotBreakMutation(t *testing.T) {
	s := NewStore(nil)
	s.Subscribe(func(Event) { panic("toast layer crashed") })

	_, err := s.AddItem(newTestProduct("p1", "1"), 1)
	require.NoError(t, err)
	assert.Len(t, s.Snapshot().Items, 1)
}

func TestStore_RandomOperationsPreserveInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	products := []product.Product{
		newTestProduct("a", "1.25"),
		newTestProduct("a", "1.25").WithVariant("large"),
		newTestProduct("b", "3"),
		newTestProduct("c", "0"),
	}
	limited := newTestProduct("d", "7")
	limited.Stock = product.StockOf(3)
	products = append(products, limited)

	ids := []string{"a", "a:large", "b", "c", "d", "missing"}
	s := NewStore(&recordingPersister{})

	for range 2000 {
		id := ids[rng.IntN(len(ids))]
		switch rng.IntN(7) {
		case 0:
			_, err := s.AddItem(products[rng.IntN(len(products))], 1+rng.IntN(4))
			require.NoError(t, err)
		case 1:
			s.RemoveItem(id)
		case 2:
			s.UpdateQuantity(id, rng.IntN(6)-1)
		case 3:
			_ = s.SaveForLater(id)
		case 4:
			_ = s.MoveToCart(id)
		case 5:
			s.RemoveSavedItem(id)
		case 6:
			if rng.IntN(10) == 0 {
				s.ClearCart()
			}
		}

		st := s.Snapshot()
		requireInvariants(t, st)

		want := decimal.Zero
		count := 0
		for _, it := range st.Items {
			want = want.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
			count += it.Quantity
		}
		require.True(t, want.Equal(st.Subtotal()))
		require.Equal(t, count, st.ItemCount())
	}
}

func TestStore_ConcurrentMutations(t *testing.T) {
	s := NewStore(&recordingPersister{})
	p := newTestProduct("p1", "1")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AddItem(p, 1)
		}()
	}
	wg.Wait()

	st := s.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 50, st.Items[0].Quantity)
}
