package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"storefront/internal/apperr"
	"storefront/internal/db/dbtest"
	"storefront/internal/model"
	"storefront/internal/repository"
)

func TestLookupCategoryTable(t *testing.T) {
	t.Parallel()

	cases := map[string]model.ProductType{
		"Gift Cards":         model.ProductGiftCard,
		"game-points":        model.ProductGamePoints,
		"xbox-games":         model.ProductXboxGame,
		"Streaming Services": model.ProductStreamingService,
		" software ":         model.ProductSoftware,
	}
	for label, want := range cases {
		got, ok := lookupCategory(label)
		require.True(t, ok, label)
		require.Equal(t, want, got, label)
	}

	_, ok := lookupCategory("Retro Game Cards")
	require.False(t, ok)
}

func TestHeuristicCategoryPrecedence(t *testing.T) {
	t.Parallel()

	cases := map[string]model.ProductType{
		"PlayStation Card":  model.ProductGiftCard,
		"Game Card":         model.ProductGiftCard, // card 优先
		"Mobile Game Point": model.ProductGamePoints,
		"PC Games":          model.ProductXboxGame,
		"Live Streams":      model.ProductStreamingService,
		"Antivirus":         model.ProductSoftware,
	}
	for label, want := range cases {
		require.Equal(t, want, heuristicCategory(label), label)
	}
}

func TestNormalizeLogsHeuristicFallback(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	r := NewResolver(nil, zap.New(core))

	require.Equal(t, model.ProductXboxGame, r.Normalize("xbox-games"))
	require.Zero(t, logs.Len())

	require.Equal(t, model.ProductXboxGame, r.Normalize("Indie Games"))
	require.Equal(t, 1, logs.FilterMessage("category resolved by heuristic fallback").Len())
}

func TestResolveProvisionsPlaceholder(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	products := repository.NewProductRepository(gdb)
	r := NewResolver(products, nil)

	res, err := r.Resolve(ctx, LineItem{Name: "Forza Horizon", Category: "xbox-games"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, model.ProductXboxGame, res.Type)

	p, err := products.FindByName(ctx, "Forza Horizon")
	require.NoError(t, err)
	require.Equal(t, res.ProductID, p.ID)
	require.Equal(t, string(model.ProductXboxGame), p.Category)
	require.False(t, p.IsActive)
	require.Zero(t, p.Stock)

	again, err := r.Resolve(ctx, LineItem{Name: "Forza Horizon", Category: "whatever"})
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, res.ProductID, again.ProductID)
}

func TestResolveUnknownLabelDefaultsToSoftware(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	r := NewResolver(repository.NewProductRepository(gdb), nil)

	res, err := r.Resolve(context.Background(), LineItem{Name: "Mystery Box", Category: "cat-7f3a"})
	require.NoError(t, err)
	require.Equal(t, model.ProductSoftware, res.Type)
}

func TestResolveExistingUsesStoredCategory(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	products := repository.NewProductRepository(gdb)
	require.NoError(t, products.Create(ctx, &model.Product{ID: uuid.NewString(), Name: "Netflix 1-Month", Category: "Streaming Services"}))

	res, err := NewResolver(products, nil).Resolve(ctx, LineItem{Name: "Netflix 1-Month", Category: "Gift Cards"})
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, model.ProductStreamingService, res.Type)
}

func TestResolveAllDeduplicatesAndKeepsOrder(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	counting := &countingProducts{ProductRepository: repository.NewProductRepository(gdb)}
	r := NewResolver(counting, nil)

	out, err := r.ResolveAll(ctx, []LineItem{
		{Name: "Steam 20", Category: "Gift Cards"},
		{Name: "PUBG 600 UC", Category: "game-points"},
		{Name: "Steam 20", Category: "Gift Cards"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, out[0].ProductID, out[2].ProductID)
	require.NotEqual(t, out[0].ProductID, out[1].ProductID)
	require.Equal(t, model.ProductGamePoints, out[1].Type)
	require.Equal(t, 2, counting.creates())
}

func TestResolveAllFailsWhole(t *testing.T) {
	t.Parallel()
	r := NewResolver(failingProducts{}, nil)

	_, err := r.ResolveAll(context.Background(), []LineItem{{Name: "A", Category: "software"}})
	require.True(t, apperr.Is(err, apperr.KindResolutionFailed))

	_, err = r.ResolveAll(context.Background(), []LineItem{{Name: " ", Category: "software"}})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestResolveRereadsOnConflict(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	base := repository.NewProductRepository(gdb)
	winner := &model.Product{ID: uuid.NewString(), Name: "Spotify 3M", Category: "streaming_service"}

	// 模拟查询时不存在、插入前被其它进程抢先
	racy := &racingProducts{ProductRepository: base, winner: winner}
	res, err := NewResolver(racy, nil).Resolve(ctx, LineItem{Name: "Spotify 3M", Category: "Streaming Services"})
	require.NoError(t, err)
	require.Equal(t, winner.ID, res.ProductID)
	require.False(t, res.Created)
}

type countingProducts struct {
	repository.ProductRepository
	mu sync.Mutex
	n  int
}

func (c *countingProducts) Create(ctx context.Context, p *model.Product) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.ProductRepository.Create(ctx, p)
}

func (c *countingProducts) creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type failingProducts struct{}

func (failingProducts) FindByName(context.Context, string) (*model.Product, error) {
	return nil, apperr.Wrap(apperr.KindStorage, "products.find_by_name", errors.New("connection reset"))
}

func (failingProducts) Create(context.Context, *model.Product) error {
	return errors.New("unreachable")
}

type racingProducts struct {
	repository.ProductRepository
	winner *model.Product
	raced  bool
}

func (r *racingProducts) FindByName(ctx context.Context, name string) (*model.Product, error) {
	if !r.raced {
		return nil, apperr.New(apperr.KindNotFound, "products.find_by_name", "record not found")
	}
	return r.ProductRepository.FindByName(ctx, name)
}

func (r *racingProducts) Create(ctx context.Context, p *model.Product) error {
	r.raced = true
	if err := r.ProductRepository.Create(ctx, r.winner); err != nil {
		return err
	}
	return r.ProductRepository.Create(ctx, p)
}

// blockingProducts 查询阻塞到 release 关闭，同时遵守传入 ctx 的取消。
type blockingProducts struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingProducts) FindByName(ctx context.Context, name string) (*model.Product, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return &model.Product{ID: "p-1", Name: name, Category: "streaming_service"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingProducts) Create(context.Context, *model.Product) error {
	return errors.New("unexpected create")
}

func TestResolveCallerCancelDoesNotFailOthers(t *testing.T) {
	t.Parallel()
	repo := &blockingProducts{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(repo, nil)

	actx, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	aErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(actx, LineItem{Name: "Netflix", Category: "Streaming Services"})
		aErr <- err
	}()
	<-repo.entered

	type outcome struct {
		res Resolved
		err error
	}
	bDone := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(context.Background(), LineItem{Name: "Netflix", Category: "Streaming Services"})
		bDone <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond) // 让 B 加入同一次查询

	cancelA()
	select {
	case err := <-aErr:
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, apperr.Is(err, apperr.KindResolutionFailed))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(repo.release)
	select {
	case out := <-bDone:
		require.NoError(t, out.err)
		require.Equal(t, "p-1", out.res.ProductID)
		require.Equal(t, model.ProductStreamingService, out.res.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
}
