package checkout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"storefront/internal/apperr"
	"storefront/internal/catalog"
	"storefront/internal/db/dbtest"
	"storefront/internal/fulfillment"
	"storefront/internal/model"
	"storefront/internal/promo"
	"storefront/internal/repository"
	"storefront/internal/storage"
	pkgredis "storefront/pkg/redis"
)

var pngProof = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{7}, 128)...)

type memPublisher struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (p *memPublisher) Publish(_ context.Context, evs []model.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	return nil
}

type env struct {
	gdb      *gorm.DB
	mr       *miniredis.Miniredis
	orch     *Orchestrator
	proofDir string
	promos   repository.PromoRepository
	orders   repository.OrderRepository
	events   *memPublisher
}

func newEnv(t *testing.T, wrap func(storage.ProofStore) storage.ProofStore) *env {
	t.Helper()
	gdb := dbtest.Open(t)
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root := t.TempDir()
	var proofs storage.ProofStore = storage.NewLocalStore(root, "payment-proofs", "http://localhost/objects")
	if wrap != nil {
		proofs = wrap(proofs)
	}

	store := repository.NewStore(gdb)
	orders := repository.NewOrderRepository(gdb)
	promos := repository.NewPromoRepository(gdb)
	pub := &memPublisher{}
	svc := fulfillment.NewService(fulfillment.ServiceDeps{Store: store, Orders: orders, Events: pub})

	orch := New(Deps{
		Store:     store,
		Orders:    orders,
		Addresses: repository.NewAddressRepository(gdb),
		Requests:  repository.NewCheckoutRequestRepository(gdb),
		Resolver:  catalog.NewResolver(repository.NewProductRepository(gdb), nil),
		Promo:     promo.NewEngine(promos, nil),
		Proofs:    proofs,
		Submitter: svc,
		Redis:     rdb,
		Events:    pub,
		Clock:     func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) },
	})
	return &env{gdb: gdb, mr: mr, orch: orch, proofDir: filepath.Join(root, "payment-proofs"),
		promos: promos, orders: orders, events: pub}
}

func netflixRequest(nonce string) Request {
	return Request{
		UserID: "user-42",
		Nonce:  nonce,
		Cart:   []CartLine{{Name: "Netflix 1-Month", Category: "Streaming Services", Quantity: 1, UnitPrice: 1500}},
		Shipping: ShippingDetails{
			FullName: "Ram Thapa", Phone: "9800000000", Email: "ram@example.com",
			AddressLine1: "Thamel", City: "Kathmandu", Country: "NP",
		},
		PaymentMethod: model.PaymentEsewa,
		TransactionID: "ESW-123",
		Proof:         &ProofFile{Body: bytes.NewReader(pngProof), Size: int64(len(pngProof)), Filename: "receipt.png"},
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestSubmitCreatesOrderAggregate(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, netflixRequest("n-1"))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Regexp(t, `^ORD-20260501-\d{4}$`, res.OrderNumber)

	order, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.OrderPending, order.Status)
	require.Equal(t, model.PaymentVerificationSubmitted, order.PaymentStatus)
	require.EqualValues(t, 1500, order.Subtotal)
	require.EqualValues(t, 1500, order.Total)
	require.Equal(t, order.Subtotal+order.ShippingFee+order.Tax-order.Discount, order.Total)

	require.Len(t, order.Items, 1)
	require.Equal(t, model.ProductStreamingService, order.Items[0].ProductType)
	require.False(t, order.Items[0].IsDelivered)

	require.Len(t, order.PaymentProofs, 1)
	require.Nil(t, order.PaymentProofs[0].Verified)
	require.Equal(t, "ESW-123", *order.PaymentProofs[0].TransactionID)
	require.EqualValues(t, 1500, order.PaymentProofs[0].Amount)

	require.NotNil(t, order.ShippingAddress)
	require.True(t, order.ShippingAddress.IsDefault)
	require.Equal(t, *order.ShippingAddressID, *order.BillingAddressID)

	require.Equal(t, 1, countFiles(t, e.proofDir))
	require.Len(t, e.events.events, 1)
	require.Equal(t, fulfillment.EventOrderCreated, e.events.events[0].Type)

	st, err := e.orch.Lookup(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, pkgredis.RequestSuccess, st.Status)
	require.Equal(t, res.OrderID, st.OrderID)
}

func TestSubmitReplaysDuplicate(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	first, err := e.orch.Submit(ctx, netflixRequest("same"))
	require.NoError(t, err)

	again, err := e.orch.Submit(ctx, netflixRequest("same"))
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.OrderID, again.OrderID)

	// 缓存丢失时由数据库记录重放
	e.mr.FlushAll()
	again, err = e.orch.Submit(ctx, netflixRequest("same"))
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.OrderID, again.OrderID)

	var n int64
	require.NoError(t, e.gdb.Model(&model.Order{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
	require.Equal(t, 1, countFiles(t, e.proofDir))

	other, err := e.orch.Submit(ctx, netflixRequest("different"))
	require.NoError(t, err)
	require.NotEqual(t, first.OrderID, other.OrderID)
}

func TestSubmitInProgressWhileLocked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	req := netflixRequest("busy")
	id := RequestID(req.UserID, req.Cart, string(req.PaymentMethod), req.Nonce)
	require.NoError(t, e.mr.Set(pkgredis.CheckoutLockKey(id), "someone-else"))

	_, err := e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindInProgress))
}

func TestSubmitCompensatesOnResolutionFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	// 商品表不可用：解析失败必须整体失败，且已上传的凭证被删除
	require.NoError(t, e.gdb.Migrator().DropTable(&model.Product{}))
	req := netflixRequest("n-fail")

	_, err := e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindResolutionFailed))

	require.Zero(t, countFiles(t, e.proofDir), "uploaded proof must be removed")
	var n int64
	require.NoError(t, e.gdb.Model(&model.Order{}).Count(&n).Error)
	require.Zero(t, n)
	require.NoError(t, e.gdb.Model(&model.ShippingAddress{}).Count(&n).Error)
	require.Zero(t, n)

	id := RequestID(req.UserID, req.Cart, string(req.PaymentMethod), req.Nonce)
	st, err := e.orch.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pkgredis.RequestFailed, st.Status)
}

func TestSubmitPromoAppliedAndExhausted(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	limit, maxDiscount := 1, int64(500)
	require.NoError(t, e.promos.Create(ctx, &model.PromoCode{
		ID: uuid.NewString(), Code: "SAVE10", DiscountType: model.DiscountPercentage, DiscountValue: 10,
		MaxDiscountAmount: &maxDiscount, UsageLimit: &limit, IsActive: true,
	}))

	req := netflixRequest("promo-1")
	req.Cart[0].UnitPrice = 10000
	req.PromoCode = "save10"
	res, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)

	order, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.EqualValues(t, 500, order.Discount)
	require.EqualValues(t, 9500, order.Total)
	require.NotNil(t, order.PromoCodeID)

	req = netflixRequest("promo-2")
	req.PromoCode = "SAVE10"
	_, err = e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Equal(t, promo.MsgUsageExceeded, apperr.Message(err))
	require.Equal(t, 1, countFiles(t, e.proofDir))
}

func TestSubmitCashOnDelivery(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	req := netflixRequest("cod")
	req.PaymentMethod = model.PaymentCashOnDelivery
	req.Proof = nil
	res, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)

	order, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentPending, order.PaymentStatus)
	require.Empty(t, order.PaymentProofs)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	req := netflixRequest("v")
	req.Proof = nil
	_, err := e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	req = netflixRequest("v")
	req.Cart[0].UnitPrice = 0
	_, err = e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	req = netflixRequest("v")
	req.PaymentMethod = "paypal"
	_, err = e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	req = netflixRequest("")
	_, err = e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSubmitRejectsAmountOverflow(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	req := netflixRequest("huge")
	req.Cart[0].UnitPrice = math.MaxInt64/2 + 1
	req.Cart[0].Quantity = 2
	_, err := e.orch.Submit(ctx, req)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	var n int64
	require.NoError(t, e.gdb.Model(&model.Order{}).Count(&n).Error)
	require.Zero(t, n)
	require.Zero(t, countFiles(t, e.proofDir))
}

func TestCartSubtotal(t *testing.T) {
	t.Parallel()

	got, err := cartSubtotal([]CartLine{{UnitPrice: 1500, Quantity: 2}, {UnitPrice: 250, Quantity: 3}})
	require.NoError(t, err)
	require.EqualValues(t, 3750, got)

	_, err = cartSubtotal([]CartLine{{UnitPrice: math.MaxInt64/2 + 1, Quantity: 2}})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = cartSubtotal([]CartLine{{UnitPrice: MaxUnitPrice + 1, Quantity: 1}})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSubmitMultiLineCart(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	req := netflixRequest("multi")
	req.Cart = []CartLine{
		{Name: "Spotify Premium", Category: "Streaming Services", Quantity: 2, UnitPrice: 700},
		{Name: "Xbox Game Pass", Category: "xbox-games", Quantity: 1, UnitPrice: 1200},
		{Name: "Spotify Premium", Category: "Streaming Services", Quantity: 1, UnitPrice: 650},
		{Name: "Office 365", Category: "Software", Quantity: 3, UnitPrice: 999},
	}
	res, err := e.orch.Submit(ctx, req)
	require.NoError(t, err)

	order, err := e.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Len(t, order.Items, len(req.Cart))

	var sum int64
	for i, item := range order.Items {
		require.Equal(t, i, item.Position)
		require.Equal(t, req.Cart[i].Name, item.ProductName)
		require.Equal(t, req.Cart[i].UnitPrice*int64(req.Cart[i].Quantity), item.Subtotal)
		sum += item.Subtotal
	}
	require.EqualValues(t, 1400+1200+650+2997, order.Subtotal)
	require.Equal(t, sum, order.Subtotal)
	require.Equal(t, order.Subtotal-order.Discount, order.Total)

	// 同名行解析到同一商品
	require.Equal(t, order.Items[0].ProductID, order.Items[2].ProductID)
	require.NotEqual(t, order.Items[0].ProductID, order.Items[1].ProductID)
}

// cancelAfterPut 上传完成后立即取消请求，验证补偿删除文件。
type cancelAfterPut struct {
	storage.ProofStore
	cancel context.CancelFunc
}

func (c *cancelAfterPut) Put(ctx context.Context, key string, r io.Reader, ct string) (storage.Object, error) {
	obj, err := c.ProofStore.Put(ctx, key, r, ct)
	c.cancel()
	return obj, err
}

func TestSubmitCancelledAfterUploadCleansUp(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, func(s storage.ProofStore) storage.ProofStore { return &cancelAfterPut{ProofStore: s, cancel: cancel} })

	_, err := e.orch.Submit(ctx, netflixRequest("cancel"))
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.Zero(t, countFiles(t, e.proofDir))

	var n int64
	require.NoError(t, e.gdb.Model(&model.Order{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestResubmitProofAfterRejection(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.orch.Submit(ctx, netflixRequest("resubmit"))
	require.NoError(t, err)

	svc := fulfillment.NewService(fulfillment.ServiceDeps{Store: repository.NewStore(e.gdb), Orders: e.orders})
	_, err = svc.VerifyPayment(ctx, res.OrderID, "admin", false)
	require.NoError(t, err)

	proof := &ProofFile{Body: bytes.NewReader(pngProof), Size: int64(len(pngProof))}
	_, err = e.orch.ResubmitProof(ctx, res.OrderID, "someone-else", "", proof)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	proof = &ProofFile{Body: bytes.NewReader(pngProof), Size: int64(len(pngProof))}
	order, err := e.orch.ResubmitProof(ctx, res.OrderID, "user-42", "ESW-999", proof)
	require.NoError(t, err)
	require.Equal(t, model.PaymentVerificationSubmitted, order.PaymentStatus)
	require.Len(t, order.PaymentProofs, 2)
	require.Equal(t, 2, countFiles(t, e.proofDir))
}

func TestOrderNumberRetriesOnCollision(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	store := repository.NewStore(gdb)
	orders := repository.NewOrderRepository(gdb)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mk := func() *model.Order {
		return &model.Order{ID: uuid.NewString(), UserID: "u", Status: model.OrderPending,
			PaymentStatus: model.PaymentPending, PaymentMethod: model.PaymentCashOnDelivery, RequestID: uuid.NewString()}
	}
	fixed := func(time.Time) string { return "ORD-20260501-0001" }
	require.NoError(t, createWithOrderNumber(ctx, store, orders, mk(), now, 3, fixed))

	calls := 0
	seq := func(time.Time) string {
		calls++
		if calls < 3 {
			return "ORD-20260501-0001"
		}
		return "ORD-20260501-0002"
	}
	err := store.Transaction(ctx, func(ctx context.Context) error {
		return createWithOrderNumber(ctx, store, orders, mk(), now, 5, seq)
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	err = createWithOrderNumber(ctx, store, orders, mk(), now, 2, fixed)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRequestIDIgnoresLineOrder(t *testing.T) {
	t.Parallel()

	a := []CartLine{{Name: "A", Quantity: 1, UnitPrice: 1}, {Name: "B", Quantity: 2, UnitPrice: 3}}
	b := []CartLine{a[1], a[0]}
	require.Equal(t, RequestID("u", a, "esewa", "n"), RequestID("u", b, "esewa", "n"))
	require.NotEqual(t, RequestID("u", a, "esewa", "n"), RequestID("u", a, "esewa", "m"))
	require.NotEqual(t, RequestID("u", a, "esewa", "n"), RequestID("v", a, "esewa", "n"))
	require.Regexp(t, `^ORD-\d{8}-\d{4}$`, NewOrderNumber(time.Now()))
}
