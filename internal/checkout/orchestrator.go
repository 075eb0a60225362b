// Package checkout 将购物车、收货信息与付款凭证转换为持久化订单。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"storefront/internal/apperr"
	"storefront/internal/catalog"
	"storefront/internal/fulfillment"
	"storefront/internal/model"
	"storefront/internal/promo"
	"storefront/internal/repository"
	"storefront/internal/storage"
)

var tracer = otel.Tracer("storefront/internal/checkout")

// CartLine 购物车行。单价为下单时快照。
type CartLine struct {
	Name      string `json:"name" validate:"required,max=255"`
	Category  string `json:"category" validate:"max=128"`
	Quantity  int    `json:"quantity" validate:"gt=0,lte=1000"`
	UnitPrice int64  `json:"unit_price" validate:"gt=0,lte=100000000000"`
}

// MaxUnitPrice 单价上限（最小货币单位）。
const MaxUnitPrice int64 = 100_000_000_000

// ShippingDetails 收货信息，同时作为账单地址。
type ShippingDetails struct {
	FullName     string `json:"full_name" validate:"required,max=128"`
	Phone        string `json:"phone" validate:"required,max=32"`
	Email        string `json:"email" validate:"omitempty,email,max=128"`
	AddressLine1 string `json:"address_line1" validate:"required,max=255"`
	AddressLine2 string `json:"address_line2" validate:"max=255"`
	City         string `json:"city" validate:"required,max=64"`
	State        string `json:"state" validate:"max=64"`
	PostalCode   string `json:"postal_code" validate:"max=16"`
	Country      string `json:"country" validate:"required,max=64"`
}

// ProofFile 上传的凭证文件。
type ProofFile struct {
	Body     io.Reader
	Size     int64
	Filename string
}

// Request 一次结账提交。Nonce 由客户端生成，重试同一次提交时保持不变。
type Request struct {
	UserID        string              `validate:"required,max=64"`
	Nonce         string              `validate:"required,max=128"`
	Cart          []CartLine          `validate:"required,min=1,max=100,dive"`
	Shipping      ShippingDetails     `validate:"required"`
	PaymentMethod model.PaymentMethod `validate:"required"`
	TransactionID string              `validate:"max=128"`
	PromoCode     string              `validate:"max=64"`
	Notes         string              `validate:"max=1024"`
	Proof         *ProofFile
}

// Result 结账结果。Replayed 表示命中幂等记录，返回的是首次提交创建的订单。
type Result struct {
	RequestID   string `json:"request_id"`
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Total       int64  `json:"total,omitempty"`
	Replayed    bool   `json:"replayed"`
}

// RequestStatus 结账请求查询视图。
type RequestStatus struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"-"`
	Status      string `json:"status"`
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ProofSubmitter 补交凭证时推进支付状态。
type ProofSubmitter interface {
	SubmitProof(ctx context.Context, orderID, actor string, proof *model.PaymentProof) (*model.Order, error)
}

// Deps 编排器依赖。Redis/Events/Logger/Clock 可为空。
type Deps struct {
	Store     *repository.Store
	Orders    repository.OrderRepository
	Addresses repository.AddressRepository
	Requests  repository.CheckoutRequestRepository
	Resolver  *catalog.Resolver
	Promo     *promo.Engine
	Proofs    storage.ProofStore
	Submitter ProofSubmitter
	Redis     rd.Cmdable
	Events    fulfillment.EventPublisher
	Logger    *zap.Logger
	Clock     func() time.Time

	LockTTL            time.Duration
	StateTTL           time.Duration
	OrderNumberRetries int
	ProofMaxBytes      int64
}

// Orchestrator 结账编排：上传凭证 → 解析商品 → 单事务写入订单聚合。
// 枢轴事务之前的任何失败或取消都会逆序补偿已完成步骤。
type Orchestrator struct {
	store     *repository.Store
	orders    repository.OrderRepository
	addresses repository.AddressRepository
	resolver  *catalog.Resolver
	promo     *promo.Engine
	proofs    storage.ProofStore
	submitter ProofSubmitter
	rdb       rd.Cmdable
	events    fulfillment.EventPublisher
	log       *zap.Logger
	now       func() time.Time
	validate  *validator.Validate
	guard     *guard

	orderNumber   func(time.Time) string
	numberRetries int
	proofMaxBytes int64
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:         deps.Store,
		orders:        deps.Orders,
		addresses:     deps.Addresses,
		resolver:      deps.Resolver,
		promo:         deps.Promo,
		proofs:        deps.Proofs,
		submitter:     deps.Submitter,
		rdb:           deps.Redis,
		events:        deps.Events,
		log:           deps.Logger,
		now:           deps.Clock,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		orderNumber:   NewOrderNumber,
		numberRetries: deps.OrderNumberRetries,
		proofMaxBytes: deps.ProofMaxBytes,
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.numberRetries <= 0 {
		o.numberRetries = 5
	}
	if o.proofMaxBytes <= 0 {
		o.proofMaxBytes = 5 << 20
	}
	lockTTL, stateTTL := deps.LockTTL, deps.StateTTL
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	if stateTTL <= 0 {
		stateTTL = 24 * time.Hour
	}
	o.guard = &guard{rdb: deps.Redis, requests: deps.Requests, log: o.log, lockTTL: lockTTL, stateTTL: stateTTL}
	return o
}

// Submit 执行一次结账。相同 (用户, 购物车, 支付方式, nonce) 的重复提交返回首次创建的订单。
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "checkout.submit")
	defer span.End()

	if err := o.check(req); err != nil {
		o.log.Info("checkout rejected", zap.String("user_id", req.UserID), zap.String("reason", apperr.Message(err)))
		return Result{}, err
	}

	requestID := RequestID(req.UserID, req.Cart, string(req.PaymentMethod), req.Nonce)
	span.SetAttributes(attribute.String("checkout.request_id", requestID), attribute.String("user.id", req.UserID))

	res, err := o.guard.begin(ctx, requestID, req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return Result{}, err
	}
	if res.replay != nil {
		o.log.Info("checkout replayed", zap.String("request_id", requestID), zap.String("order_id", res.replay.OrderID))
		span.SetAttributes(attribute.Bool("checkout.replayed", true))
		return *res.replay, nil
	}
	defer res.release()

	result, err := o.run(ctx, requestID, req)
	if err != nil {
		o.guard.fail(ctx, requestID, req.UserID, err)
		o.logFailure(requestID, req.UserID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return Result{}, err
	}

	o.guard.succeed(ctx, req.UserID, result)
	o.log.Info("checkout completed",
		zap.String("request_id", requestID),
		zap.String("order_id", result.OrderID),
		zap.String("order_number", result.OrderNumber),
		zap.Int64("total", result.Total))
	return result, nil
}

func (o *Orchestrator) check(req Request) error {
	const op = "checkout.validate"

	if err := o.validate.Struct(req); err != nil {
		return validationError(op, err)
	}
	if !req.PaymentMethod.Valid() {
		return apperr.Newf(apperr.KindValidation, op, "unsupported payment method %q", req.PaymentMethod)
	}
	if req.PaymentMethod.RequiresProof() && req.Proof == nil {
		return apperr.New(apperr.KindValidation, op, "payment proof is required")
	}
	if _, err := cartSubtotal(req.Cart); err != nil {
		return err
	}
	return nil
}

// cartSubtotal 逐行累加，乘法与加法溢出前即返回校验错误。
func cartSubtotal(cart []CartLine) (int64, error) {
	const op = "checkout.subtotal"

	var subtotal int64
	for i, l := range cart {
		if l.Quantity <= 0 || l.UnitPrice <= 0 {
			return 0, apperr.Newf(apperr.KindValidation, op, "cart line %d must have positive quantity and price", i)
		}
		if l.UnitPrice > (math.MaxInt64-subtotal)/int64(l.Quantity) {
			return 0, apperr.Newf(apperr.KindValidation, op, "cart line %d amount out of range", i)
		}
		if l.UnitPrice > MaxUnitPrice {
			return 0, apperr.Newf(apperr.KindValidation, op, "cart line %d unit price exceeds %d", i, MaxUnitPrice)
		}
		subtotal += l.UnitPrice * int64(l.Quantity)
	}
	return subtotal, nil
}

func (o *Orchestrator) run(ctx context.Context, requestID string, req Request) (_ Result, err error) {
	sg := &saga{requestID: requestID, rdb: o.rdb, log: o.log, timeout: 10 * time.Second}
	defer func() {
		if err != nil {
			sg.compensate(ctx, err)
		}
	}()
	now := o.now()

	// 1. 上传凭证
	var proof *storage.Object
	if req.Proof != nil {
		obj, err := o.uploadProof(ctx, req.UserID, req.Proof, now)
		if err != nil {
			return Result{}, err
		}
		proof = &obj
		sg.record("proof:"+obj.Key, func(ctx context.Context) error { return o.proofs.Delete(ctx, obj.Key) })
	}

	// 2. 解析商品（事务外并发执行）
	lines := make([]catalog.LineItem, len(req.Cart))
	for i, l := range req.Cart {
		lines[i] = catalog.LineItem{Name: l.Name, Category: l.Category}
	}
	rctx, rspan := tracer.Start(ctx, "checkout.resolve_products")
	resolved, err := o.resolver.ResolveAll(rctx, lines)
	rspan.End()
	if err != nil {
		return Result{}, err
	}

	// 3. 金额与优惠码
	subtotal, err := cartSubtotal(req.Cart)
	if err != nil {
		return Result{}, err
	}
	var applied *promo.Result
	if code := strings.TrimSpace(req.PromoCode); code != "" {
		pr, err := o.promo.Validate(ctx, code, subtotal)
		if err != nil {
			return Result{}, err
		}
		if !pr.Valid {
			return Result{}, apperr.New(apperr.KindValidation, "checkout.promo", pr.Message)
		}
		applied = &pr
	}

	if err := ctx.Err(); err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, "checkout.run", err)
	}

	// 4. 枢轴事务
	order, err := o.commit(ctx, requestID, req, resolved, subtotal, applied, proof, now)
	if err != nil {
		return Result{}, err
	}

	o.publishCreated(ctx, order, req.UserID, now)
	return Result{RequestID: requestID, OrderID: order.ID, OrderNumber: order.OrderNumber, Total: order.Total}, nil
}

func (o *Orchestrator) uploadProof(ctx context.Context, userID string, f *ProofFile, now time.Time) (storage.Object, error) {
	ctx, span := tracer.Start(ctx, "checkout.upload_proof")
	defer span.End()

	up, err := storage.Inspect(f.Body, f.Size, o.proofMaxBytes)
	if err != nil {
		return storage.Object{}, err
	}
	if err := o.proofs.EnsureBucket(ctx); err != nil {
		return storage.Object{}, err
	}
	return o.proofs.Put(ctx, storage.ProofKey(userID, up.Ext, now), up.Body, up.ContentType)
}

func (o *Orchestrator) commit(ctx context.Context, requestID string, req Request, resolved []catalog.Resolved,
	subtotal int64, applied *promo.Result, proof *storage.Object, now time.Time) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.commit")
	defer span.End()

	var discount int64
	var promoID *string
	if applied != nil {
		discount = applied.Discount
		id := applied.Promo.ID
		promoID = &id
	}

	paymentStatus := model.PaymentPending
	if proof != nil {
		paymentStatus = model.PaymentVerificationSubmitted
	}

	order := &model.Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Status:        model.OrderPending,
		PaymentStatus: paymentStatus,
		PaymentMethod: req.PaymentMethod,
		Subtotal:      subtotal,
		Discount:      discount,
		Total:         model.ComputeTotal(subtotal, 0, 0, discount),
		PromoCodeID:   promoID,
		Notes:         strings.TrimSpace(req.Notes),
		RequestID:     requestID,
	}

	err := o.store.Transaction(ctx, func(ctx context.Context) error {
		addr := shippingAddress(req.UserID, req.Shipping)
		if err := o.addresses.Create(ctx, addr); err != nil {
			return err
		}
		order.ShippingAddressID = &addr.ID
		order.BillingAddressID = &addr.ID

		if err := createWithOrderNumber(ctx, o.store, o.orders, order, now, o.numberRetries, o.orderNumber); err != nil {
			return err
		}

		items := make([]model.OrderItem, len(req.Cart))
		for i, l := range req.Cart {
			items[i] = model.OrderItem{
				ID:          uuid.NewString(),
				OrderID:     order.ID,
				Position:    i,
				ProductID:   resolved[i].ProductID,
				ProductName: strings.TrimSpace(l.Name),
				ProductType: resolved[i].Type,
				Quantity:    l.Quantity,
				UnitPrice:   l.UnitPrice,
				Subtotal:    l.UnitPrice * int64(l.Quantity),
			}
		}
		if err := o.orders.CreateItems(ctx, items); err != nil {
			return err
		}

		if proof != nil {
			p := &model.PaymentProof{
				ID:            uuid.NewString(),
				OrderID:       order.ID,
				FileURL:       proof.URL,
				FileKey:       proof.Key,
				PaymentMethod: req.PaymentMethod,
				Amount:        order.Total,
			}
			if txn := strings.TrimSpace(req.TransactionID); txn != "" {
				p.TransactionID = &txn
			}
			if err := o.orders.CreateProof(ctx, p); err != nil {
				return err
			}
		}

		if promoID != nil {
			if err := o.promo.Redeem(ctx, *promoID); err != nil {
				return err
			}
		}
		return o.guard.requests.MarkSuccess(ctx, requestID, order.ID, order.OrderNumber)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (o *Orchestrator) publishCreated(ctx context.Context, order *model.Order, actor string, now time.Time) {
	if o.events == nil {
		return
	}
	evs := fulfillment.ToModelEvents(order, actor, []fulfillment.Event{{
		Type:      fulfillment.EventOrderCreated,
		ToStatus:  order.Status,
		ToPayment: order.PaymentStatus,
		At:        now.UTC(),
	}})
	if err := o.events.Publish(ctx, evs); err != nil {
		o.log.Error("publish order created failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// Lookup 查询结账请求状态。
func (o *Orchestrator) Lookup(ctx context.Context, requestID string) (RequestStatus, error) {
	return o.guard.lookup(ctx, requestID)
}

// ResubmitProof 客户在凭证被驳回后补交。上传成功但写库失败时删除新文件。
func (o *Orchestrator) ResubmitProof(ctx context.Context, orderID, userID, transactionID string, f *ProofFile) (*model.Order, error) {
	const op = "checkout.resubmit_proof"

	if f == nil {
		return nil, apperr.New(apperr.KindValidation, op, "payment proof is required")
	}
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, op, "order not found")
	}

	obj, err := o.uploadProof(ctx, userID, f, o.now())
	if err != nil {
		return nil, err
	}
	p := &model.PaymentProof{
		ID:            uuid.NewString(),
		FileURL:       obj.URL,
		FileKey:       obj.Key,
		PaymentMethod: order.PaymentMethod,
		Amount:        order.Total,
	}
	if txn := strings.TrimSpace(transactionID); txn != "" {
		p.TransactionID = &txn
	}
	updated, err := o.submitter.SubmitProof(ctx, orderID, userID, p)
	if err != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := o.proofs.Delete(dctx, obj.Key); derr != nil {
			o.log.Error("delete orphan proof failed", zap.String("key", obj.Key), zap.Error(derr))
		}
		return nil, err
	}
	return updated, nil
}

func (o *Orchestrator) logFailure(requestID, userID string, err error) {
	fields := []zap.Field{zap.String("request_id", requestID), zap.String("user_id", userID), zap.Error(err)}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInProgress:
		o.log.Info("checkout rejected", fields...)
	default:
		o.log.Error("checkout failed", fields...)
	}
}

func shippingAddress(userID string, d ShippingDetails) *model.ShippingAddress {
	return &model.ShippingAddress{
		ID:           uuid.NewString(),
		UserID:       userID,
		FullName:     strings.TrimSpace(d.FullName),
		Phone:        strings.TrimSpace(d.Phone),
		Email:        strings.TrimSpace(d.Email),
		AddressLine1: strings.TrimSpace(d.AddressLine1),
		AddressLine2: strings.TrimSpace(d.AddressLine2),
		City:         strings.TrimSpace(d.City),
		State:        strings.TrimSpace(d.State),
		PostalCode:   strings.TrimSpace(d.PostalCode),
		Country:      strings.TrimSpace(d.Country),
		IsDefault:    true,
	}
}

func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &apperr.Error{Kind: apperr.KindValidation, Op: op,
			Msg: fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()), Err: err}
	}
	return apperr.Wrap(apperr.KindValidation, op, err)
}
