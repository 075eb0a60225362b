package router

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"storefront/internal/apperr"
	"storefront/internal/checkout"
	"storefront/internal/fulfillment"
	"storefront/internal/middleware"
	"storefront/internal/model"
	"storefront/internal/promo"
	"storefront/internal/repository"
)

// HeaderIdempotencyKey 客户端生成的结账 nonce，同一次点击的重试需携带相同值。
const HeaderIdempotencyKey = "Idempotency-Key"

// Deps 路由依赖。
type Deps struct {
	Checkout    *checkout.Orchestrator
	Fulfillment *fulfillment.Service
	Promo       *promo.Engine
	Orders      repository.OrderRepository
	Addresses   repository.AddressRepository
	Events      repository.EventRepository
	Redis       rd.Scripter
	Logger      *zap.Logger

	ServiceName string
	AdminToken  string
	RateLimit   int
	RateWindow  time.Duration
	// ObjectsDir 非空时以 /objects 暴露本地凭证文件
	ObjectsDir string
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r.Use(otelgin.Middleware(d.ServiceName), middleware.Logger(log), middleware.Identity(d.AdminToken))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if d.ObjectsDir != "" {
		r.Static("/objects", d.ObjectsDir)
	}

	api := r.Group("/api")
	limit := middleware.RedisRateLimit(d.Redis, d.RateLimit, d.RateWindow, log)
	api.POST("/checkout", middleware.RequireUser(), limit, submitCheckout(d.Checkout))
	api.GET("/checkout/requests/:request_id", middleware.RequireUser(), checkoutStatus(d.Checkout))
	api.POST("/promo/validate", validatePromo(d.Promo))
	api.GET("/orders/:id", getOrder(d.Orders))
	api.POST("/orders/:id/proof", middleware.RequireUser(), limit, resubmitProof(d.Checkout))

	me := api.Group("/me", middleware.RequireUser())
	me.GET("/orders", myOrders(d.Orders))
	me.GET("/addresses", myAddresses(d.Addresses))
	me.PUT("/addresses/:id/default", setDefaultAddress(d.Addresses))
	me.DELETE("/addresses/:id", deleteAddress(d.Addresses))

	admin := api.Group("/admin", middleware.RequireAdmin(), gzip.Gzip(gzip.DefaultCompression))
	admin.GET("/orders", listOrders(d.Orders))
	admin.GET("/orders/:id", getOrder(d.Orders))
	admin.GET("/orders/:id/progress", orderProgress(d.Fulfillment))
	admin.GET("/orders/:id/events", orderEvents(d.Orders, d.Events))
	admin.PUT("/orders/:id/status", updateStatus(d.Fulfillment))
	admin.PUT("/orders/:id/payment-status", updatePaymentStatus(d.Fulfillment))
	admin.POST("/orders/:id/verify-payment", verifyPayment(d.Fulfillment))
	admin.PUT("/orders/:id/admin-notes", setAdminNotes(d.Fulfillment))
	admin.DELETE("/orders/:id", deleteOrder(d.Fulfillment))
	admin.POST("/order-items/:item_id/delivered", itemDelivered(d.Fulfillment))

	simple := map[string]func(*fulfillment.Service) orderAction{
		"processing": func(s *fulfillment.Service) orderAction { return s.MarkProcessing },
		"shipped":    func(s *fulfillment.Service) orderAction { return s.MarkShipped },
		"delivered":  func(s *fulfillment.Service) orderAction { return s.MarkDelivered },
		"completed":  func(s *fulfillment.Service) orderAction { return s.MarkCompleted },
		"cancel":     func(s *fulfillment.Service) orderAction { return s.Cancel },
		"refund":     func(s *fulfillment.Service) orderAction { return s.Refund },
	}
	for path, bind := range simple {
		admin.POST("/orders/:id/"+path, runAction(bind(d.Fulfillment)))
	}
}

type orderAction func(ctx context.Context, orderID, actor string) (*model.Order, error)

// checkoutPayload multipart 中 payload 字段的 JSON 结构。
type checkoutPayload struct {
	Nonce         string                   `json:"nonce"`
	Cart          []checkout.CartLine      `json:"cart"`
	Shipping      checkout.ShippingDetails `json:"shipping"`
	PaymentMethod model.PaymentMethod      `json:"payment_method"`
	TransactionID string                   `json:"transaction_id"`
	PromoCode     string                   `json:"promo_code"`
	Notes         string                   `json:"notes"`
}

// submitCheckout 下单：multipart 表单 payload(JSON) + proof(文件)。
func submitCheckout(co *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.PostForm("payload")
		if raw == "" {
			badRequest(c, "payload is required")
			return
		}
		var p checkoutPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			badRequest(c, "payload must be valid JSON")
			return
		}
		nonce := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if nonce == "" {
			nonce = strings.TrimSpace(p.Nonce)
		}

		proof, closeProof, err := formProof(c)
		if err != nil {
			badRequest(c, "invalid proof file")
			return
		}
		defer closeProof()

		res, err := co.Submit(c.Request.Context(), checkout.Request{
			UserID:        middleware.UserID(c),
			Nonce:         nonce,
			Cart:          p.Cart,
			Shipping:      p.Shipping,
			PaymentMethod: p.PaymentMethod,
			TransactionID: p.TransactionID,
			PromoCode:     p.PromoCode,
			Notes:         p.Notes,
			Proof:         proof,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

// formProof 读取可选的 proof 文件字段。
func formProof(c *gin.Context) (*checkout.ProofFile, func(), error) {
	fh, err := c.FormFile("proof")
	if err == http.ErrMissingFile {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	return openProof(fh)
}

func openProof(fh *multipart.FileHeader) (*checkout.ProofFile, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return nil, func() {}, err
	}
	return &checkout.ProofFile{Body: f, Size: fh.Size, Filename: fh.Filename}, func() { _ = f.Close() }, nil
}

// checkoutStatus 按 request_id 查询结账结果，仅本人可见。
func checkoutStatus(co *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("request_id"))
		if id == "" {
			badRequest(c, "request_id is required")
			return
		}
		st, err := co.Lookup(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		if st.UserID != "" && st.UserID != middleware.UserID(c) {
			fail(c, apperr.New(apperr.KindNotFound, "router.checkout_status", "request not found"))
			return
		}
		ok(c, st)
	}
}

func validatePromo(e *promo.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Code     string `json:"code" binding:"required"`
			Subtotal int64  `json:"subtotal" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		res, err := e.Validate(c.Request.Context(), req.Code, req.Subtotal)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"valid": res.Valid, "discount": res.Discount, "message": res.Message})
	}
}

// getOrder 订单详情。非运营只能查看自己的订单，他人订单按不存在处理。
func getOrder(orders repository.OrderRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := orders.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if !middleware.IsAdmin(c) && o.UserID != middleware.UserID(c) {
			fail(c, apperr.New(apperr.KindNotFound, "router.get_order", "order not found"))
			return
		}
		ok(c, o)
	}
}

// resubmitProof 凭证被驳回后补交：multipart proof(文件) + transaction_id。
func resubmitProof(co *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof, closeProof, err := formProof(c)
		if err != nil {
			badRequest(c, "invalid proof file")
			return
		}
		defer closeProof()

		o, err := co.ResubmitProof(c.Request.Context(), c.Param("id"), middleware.UserID(c), c.PostForm("transaction_id"), proof)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func pageOf(c *gin.Context) repository.Page {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return repository.Page{Page: page, PageSize: size}
}

func myOrders(orders repository.OrderRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		pg := pageOf(c)
		list, total, err := orders.ListByUser(c.Request.Context(), middleware.UserID(c), pg)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"items": list, "total": total, "page": pg.Page, "page_size": pg.PageSize})
	}
}

func myAddresses(addrs repository.AddressRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := addrs.ListByUser(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func setDefaultAddress(addrs repository.AddressRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := addrs.SetDefault(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"id": c.Param("id"), "is_default": true})
	}
}

// deleteAddress 删除本人地址，已被订单引用的地址保留。
func deleteAddress(addrs repository.AddressRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := addrs.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"id": c.Param("id"), "deleted": true})
	}
}

// listOrders 运营订单列表，支持状态筛选与模糊搜索。
func listOrders(orders repository.OrderRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := repository.OrderFilter{
			Status:        model.OrderStatus(c.Query("status")),
			PaymentStatus: model.PaymentStatus(c.Query("payment_status")),
			Search:        strings.TrimSpace(c.Query("q")),
			Page:          pageOf(c),
		}
		if f.Status != "" && !f.Status.Valid() {
			badRequest(c, "unknown status")
			return
		}
		if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
			badRequest(c, "unknown payment_status")
			return
		}
		list, total, err := orders.List(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"items": list, "total": total, "page": f.Page.Page, "page_size": f.Page.PageSize})
	}
}

func orderProgress(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Progress(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}

// orderEvents 订单时间线（由 Kafka 消费者落库）。
func orderEvents(orders repository.OrderRepository, events repository.EventRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		list, err := events.ListByOrder(ctx, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if len(list) == 0 {
			// 区分「订单不存在」与「事件尚未到达」
			if _, err := orders.Get(ctx, c.Param("id")); err != nil {
				fail(c, err)
				return
			}
		}
		ok(c, list)
	}
}

func updateStatus(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status model.OrderStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.UpdateStatus(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.Status)
		respondOrder(c, o, err)
	}
}

func updatePaymentStatus(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PaymentStatus model.PaymentStatus `json:"payment_status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.UpdatePaymentStatus(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.PaymentStatus)
		respondOrder(c, o, err)
	}
}

func verifyPayment(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Accept *bool `json:"accept" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "accept is required")
			return
		}
		o, err := svc.VerifyPayment(c.Request.Context(), c.Param("id"), middleware.Actor(c), *req.Accept)
		respondOrder(c, o, err)
	}
}

func setAdminNotes(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes" binding:"max=4096"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.SetAdminNotes(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.Notes)
		respondOrder(c, o, err)
	}
}

func deleteOrder(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), c.Param("id"), middleware.Actor(c)); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"id": c.Param("id"), "deleted": true})
	}
}

func itemDelivered(svc *fulfillment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := svc.MarkItemDelivered(c.Request.Context(), c.Param("item_id"), middleware.Actor(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

func runAction(action orderAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := action(c.Request.Context(), c.Param("id"), middleware.Actor(c))
		respondOrder(c, o, err)
	}
}

func respondOrder(c *gin.Context, o *model.Order, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, o)
}
