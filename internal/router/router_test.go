package router

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/db/dbtest"
	"storefront/internal/fulfillment"
	"storefront/internal/middleware"
	"storefront/internal/model"
	"storefront/internal/promo"
	"storefront/internal/queue"
	"storefront/internal/repository"
	"storefront/internal/storage"
)

const adminToken = "test-admin"

var pngProof = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{3}, 64)...)

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func newServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := dbtest.Open(t)
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := repository.NewStore(gdb)
	orders := repository.NewOrderRepository(gdb)
	proofs := storage.NewLocalStore(t.TempDir(), "payment-proofs", "http://localhost/objects")
	outbox := queue.NewOutbox(rdb, "storefront:order_events")
	svc := fulfillment.NewService(fulfillment.ServiceDeps{Store: store, Orders: orders, Events: outbox, Objects: proofs})
	promos := repository.NewPromoRepository(gdb)
	engine := promo.NewEngine(promos, nil)

	orch := checkout.New(checkout.Deps{
		Store:     store,
		Orders:    orders,
		Addresses: repository.NewAddressRepository(gdb),
		Requests:  repository.NewCheckoutRequestRepository(gdb),
		Resolver:  catalog.NewResolver(repository.NewProductRepository(gdb), nil),
		Promo:     engine,
		Proofs:    proofs,
		Submitter: svc,
		Redis:     rdb,
		Events:    outbox,
	})

	r := gin.New()
	Setup(r, Deps{
		Checkout:    orch,
		Fulfillment: svc,
		Promo:       engine,
		Orders:      orders,
		Addresses:   repository.NewAddressRepository(gdb),
		Events:      repository.NewEventRepository(gdb),
		Redis:       rdb,
		ServiceName: "storefront-test",
		AdminToken:  adminToken,
		RateLimit:   100,
		RateWindow:  time.Minute,
	})
	return r
}

func checkoutBody(t *testing.T, withProof bool) (*bytes.Buffer, string) {
	t.Helper()
	payload := map[string]any{
		"cart": []map[string]any{
			{"name": "Netflix 1-Month", "category": "Streaming Services", "quantity": 1, "unit_price": 1500},
		},
		"shipping": map[string]any{
			"full_name": "Ram Thapa", "phone": "9800000000", "email": "ram@example.com",
			"address_line1": "Thamel", "city": "Kathmandu", "country": "NP",
		},
		"payment_method": "esewa",
		"transaction_id": "ESW-1",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("payload", string(raw)))
	if withProof {
		fw, err := w.CreateFormFile("proof", "receipt.png")
		require.NoError(t, err)
		_, err = fw.Write(pngProof)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func call(r http.Handler, req *http.Request) (int, envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

func postCheckout(t *testing.T, r http.Handler, user, key string, withProof bool) (int, envelope) {
	t.Helper()
	body, ct := checkoutBody(t, withProof)
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", body)
	req.Header.Set("Content-Type", ct)
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	req.Header.Set(HeaderIdempotencyKey, key)
	return call(r, req)
}

func jsonReq(method, path, user string, admin bool, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	if admin {
		req.Header.Set(middleware.HeaderAdminToken, adminToken)
	}
	return req
}

func TestCheckoutRoundTrip(t *testing.T) {
	r := newServer(t)

	code, _ := postCheckout(t, r, "", "k-1", true)
	require.Equal(t, http.StatusUnauthorized, code)

	code, env := postCheckout(t, r, "user-42", "k-1", true)
	require.Equal(t, http.StatusOK, code, env.Msg)
	var first checkout.Result
	require.NoError(t, json.Unmarshal(env.Data, &first))
	require.NotEmpty(t, first.OrderID)
	require.False(t, first.Replayed)

	code, env = postCheckout(t, r, "user-42", "k-1", true)
	require.Equal(t, http.StatusOK, code)
	var again checkout.Result
	require.NoError(t, json.Unmarshal(env.Data, &again))
	require.True(t, again.Replayed)
	require.Equal(t, first.OrderID, again.OrderID)

	code, _ = call(r, jsonReq(http.MethodGet, "/api/checkout/requests/"+first.RequestID, "someone-else", false, nil))
	require.Equal(t, http.StatusNotFound, code)

	code, env = call(r, jsonReq(http.MethodGet, "/api/checkout/requests/"+first.RequestID, "user-42", false, nil))
	require.Equal(t, http.StatusOK, code)
	var st checkout.RequestStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.Equal(t, "success", st.Status)
	require.Equal(t, first.OrderID, st.OrderID)

	code, _ = call(r, jsonReq(http.MethodGet, "/api/orders/"+first.OrderID, "someone-else", false, nil))
	require.Equal(t, http.StatusNotFound, code)
	code, _ = call(r, jsonReq(http.MethodGet, "/api/orders/"+first.OrderID, "user-42", false, nil))
	require.Equal(t, http.StatusOK, code)

	code, env = call(r, jsonReq(http.MethodGet, "/api/me/orders", "user-42", false, nil))
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Items []model.Order `json:"items"`
		Total int64         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.EqualValues(t, 1, page.Total)
}

func TestCheckoutRejectsMissingProof(t *testing.T) {
	r := newServer(t)

	code, env := postCheckout(t, r, "user-42", "k-2", false)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "validation", env.Kind)
}

func TestAdminFulfillmentFlow(t *testing.T) {
	r := newServer(t)

	_, env := postCheckout(t, r, "user-42", "k-3", true)
	var res checkout.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	base := "/api/admin/orders/" + res.OrderID

	code, _ := call(r, jsonReq(http.MethodPost, base+"/shipped", "", false, nil))
	require.Equal(t, http.StatusForbidden, code)

	code, env = call(r, jsonReq(http.MethodPost, base+"/shipped", "", true, nil))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "transition_rejected", env.Kind)

	code, _ = call(r, jsonReq(http.MethodPost, base+"/verify-payment", "", true, map[string]any{}))
	require.Equal(t, http.StatusBadRequest, code)

	code, env = call(r, jsonReq(http.MethodPost, base+"/verify-payment", "", true, map[string]any{"accept": true}))
	require.Equal(t, http.StatusOK, code, env.Msg)

	code, env = call(r, jsonReq(http.MethodPost, base+"/shipped", "", true, nil))
	require.Equal(t, http.StatusOK, code, env.Msg)
	var order model.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	require.Equal(t, model.OrderShipped, order.Status)
	require.Equal(t, model.PaymentVerified, order.PaymentStatus)
	require.Len(t, order.Items, 1)

	code, _ = call(r, jsonReq(http.MethodPost, "/api/admin/order-items/"+order.Items[0].ID+"/delivered", "", true, nil))
	require.Equal(t, http.StatusOK, code)

	code, env = call(r, jsonReq(http.MethodGet, base+"/progress", "", true, nil))
	require.Equal(t, http.StatusOK, code)
	var p fulfillment.Progress
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.True(t, p.AllDelivered)
	require.Equal(t, 100, p.Percent)

	code, _ = call(r, jsonReq(http.MethodPut, base+"/status", "", true, map[string]any{"status": "teleported"}))
	require.Equal(t, http.StatusBadRequest, code)

	code, env = call(r, jsonReq(http.MethodGet, "/api/admin/orders?status=shipped", "", true, nil))
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.EqualValues(t, 1, page.Total)

	code, _ = call(r, jsonReq(http.MethodDelete, base, "", true, nil))
	require.Equal(t, http.StatusOK, code)
	code, env = call(r, jsonReq(http.MethodGet, base+"/events", "", true, nil))
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", env.Kind)
}

func TestPromoValidate(t *testing.T) {
	r := newServer(t)

	code, env := call(r, jsonReq(http.MethodPost, "/api/promo/validate", "", false, map[string]any{"code": "NOPE", "subtotal": 1000}))
	require.Equal(t, http.StatusOK, code)
	var res struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.False(t, res.Valid)
	require.Equal(t, promo.MsgNotFound, res.Message)
}

func TestDeleteAddress(t *testing.T) {
	r := newServer(t)

	_, env := postCheckout(t, r, "user-42", "k-4", true)
	require.Equal(t, 0, env.Code, env.Msg)

	code, env := call(r, jsonReq(http.MethodGet, "/api/me/addresses", "user-42", false, nil))
	require.Equal(t, http.StatusOK, code)
	var addrs []model.ShippingAddress
	require.NoError(t, json.Unmarshal(env.Data, &addrs))
	require.Len(t, addrs, 1)
	path := "/api/me/addresses/" + addrs[0].ID

	code, _ = call(r, jsonReq(http.MethodDelete, path, "", false, nil))
	require.Equal(t, http.StatusUnauthorized, code)

	code, env = call(r, jsonReq(http.MethodDelete, path, "someone-else", false, nil))
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", env.Kind)

	code, env = call(r, jsonReq(http.MethodDelete, path, "user-42", false, nil))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "conflict", env.Kind)
}
