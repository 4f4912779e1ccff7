package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/governor"
	"stockwatch/internal/monitor"
	"stockwatch/internal/product"
	"stockwatch/internal/stockstate"
	logx "stockwatch/pkg/logx"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	products []product.Product
	interval int
	cartURL  string
}

func (f *fakeController) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func ok() monitor.Result { return monitor.Result{Success: true} }

func (f *fakeController) GetProducts(context.Context) monitor.ProductsResult {
	f.note("GetProducts")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listLocked()
}

func (f *fakeController) listLocked() monitor.ProductsResult {
	recs := make([]stockstate.Record, 0, len(f.products))
	for _, p := range f.products {
		recs = append(recs, stockstate.Record{ProductID: p.ID})
	}
	return monitor.ProductsResult{Result: ok(), Products: append([]product.Product(nil), f.products...), StockStatus: recs}
}

func (f *fakeController) GetMonitoringStatus(context.Context) monitor.StatusResult {
	f.note("GetMonitoringStatus")
	return monitor.StatusResult{Result: ok(), IsMonitoring: true}
}

func (f *fakeController) StartMonitoring(context.Context) monitor.Result {
	f.note("StartMonitoring")
	return ok()
}

func (f *fakeController) StopMonitoring(context.Context) monitor.Result {
	f.note("StopMonitoring")
	return ok()
}

func (f *fakeController) AddProduct(_ context.Context, p product.Product) monitor.ProductsResult {
	f.note("AddProduct")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = append(f.products, p.Normalize())
	return f.listLocked()
}

func (f *fakeController) RemoveProduct(_ context.Context, id string) monitor.ProductsResult {
	f.note("RemoveProduct")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.products {
		if p.ID == id {
			f.products = append(f.products[:i], f.products[i+1:]...)
			return f.listLocked()
		}
	}
	return monitor.ProductsResult{Result: monitor.Result{Reason: governor.ReasonNotFound, Error: "product not monitored: " + id}}
}

func (f *fakeController) UpdateCheckInterval(_ context.Context, seconds int) monitor.Result {
	f.note("UpdateCheckInterval")
	if seconds < 30 {
		return monitor.Result{Reason: governor.ReasonInvalidArgument, Error: "check interval below minimum"}
	}
	f.mu.Lock()
	f.interval = seconds
	f.mu.Unlock()
	return ok()
}

func (f *fakeController) ForceCheck(context.Context) monitor.CheckResult {
	f.note("ForceCheck")
	return monitor.CheckResult{Result: monitor.Result{Reason: governor.ReasonBreakerOpen, Error: "breaker open"}}
}

func (f *fakeController) GetPurchaseStats(context.Context) monitor.PurchaseResult {
	f.note("GetPurchaseStats")
	return monitor.PurchaseResult{Result: ok(), Count: 1, Limit: 3}
}

func (f *fakeController) ResetPurchaseCount(context.Context) monitor.PurchaseResult {
	f.note("ResetPurchaseCount")
	return monitor.PurchaseResult{Result: ok(), Count: 0, Limit: 3}
}

func (f *fakeController) UpdatePurchaseLimit(_ context.Context, limit int) monitor.PurchaseResult {
	f.note("UpdatePurchaseLimit")
	return monitor.PurchaseResult{Result: ok(), Count: 0, Limit: limit}
}

func (f *fakeController) AddToCart(_ context.Context, _ product.Product, cartURL string) monitor.CartResult {
	f.note("AddToCart")
	f.mu.Lock()
	f.cartURL = cartURL
	f.mu.Unlock()
	return monitor.CartResult{Result: monitor.Result{Reason: governor.ReasonLimitReached, Error: "purchase limit reached"}, LimitReached: true}
}

func (f *fakeController) EmergencyStop(context.Context) monitor.Result {
	f.note("EmergencyStop")
	return ok()
}

func setup(t *testing.T, cfg Config) (http.Handler, *fakeController, *eventbus.MemBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctl := &fakeController{}
	bus := eventbus.New()
	return New(cfg, ctl, bus, logx.Nop()).Handler(), ctl, bus
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRoutesMapToController(t *testing.T) {
	t.Parallel()
	h, ctl, _ := setup(t, Config{})

	tests := []struct {
		method, path string
		body         any
		code         int
		call         string
	}{
		{http.MethodGet, "/api/products", nil, http.StatusOK, "GetProducts"},
		{http.MethodGet, "/api/status", nil, http.StatusOK, "GetMonitoringStatus"},
		{http.MethodPost, "/api/monitoring/start", nil, http.StatusOK, "StartMonitoring"},
		{http.MethodPost, "/api/monitoring/stop", nil, http.StatusOK, "StopMonitoring"},
		{http.MethodPost, "/api/products", map[string]any{"name": "Lamp", "url": "https://shop.example/lamp"}, http.StatusOK, "AddProduct"},
		{http.MethodDelete, "/api/products?url=https://shop.example/x", nil, http.StatusNotFound, "RemoveProduct"},
		{http.MethodPut, "/api/interval", map[string]any{"seconds": 0}, http.StatusBadRequest, "UpdateCheckInterval"},
		{http.MethodPost, "/api/check", nil, http.StatusConflict, "ForceCheck"},
		{http.MethodGet, "/api/purchases", nil, http.StatusOK, "GetPurchaseStats"},
		{http.MethodPost, "/api/purchases/reset", nil, http.StatusOK, "ResetPurchaseCount"},
		{http.MethodPut, "/api/purchases/limit", map[string]any{"limit": 5}, http.StatusOK, "UpdatePurchaseLimit"},
		{http.MethodPost, "/api/cart", map[string]any{"url": "https://shop.example/lamp", "cartUrl": "https://shop.example/cart"}, http.StatusConflict, "AddToCart"},
		{http.MethodPost, "/api/emergency-stop", nil, http.StatusOK, "EmergencyStop"},
	}
	for _, tt := range tests {
		rec := doReq(t, h, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.code, rec.Code, "%s %s: %s", tt.method, tt.path, rec.Body.String())
		calls := ctl.called()
		require.NotEmpty(t, calls)
		assert.Equal(t, tt.call, calls[len(calls)-1], "%s %s", tt.method, tt.path)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Equal(t, "https://shop.example/cart", ctl.cartURL)
	require.Len(t, ctl.products, 1)
	assert.Equal(t, "https://shop.example/lamp", ctl.products[0].ID)
}

func TestResponseCarriesReason(t *testing.T) {
	t.Parallel()
	h, _, _ := setup(t, Config{})

	body := decode(t, doReq(t, h, http.MethodPost, "/api/cart", map[string]any{"url": "https://shop.example/a"}))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "limit_reached", body["reason"])
	assert.Equal(t, true, body["limitReached"])

	body = decode(t, doReq(t, h, http.MethodGet, "/api/purchases", nil))
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["limit"])
}

func TestProductMutationsReturnList(t *testing.T) {
	t.Parallel()
	h, _, _ := setup(t, Config{})

	body := decode(t, doReq(t, h, http.MethodPost, "/api/products", map[string]any{"name": "Lamp", "url": "https://shop.example/lamp"}))
	assert.Equal(t, true, body["success"])
	require.Len(t, body["products"], 1)
	require.Len(t, body["stockStatus"], 1)
	assert.Equal(t, "https://shop.example/lamp", body["products"].([]any)[0].(map[string]any)["url"])

	rec := doReq(t, h, http.MethodDelete, "/api/products?url=https://shop.example/lamp", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Empty(t, body["products"])
	assert.Empty(t, body["stockStatus"])
}

func TestBadInput(t *testing.T) {
	t.Parallel()
	h, ctl, _ := setup(t, Config{})

	req := httptest.NewRequest(http.MethodPut, "/api/interval", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["reason"])

	rec = doReq(t, h, http.MethodDelete, "/api/products", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctl.called())
}

func TestTokenGuardsMutations(t *testing.T) {
	t.Parallel()
	h, ctl, _ := setup(t, Config{Token: "s3cret"})

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodPost, "/api/emergency-stop", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodPost, "/api/emergency-stop", nil, "Authorization", "Bearer nope").Code)
	assert.NotContains(t, ctl.called(), "EmergencyStop")

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/api/emergency-stop", nil, "Authorization", "Bearer s3cret").Code)
	assert.Contains(t, ctl.called(), "EmergencyStop")
}

func TestCustomBasePathAndMetrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "stockwatch_up 1\n") })
	h, _, _ := setup(t, Config{BasePath: "v1/", Metrics: metrics})

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/v1/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/status", nil).Code)

	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stockwatch_up")
}

func TestPprofOptIn(t *testing.T) {
	t.Parallel()
	off, _, _ := setup(t, Config{})
	assert.Equal(t, http.StatusNotFound, doReq(t, off, http.MethodGet, "/debug/pprof/", nil).Code)

	on, _, _ := setup(t, Config{Pprof: true})
	assert.Equal(t, http.StatusOK, doReq(t, on, http.MethodGet, "/debug/pprof/", nil).Code)
}

func TestWebsocketStreamsStockUpdates(t *testing.T) {
	t.Parallel()
	h, ctl, bus := setup(t, Config{})
	ctl.products = []product.Product{{ID: "https://shop.example/a", Name: "a", URL: "https://shop.example/a"}}

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, eventbus.StockStatusUpdate, first.Type)
	assert.Len(t, first.Data, 1)

	// Unrelated events are not forwarded.
	bus.Publish(eventbus.Event{Type: eventbus.CheckoutFinished, Time: time.Now()})
	bus.Publish(eventbus.Event{Type: eventbus.StockStatusUpdate, Time: time.Now(), Data: []stockstate.Record{{ProductID: "x", InStock: true}, {ProductID: "y"}}})

	var next struct {
		Type string              `json:"type"`
		Data []stockstate.Record `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, eventbus.StockStatusUpdate, next.Type)
	require.Len(t, next.Data, 2)
	assert.True(t, next.Data[0].InStock)
}
