package httppresentation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/application"
	appInventory "github.com/Zhima-Mochi/macguffin-orders/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/macguffin-orders/internal/application/order"
	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability"
	"github.com/Zhima-Mochi/macguffin-orders/internal/observability/logctx"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type (
	PlaceOrder   = application.UseCase[appOrder.PlaceOrderInput, *appOrder.PlaceOrderResult]
	GetInventory = application.UseCase[struct{}, store.Record]
)

type Handler struct {
	placeOrder   PlaceOrder
	getInventory GetInventory
	log          observability.Logger
	metrics      observability.Metrics
}

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerTenantID       = "X-Tenant-ID"
	tracerName           = "macguffin.http"
	maxBodyBytes         = 1 << 20

	inventoryNotFound = "MacGuffin Not Found!"
	paymentSuccess    = "Payment Success!"
)

const orderSchemaURL = "mem://macguffin/order.json"

const orderSchema = `{
  "type": "object",
  "required": ["customerId", "quantity"],
  "properties": {
    "customerId": {"type": "string", "minLength": 1, "pattern": "^[^|]+$"},
    "quantity": {"type": "integer", "minimum": 1},
    "item": {"type": "string", "minLength": 1},
    "model": {"type": "string", "minLength": 1}
  }
}`

var compiledOrderSchema = jsonschema.MustCompileString(orderSchemaURL, orderSchema)

func NewHandler(placeOrder PlaceOrder, getInventory GetInventory, tel observability.Observability) *Handler {
	tel = observability.Or(tel)
	return &Handler{
		placeOrder:   placeOrder,
		getInventory: getInventory,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		metrics:      tel.Metrics(),
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → request logger → access log → HTTP metrics → handler
	h.muxHandle(mux, http.MethodGet, "/inventory", h.handleGetInventory)
	h.muxHandle(mux, http.MethodPost, "/orders", h.handlePlaceOrder)
	h.muxHandle(mux, http.MethodPost, "/payments", h.handlePayment)
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			func(r *http.Request) string { return r.Header.Get(headerTenantID) },
		)(
			h.withAccessLog(
				h.withHTTPMetrics(handler),
			),
		),
	)
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Stable route template for low-cardinality labels.
		r = r.WithContext(contextWithRoute(r.Context(), method+" "+route))
		wrapped.ServeHTTP(w, r)
	})
}

func (h *Handler) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.getInventory.Execute(r.Context(), struct{}{})
	switch {
	case errors.Is(err, appInventory.ErrNotFound):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, inventoryNotFound)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

type placeOrderRequest struct {
	CustomerID string `json:"customerId"`
	Quantity   int64  `json:"quantity"`
	Item       string `json:"item,omitempty"`
	Model      string `json:"model,omitempty"`
}

type placeOrderResponse struct {
	Message string       `json:"message"`
	Order   store.Record `json:"order"`
}

func (h *Handler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeValidated(r, compiledOrderSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.placeOrder.Execute(r.Context(), appOrder.PlaceOrderInput{
		CustomerID: req.CustomerID,
		Quantity:   req.Quantity,
		Item:       req.Item,
		Model:      req.Model,
	})
	switch {
	case errors.Is(err, appOrder.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, placeOrderResponse{Message: "Order created!", Order: res.Record})
	}
}

type paymentResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// handlePayment is the stand-in payment provider the dispatcher calls by default.
func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodyBytes))
	writeJSON(w, http.StatusOK, paymentResponse{Message: paymentSuccess, StatusCode: http.StatusOK})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer(tracerName)
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected instruments.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	requests := h.metrics.Counter(observability.MHTTPRequests)
	durations := h.metrics.Histogram(observability.MHTTPRequestDuration)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		requests.Add(1, labels...)
		durations.Observe(time.Since(start).Seconds(), labels...)
	})
}

// decodeValidated checks the body against schema before decoding it into dst.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type routeKey struct{}

func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
