// Package api exposes the coordinator over HTTP. Routes follow the
// convention of holder-scoped item operations and reviewer-scoped order
// operations; mutating endpoints honor the Idempotency-Key header.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// IdempotencyKeyHeader carries the client's at-most-once token
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler serves the work manager API
type Handler struct {
	store store.Store
	coord *coordinator.Coordinator
}

// NewHandler creates an API handler over the coordinator
func NewHandler(st store.Store, coord *coordinator.Coordinator) *Handler {
	return &Handler{store: st, coord: coord}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Order routes
	r.HandleFunc("/api/v1/orders", h.ProposeOrder).Methods("POST")
	r.HandleFunc("/api/v1/orders", h.ListOrders).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}", h.GetOrder).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}/items", h.ListOrderItems).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}/events", h.ListOrderEvents).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}/approve", h.ApproveOrder).Methods("POST")
	r.HandleFunc("/api/v1/orders/{id}/reject", h.RejectOrder).Methods("POST")
	r.HandleFunc("/api/v1/orders/{id}/dead-letter", h.DeadLetterOrder).Methods("POST")

	// Item routes (specific before parameterized)
	r.HandleFunc("/api/v1/items/checkout", h.CheckoutItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}", h.GetItem).Methods("GET")
	r.HandleFunc("/api/v1/items/{id}/heartbeat", h.HeartbeatItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/submit", h.SubmitItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/parts", h.SubmitPart).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/parts", h.ListParts).Methods("GET")
	r.HandleFunc("/api/v1/items/{id}/finalize", h.FinalizeItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/fail", h.FailItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/release", h.ReleaseItem).Methods("POST")
	r.HandleFunc("/api/v1/items/{id}/retry", h.RetryItem).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// ProposeOrder creates and plans a new order
func (h *Handler) ProposeOrder(w http.ResponseWriter, r *http.Request) {
	var req models.ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	order, err := h.coord.Propose(req, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders lists orders, optionally filtered by state and type
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := store.OrderFilter{Type: r.URL.Query().Get("type")}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.States = []models.OrderState{models.OrderState(state)}
	}
	orders, err := h.store.ListOrders(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders, "count": len(orders)})
}

// GetOrder returns one order
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.store.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrderItems returns an order's items
func (h *Handler) ListOrderItems(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	if _, err := h.store.GetOrder(orderID); err != nil {
		writeError(w, err)
		return
	}
	items, err := h.store.ListItems(store.ItemFilter{OrderID: orderID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// ListOrderEvents returns an order's audit trail
func (h *Handler) ListOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	if _, err := h.store.GetOrder(orderID); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.store.ListEvents(store.EventFilter{OrderID: orderID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// ApproveOrder runs the strategic gate and applies the order
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	order, diff, err := h.coord.Approve(mux.Vars(r)["id"],
		models.Actor{Type: "user", ID: req.ApprovedBy}, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order, "diff": diff})
}

type rejectRequest struct {
	RejectedBy  string   `json:"rejected_by"`
	Reasons     []string `json:"reasons"`
	AllowRework bool     `json:"allow_rework"`
}

// RejectOrder declines a submitted order, optionally requeueing it for rework
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	order, err := h.coord.Reject(mux.Vars(r)["id"],
		models.Actor{Type: "user", ID: req.RejectedBy}, req.Reasons, req.AllowRework,
		r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// DeadLetterOrder parks an order for manual intervention
func (h *Handler) DeadLetterOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	order, err := h.coord.DeadLetterOrder(mux.Vars(r)["id"],
		models.Actor{Type: "user", ID: req.Actor}, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type checkoutRequest struct {
	OrderID    string `json:"order_id,omitempty"`
	Holder     string `json:"holder"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// CheckoutItem leases the next available item for a holder
func (h *Handler) CheckoutItem(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Holder == "" {
		http.Error(w, "holder is required", http.StatusBadRequest)
		return
	}
	item, err := h.coord.Checkout(req.OrderID, req.Holder, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// GetItem returns one item
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetItem(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type heartbeatRequest struct {
	Holder     string `json:"holder"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// HeartbeatItem extends the holder's lease
func (h *Handler) HeartbeatItem(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.coord.Heartbeat(mux.Vars(r)["id"], req.Holder, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type submitRequest struct {
	Holder string                 `json:"holder"`
	Result map[string]interface{} `json:"result"`
}

// SubmitItem stores a complete result for a held item
func (h *Handler) SubmitItem(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.coord.Submit(mux.Vars(r)["id"], req.Holder, req.Result, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type submitPartRequest struct {
	Holder   string                 `json:"holder"`
	PartKey  string                 `json:"part_key"`
	Seq      int                    `json:"seq,omitempty"`
	Payload  map[string]interface{} `json:"payload"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// SubmitPart stores one incremental result fragment
func (h *Handler) SubmitPart(w http.ResponseWriter, r *http.Request) {
	var req submitPartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	part, err := h.coord.SubmitPart(mux.Vars(r)["id"], req.Holder, req.PartKey, req.Seq,
		req.Payload, req.Evidence, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, part)
}

// ListParts returns an item's submitted parts
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	item, err := h.store.GetItem(itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	parts, err := h.store.ListParts(itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"parts": parts, "count": len(parts), "parts_state": item.PartsState,
	})
}

type finalizeRequest struct {
	Holder string `json:"holder"`
	Mode   string `json:"mode,omitempty"`
}

// FinalizeItem assembles parts into the item's result and submits it
func (h *Handler) FinalizeItem(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	mode := assembler.FinalizeStrict
	if req.Mode == string(assembler.FinalizeLenient) {
		mode = assembler.FinalizeLenient
	}
	item, err := h.coord.Finalize(mux.Vars(r)["id"], req.Holder, mode, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type failRequest struct {
	Holder string           `json:"holder"`
	Error  models.ItemError `json:"error"`
}

// FailItem records a holder-reported failure
func (h *Handler) FailItem(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.coord.Fail(mux.Vars(r)["id"], req.Holder, req.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ReleaseItem gives a held item back to the queue
func (h *Handler) ReleaseItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Holder string `json:"holder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.coord.ReleaseItem(mux.Vars(r)["id"], req.Holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryItem manually requeues a failed item
func (h *Handler) RetryItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	item, err := h.coord.RetryItem(mux.Vars(r)["id"], models.Actor{Type: "user", ID: req.Actor})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Health reports liveness and store health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
