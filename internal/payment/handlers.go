package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/common"
)

// Handler exposes the payment operations over HTTP.
type Handler struct {
	Svc *Service
}

type envelope struct {
	Success bool       `json:"success"`
	Gateway ProviderID `json:"gateway,omitempty"`
	Data    any        `json:"data"`
}

// Routes mounts the payment endpoints on r. mutating wraps the POST endpoints that
// open payments (idempotency, rate limiting).
func (h *Handler) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.Get("/gateways", h.Gateways)
	r.Get("/recommended-gateway", h.Recommended)
	r.Get("/test/{gateway}", h.Test)
	r.Post("/verify", h.Verify)
	r.Group(func(r chi.Router) {
		r.Use(mutating...)
		r.Post("/initialize", h.Initialize)
		r.Post("/customers", h.CreateCustomer)
		r.Post("/plans", h.CreatePlan)
	})
}

// Gateways lists the default and enabled gateways with their public keys and capabilities.
func (h *Handler) Gateways(w http.ResponseWriter, _ *http.Request) {
	infos := h.Svc.Gateways()
	enabled := make([]ProviderID, 0, len(infos))
	publicKeys := map[ProviderID]string{}
	for _, info := range infos {
		enabled = append(enabled, info.ID)
		if info.Capabilities != nil && info.Capabilities.PublicKey != "" {
			publicKeys[info.ID] = info.Capabilities.PublicKey
		}
	}
	common.JSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"default_gateway":  h.Svc.Router.Registry().Default(),
		"enabled_gateways": enabled,
		"public_keys":      publicKeys,
		"gateways":         infos,
	}})
}

// Recommended returns the gateway chosen for ?country=&currency= without an override.
func (h *Handler) Recommended(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := h.Svc.Recommend(q.Get("country"), q.Get("currency"))
	common.JSON(w, http.StatusOK, envelope{Success: true, Gateway: id, Data: map[string]any{
		"recommended_gateway": id,
	}})
}

func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	res, err := h.Svc.InitializePayment(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, envelope{Success: true, Gateway: res.Provider, Data: res})
}

type verifyRequest struct {
	Reference string     `json:"reference"`
	Gateway   ProviderID `json:"gateway"`
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	res, err := h.Svc.VerifyPayment(r.Context(), req.Reference, req.Gateway)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, envelope{Success: true, Gateway: res.Provider, Data: res})
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	rec, err := h.Svc.CreateCustomer(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, envelope{Success: true, Gateway: rec.Provider, Data: rec})
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	rec, err := h.Svc.CreatePlan(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, envelope{Success: true, Gateway: rec.Provider, Data: rec})
}

// Test runs a connectivity probe; an unreachable gateway answers 503.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	status, err := h.Svc.TestGateway(r.Context(), ProviderID(chi.URLParam(r, "gateway")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if !status.Reachable {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, envelope{Success: status.Reachable, Gateway: status.Provider, Data: status})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *ValidationError
		upe *UnsupportedProviderError
		pre *ProviderRequestError
	)
	switch {
	case errors.As(err, &ve):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", ve.Error(), map[string]string{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	case errors.As(err, &upe):
		common.JSONError(w, http.StatusBadRequest, "GATEWAY_NOT_SUPPORTED", upe.Error(), map[string]string{
			"gateway": strings.TrimSpace(string(upe.Provider)),
		})
	case errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", "payment provider timed out", nil)
	case errors.As(err, &pre):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_ERROR", "payment provider request failed", map[string]string{
			"gateway": string(pre.Provider),
		})
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("payment_request_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
