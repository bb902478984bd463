package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/obs"
)

// Outcome is the provider-neutral result carried by a SettlementEvent.
type Outcome string

const (
	OutcomeCompleted            Outcome = "completed"
	OutcomeFailed               Outcome = "failed"
	OutcomeSubscriptionCreated  Outcome = "subscription_created"
	OutcomeSubscriptionDisabled Outcome = "subscription_disabled"
	OutcomeSubscriptionEnabled  Outcome = "subscription_enabled"
	OutcomeInvoiceCreated       Outcome = "invoice_created"
	OutcomeInvoicePaymentFailed Outcome = "invoice_payment_failed"
	// Informational outcomes are logged but require no settlement change.
	OutcomeSubscriptionUpdated Outcome = "subscription_updated"
	OutcomeSubscriptionDeleted Outcome = "subscription_deleted"
	OutcomeUnhandled           Outcome = "unhandled"
)

// Forwardable reports whether the outcome is handed to the SettlementHandler.
func (o Outcome) Forwardable() bool {
	switch o {
	case OutcomeSubscriptionUpdated, OutcomeSubscriptionDeleted, OutcomeUnhandled, "":
		return false
	}
	return true
}

// SettlementEvent is the normalized output of webhook ingestion.
type SettlementEvent struct {
	Reference  string          `json:"reference"`
	Provider   ProviderID      `json:"provider"`
	Outcome    Outcome         `json:"outcome"`
	EventType  string          `json:"event_type"`
	EventID    string          `json:"event_id,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// SettlementHandler applies settlement events. Deliveries are at-least-once, so
// implementations must be idempotent on (provider, reference, outcome).
type SettlementHandler interface {
	ApplySettlement(ctx context.Context, evt SettlementEvent) error
}

// SettlementHandlerFunc adapts a function to SettlementHandler.
type SettlementHandlerFunc func(ctx context.Context, evt SettlementEvent) error

func (f SettlementHandlerFunc) ApplySettlement(ctx context.Context, evt SettlementEvent) error {
	return f(ctx, evt)
}

// InboundWebhookEvent is one HTTP delivery. ParsedType and ParsedPayload are filled
// during normalization, never before the signature check.
type InboundWebhookEvent struct {
	Provider        ProviderID
	RawBody         []byte
	SignatureHeader string
	ParsedType      string
	ParsedPayload   json.RawMessage
}

// WebhookState tracks a delivery through ingestion.
type WebhookState string

const (
	StateReceived   WebhookState = "RECEIVED"
	StateVerified   WebhookState = "VERIFIED"
	StateNormalized WebhookState = "NORMALIZED"
	StateDispatched WebhookState = "DISPATCHED"
	StateRejected   WebhookState = "REJECTED"
)

// Normalizer decodes a verified body into a SettlementEvent. It must return an error
// wrapping ErrMalformedPayload when no event type can be recognized.
type Normalizer func(in *InboundWebhookEvent) (SettlementEvent, error)

// WebhookSource binds a provider to its verifier, signature headers and normalizer.
type WebhookSource struct {
	Provider  ProviderID
	Verifier  SignatureVerifier
	Headers   []string
	Normalize Normalizer
}

// AfricaPayWebhookSource verifies hex HMAC-SHA512 signatures.
func AfricaPayWebhookSource(secret string) WebhookSource {
	return WebhookSource{
		Provider:  AfricaPay,
		Verifier:  HMACVerifier{Secret: secret},
		Headers:   []string{"X-Africapay-Signature", "X-Paystack-Signature"},
		Normalize: normalizeAfricaPay,
	}
}

// CardNetWebhookSource verifies timestamped signatures no older than tolerance.
func CardNetWebhookSource(secret string, tolerance time.Duration) WebhookSource {
	return WebhookSource{
		Provider:  CardNet,
		Verifier:  TimestampVerifier{Secret: secret, Tolerance: tolerance},
		Headers:   []string{"X-Cardnet-Signature", "Stripe-Signature"},
		Normalize: normalizeCardNet,
	}
}

// DispatchResult reports where a delivery ended up. Forwarded is true only when the
// SettlementHandler accepted the event.
type DispatchResult struct {
	State     WebhookState
	Event     *SettlementEvent
	Forwarded bool
	Err       error
}

// Dispatcher authenticates, normalizes and forwards provider webhooks. It does not
// deduplicate: every authenticated delivery reaches the handler.
type Dispatcher struct {
	sources map[ProviderID]WebhookSource
	handler SettlementHandler
	logger  zerolog.Logger
}

// NewDispatcher registers sources by provider; a later source for the same provider wins.
func NewDispatcher(handler SettlementHandler, logger zerolog.Logger, sources ...WebhookSource) *Dispatcher {
	d := &Dispatcher{
		sources: make(map[ProviderID]WebhookSource, len(sources)),
		handler: handler,
		logger:  logger,
	}
	for _, src := range sources {
		d.sources[ParseProviderID(string(src.Provider))] = src
	}
	return d
}

// Dispatch runs one delivery through the state machine.
func (d *Dispatcher) Dispatch(ctx context.Context, in InboundWebhookEvent) (res DispatchResult) {
	ctx, span := otel.Tracer("payment.Dispatcher").Start(ctx, "WebhookDispatcher.Dispatch")
	provider := ParseProviderID(string(in.Provider))
	res.State = StateReceived
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("provider", provider.String()).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("webhook_dispatch_panic")
			res.Forwarded = false
			res.Err = fmt.Errorf("payment: webhook dispatch panic: %v", r)
		}
		outcome := ""
		if res.Event != nil {
			outcome = string(res.Event.Outcome)
			span.SetAttributes(attribute.String("payment.reference", res.Event.Reference))
		}
		span.SetAttributes(
			attribute.String("payment.provider", normaliseLabel(provider.String())),
			attribute.String("webhook.state", string(res.State)),
			attribute.String("webhook.outcome", outcome),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.State))
		}
		span.End()
		obs.CountWebhook(normaliseLabel(provider.String()), string(res.State), outcome)
	}()

	src, ok := d.sources[provider]
	if !ok {
		res.State = StateRejected
		res.Err = &UnsupportedProviderError{Provider: provider}
		return res
	}
	log := d.logger.With().Str("provider", provider.String()).Logger()

	if src.Verifier == nil || !src.Verifier.Verify(in.RawBody, in.SignatureHeader) {
		res.State = StateRejected
		res.Err = ErrSignatureVerification
		log.Warn().Int("bytes", len(in.RawBody)).Msg("webhook_signature_rejected")
		return res
	}
	res.State = StateVerified

	evt, err := src.Normalize(&in)
	if err != nil {
		res.State = StateRejected
		if !errors.Is(err, ErrMalformedPayload) {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		res.Err = err
		log.Warn().Err(err).Msg("webhook_payload_malformed")
		return res
	}
	evt.Provider = provider
	res.State = StateNormalized
	res.Event = &evt

	entry := log.Info().
		Str("event_type", evt.EventType).
		Str("event_id", evt.EventID).
		Str("reference", evt.Reference).
		Str("outcome", string(evt.Outcome))
	if !evt.Outcome.Forwardable() {
		entry.Msg("webhook_acknowledged")
		res.State = StateDispatched
		return res
	}
	if strings.TrimSpace(evt.Reference) == "" {
		log.Warn().
			Str("event_type", evt.EventType).
			Str("event_id", evt.EventID).
			Msg("webhook_reference_missing")
		res.State = StateDispatched
		return res
	}
	if d.handler == nil {
		res.Err = errors.New("payment: no settlement handler configured")
		log.Error().Err(res.Err).Msg("webhook_dispatch_failed")
		return res
	}
	if err := d.handler.ApplySettlement(ctx, evt); err != nil {
		res.Err = err
		log.Error().Err(err).Str("reference", evt.Reference).Str("outcome", string(evt.Outcome)).Msg("webhook_dispatch_failed")
		return res
	}
	entry.Msg("webhook_dispatched")
	res.State = StateDispatched
	res.Forwarded = true
	return res
}

// Handler returns the HTTP endpoint for provider. Status codes: 200 once dispatched or
// acknowledged, 401 bad signature, 400 malformed payload, 404 provider without a source,
// 500 when the settlement handler fails so the provider redelivers.
func (d *Dispatcher) Handler(provider ProviderID) http.HandlerFunc {
	provider = ParseProviderID(string(provider))
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := d.sources[provider]
		if !ok {
			common.JSONError(w, http.StatusNotFound, "GATEWAY_NOT_SUPPORTED", "unknown gateway", nil)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body too large", nil)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
			return
		}
		header := ""
		for _, name := range src.Headers {
			if header = strings.TrimSpace(r.Header.Get(name)); header != "" {
				break
			}
		}

		res := d.Dispatch(r.Context(), InboundWebhookEvent{Provider: provider, RawBody: body, SignatureHeader: header})
		switch {
		case res.Err == nil:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "OK")
		case errors.Is(res.Err, ErrSignatureVerification):
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		case errors.Is(res.Err, ErrMalformedPayload):
			common.JSONError(w, http.StatusBadRequest, "MALFORMED_PAYLOAD", "webhook payload not recognized", nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_PROCESSING_FAILED", "webhook could not be processed", nil)
		}
	}
}

var africaPayOutcomes = map[string]Outcome{
	"charge.success":         OutcomeCompleted,
	"charge.failed":          OutcomeFailed,
	"subscription.create":    OutcomeSubscriptionCreated,
	"subscription.disable":   OutcomeSubscriptionDisabled,
	"subscription.enable":    OutcomeSubscriptionEnabled,
	"invoice.create":         OutcomeInvoiceCreated,
	"invoice.payment_failed": OutcomeInvoicePaymentFailed,
}

var cardNetOutcomes = map[string]Outcome{
	"payment_intent.succeeded":      OutcomeCompleted,
	"charge.succeeded":              OutcomeCompleted,
	"payment_intent.payment_failed": OutcomeFailed,
	"charge.failed":                 OutcomeFailed,
	"customer.subscription.created": OutcomeSubscriptionCreated,
	"customer.subscription.updated": OutcomeSubscriptionUpdated,
	"customer.subscription.deleted": OutcomeSubscriptionDeleted,
	"invoice.created":               OutcomeInvoiceCreated,
	"invoice.payment_succeeded":     OutcomeCompleted,
	"invoice.payment_failed":        OutcomeInvoicePaymentFailed,
}

func normalizeAfricaPay(in *InboundWebhookEvent) (SettlementEvent, error) {
	var body struct {
		Event string `json:"event"`
		Data  struct {
			ID               json.RawMessage `json:"id"`
			Reference        string          `json:"reference"`
			SubscriptionCode string          `json:"subscription_code"`
			InvoiceCode      string          `json:"invoice_code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(in.RawBody, &body); err != nil {
		return SettlementEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	eventType := strings.TrimSpace(body.Event)
	if eventType == "" {
		return SettlementEvent{}, fmt.Errorf("%w: missing event field", ErrMalformedPayload)
	}
	in.ParsedType = eventType
	in.ParsedPayload = json.RawMessage(in.RawBody)
	evt := SettlementEvent{
		Reference:  firstNonEmpty(body.Data.Reference, body.Data.SubscriptionCode, body.Data.InvoiceCode),
		Outcome:    outcomeFor(africaPayOutcomes, eventType),
		EventType:  eventType,
		RawPayload: json.RawMessage(in.RawBody),
	}
	// Deliveries carry no event id. A charge's data.id is its transaction; subscription
	// and invoice ids repeat across state changes, so they do not identify an event.
	if strings.HasPrefix(strings.ToLower(eventType), "charge.") {
		evt.EventID = rawID(body.Data.ID)
	}
	return evt, nil
}

func normalizeCardNet(in *InboundWebhookEvent) (SettlementEvent, error) {
	var body struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(in.RawBody, &body); err != nil {
		return SettlementEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	eventType := strings.TrimSpace(body.Type)
	if eventType == "" {
		return SettlementEvent{}, fmt.Errorf("%w: missing type field", ErrMalformedPayload)
	}
	in.ParsedType = eventType
	in.ParsedPayload = json.RawMessage(in.RawBody)
	return SettlementEvent{
		Reference:  firstNonEmpty(body.Data.Object.Metadata["reference"], body.Data.Object.ID),
		Outcome:    outcomeFor(cardNetOutcomes, eventType),
		EventType:  eventType,
		EventID:    body.ID,
		RawPayload: json.RawMessage(in.RawBody),
	}, nil
}

func outcomeFor(table map[string]Outcome, eventType string) Outcome {
	if o, ok := table[strings.ToLower(eventType)]; ok {
		return o
	}
	return OutcomeUnhandled
}

// rawID renders a numeric or string JSON id.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}
