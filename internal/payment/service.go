package payment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/paygate/internal/obs"
)

// Service is the single entry point callers use for payment operations. It validates
// input, picks a provider through the Router and delegates to that provider's adapter.
// Client-reported payment success is never trusted: only VerifyPayment and webhooks
// establish settlement.
type Service struct {
	Router   *Router
	Validate *validator.Validate
	Logger   zerolog.Logger
	// NewReference generates references for requests that omit one.
	NewReference func() string
}

// NewService wires a Service with a validator that reports JSON field names.
func NewService(router *Router, logger zerolog.Logger) *Service {
	return &Service{
		Router:       router,
		Validate:     NewValidator(),
		Logger:       logger,
		NewReference: NewReference,
	}
}

// NewValidator returns a validator whose errors name fields by their json tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewReference returns 32 lowercase hex characters from a random UUID.
func NewReference() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InitializePayment opens a payment with the resolved provider.
func (s *Service) InitializePayment(ctx context.Context, req PaymentRequest) (res PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.InitializePayment")
	var provider ProviderID
	defer s.finish(ctx, span, "initialize", &provider, &err)

	req.Email = strings.TrimSpace(req.Email)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Country = strings.ToUpper(strings.TrimSpace(req.Country))
	req.Reference = strings.TrimSpace(req.Reference)
	if err := s.validate(req); err != nil {
		return PaymentResult{}, err
	}
	if !req.Amount.IsPositive() {
		return PaymentResult{}, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	adapter, err := s.Router.Select(RouteHint{Provider: req.Provider, Country: req.Country, Currency: req.Currency})
	if err != nil {
		return PaymentResult{}, err
	}
	provider = adapter.ID()
	req.Provider = provider
	if req.Reference == "" {
		req.Reference = s.reference()
	}
	span.SetAttributes(attribute.String("payment.reference", req.Reference))

	res, err = adapter.Initialize(ctx, req)
	if err != nil {
		return PaymentResult{}, wrapProviderError(provider, "initialize", err)
	}
	res.Provider = provider
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	return res, nil
}

// VerifyPayment asks the provider for the authoritative status of reference.
func (s *Service) VerifyPayment(ctx context.Context, reference string, gateway ProviderID) (res PaymentResult, err error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.VerifyPayment")
	provider := ParseProviderID(string(gateway))
	defer s.finish(ctx, span, "verify", &provider, &err)

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentResult{}, &ValidationError{Field: "reference", Reason: "is required"}
	}
	if provider == "" {
		return PaymentResult{}, &ValidationError{Field: "gateway", Reason: "is required"}
	}
	adapter, err := s.Router.Adapter(provider)
	if err != nil {
		return PaymentResult{}, err
	}
	span.SetAttributes(attribute.String("payment.reference", reference))

	res, err = adapter.Verify(ctx, reference)
	if err != nil {
		return PaymentResult{}, wrapProviderError(provider, "verify", err)
	}
	res.Provider = provider
	return res, nil
}

// CreateCustomer registers a customer with the requested or default provider.
func (s *Service) CreateCustomer(ctx context.Context, req CustomerRequest) (rec CustomerRecord, err error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateCustomer")
	var provider ProviderID
	defer s.finish(ctx, span, "create_customer", &provider, &err)

	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate(req); err != nil {
		return CustomerRecord{}, err
	}
	adapter, err := s.Router.Select(RouteHint{Provider: req.Provider})
	if err != nil {
		return CustomerRecord{}, err
	}
	provider = adapter.ID()
	rec, err = adapter.CreateCustomer(ctx, req)
	if err != nil {
		return CustomerRecord{}, wrapProviderError(provider, "create_customer", err)
	}
	rec.Provider = provider
	return rec, nil
}

// CreatePlan creates a recurring plan. An empty currency defaults to the provider's
// first supported currency.
func (s *Service) CreatePlan(ctx context.Context, req PlanRequest) (rec PlanRecord, err error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreatePlan")
	var provider ProviderID
	defer s.finish(ctx, span, "create_plan", &provider, &err)

	req.Name = strings.TrimSpace(req.Name)
	req.Interval = strings.ToLower(strings.TrimSpace(req.Interval))
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validate(req); err != nil {
		return PlanRecord{}, err
	}
	if !req.Amount.IsPositive() {
		return PlanRecord{}, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	adapter, err := s.Router.Select(RouteHint{Provider: req.Provider, Currency: req.Currency})
	if err != nil {
		return PlanRecord{}, err
	}
	provider = adapter.ID()
	if req.Currency == "" {
		if d, ok := adapter.(Describer); ok && len(d.Capabilities().Currencies) > 0 {
			req.Currency = d.Capabilities().Currencies[0]
		} else {
			return PlanRecord{}, &ValidationError{Field: "currency", Reason: "is required"}
		}
	}
	rec, err = adapter.CreatePlan(ctx, req)
	if err != nil {
		return PlanRecord{}, wrapProviderError(provider, "create_plan", err)
	}
	rec.Provider = provider
	return rec, nil
}

// GatewayStatus is the outcome of a connectivity probe.
type GatewayStatus struct {
	Provider  ProviderID `json:"gateway"`
	Reachable bool       `json:"reachable"`
	LatencyMS int64      `json:"latency_ms"`
	Message   string     `json:"message"`
}

// TestGateway probes the provider's API with the configured credentials. Provider
// failures are reported in the status rather than as an error.
func (s *Service) TestGateway(ctx context.Context, gateway ProviderID) (status GatewayStatus, err error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.TestGateway")
	provider := ParseProviderID(string(gateway))
	defer s.finish(ctx, span, "probe", &provider, &err)

	adapter, err := s.Router.Adapter(provider)
	if err != nil {
		return GatewayStatus{}, err
	}
	status = GatewayStatus{Provider: provider}
	prober, ok := adapter.(Prober)
	if !ok {
		status.Message = "gateway does not support connectivity checks"
		return status, nil
	}
	start := time.Now()
	probeErr := prober.Probe(ctx)
	status.LatencyMS = time.Since(start).Milliseconds()
	if probeErr != nil {
		status.Message = "connection failed"
		var pre *ProviderRequestError
		if errors.As(probeErr, &pre) && pre.Detail != "" {
			status.Message = "connection failed: " + pre.Detail
		}
		span.RecordError(probeErr)
		return status, nil
	}
	status.Reachable = true
	status.Message = "connection successful"
	return status, nil
}

// GatewayInfo describes one enabled provider for clients.
type GatewayInfo struct {
	ID           ProviderID    `json:"id"`
	Default      bool          `json:"default"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Gateways lists the enabled providers in configuration order.
func (s *Service) Gateways() []GatewayInfo {
	reg := s.Router.Registry()
	enabled := reg.Enabled()
	out := make([]GatewayInfo, 0, len(enabled))
	for _, id := range enabled {
		info := GatewayInfo{ID: id, Default: id == reg.Default()}
		if a, err := s.Router.Adapter(id); err == nil {
			if d, ok := a.(Describer); ok {
				caps := d.Capabilities()
				info.Capabilities = &caps
			}
		}
		out = append(out, info)
	}
	return out
}

// Recommend returns the provider that would serve a request without an explicit choice.
func (s *Service) Recommend(country, currency string) ProviderID {
	return s.Router.Registry().Recommend(country, currency)
}

func (s *Service) validate(v any) error {
	validate := s.Validate
	if validate == nil {
		validate = NewValidator()
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: validationReason(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "alpha":
		return "must contain letters only"
	case "url":
		return "must be an absolute URL"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}

func (s *Service) reference() string {
	if s.NewReference != nil {
		if ref := s.NewReference(); ref != "" {
			return ref
		}
	}
	return NewReference()
}

// finish closes the span, counts the operation and turns a panic into an error so no
// provider failure escapes the service boundary.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, provider *ProviderID, errp *error) {
	if r := recover(); r != nil {
		s.log(ctx).Error().
			Str("operation", op).
			Str("provider", provider.String()).
			Str("panic", fmt.Sprint(r)).
			Bytes("stack", debug.Stack()).
			Msg("payment_operation_panic")
		*errp = &ProviderRequestError{Provider: *provider, Op: op, Err: fmt.Errorf("panic: %v", r)}
	}
	result := resultLabel(*errp)
	span.SetAttributes(
		attribute.String("payment.provider", normaliseLabel(provider.String())),
		attribute.String("payment.operation", op),
		attribute.String("payment.result", result),
	)
	if err := *errp; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		var pre *ProviderRequestError
		if errors.As(err, &pre) {
			s.log(ctx).Warn().Err(err).Str("operation", op).Str("provider", provider.String()).Msg("payment_provider_error")
		}
	}
	span.End()
	obs.CountOperation(normaliseLabel(provider.String()), op, result)
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.Logger
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var (
		ve  *ValidationError
		upe *UnsupportedProviderError
	)
	switch {
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &upe):
		return "unsupported"
	}
	return "provider_error"
}

func normaliseLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
