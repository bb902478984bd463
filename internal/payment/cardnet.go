package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/resilience"
)

// CardNetConfig configures the CardNet adapter.
type CardNetConfig struct {
	SecretKey      string
	PublishableKey string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// CardNetAdapter drives the card-network processor through its Go SDK.
type CardNetAdapter struct {
	api            *client.API
	publishableKey string
	logger         zerolog.Logger
	retryDelay     time.Duration
}

// NewCardNet builds the adapter. SDK-level retries are disabled; transient verification
// failures are retried once by the adapter itself.
func NewCardNet(cfg CardNetConfig) *CardNetAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger.With().Str("provider", string(CardNet)).Logger()
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{Provider: string(CardNet), Logger: &logger})
		httpClient = resilience.NewProviderHTTPClient(timeout, breaker)
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     obs.LeveledLogger{Logger: logger},
		EnableTelemetry:   stripe.Bool(false),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &CardNetAdapter{
		api:            client.New(strings.TrimSpace(cfg.SecretKey), backends),
		publishableKey: strings.TrimSpace(cfg.PublishableKey),
		logger:         logger,
		retryDelay:     200 * time.Millisecond,
	}
}

func (c *CardNetAdapter) ID() ProviderID { return CardNet }

func (c *CardNetAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsSubscriptions: true,
		Currencies:            []string{"USD", "EUR", "GBP", "CAD", "AUD"},
		PublicKey:             c.publishableKey,
	}
}

func (c *CardNetAdapter) Initialize(ctx context.Context, req PaymentRequest) (res PaymentResult, err error) {
	exp := MinorUnitExponent(req.Currency)
	minor, err := ToMinorUnits(req.Amount, exp)
	if err != nil {
		return PaymentResult{}, err
	}
	defer c.observe("initialize", time.Now(), &err)

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minor),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		ReceiptEmail:       stripe.String(req.Email),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	params.SetIdempotencyKey("initialize-" + req.Reference)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return PaymentResult{}, c.mapError("initialize", err)
	}
	res = c.result(pi)
	res.Reference = req.Reference
	return res, nil
}

// Verify accepts either a native payment intent id or our reference. References are
// resolved through the metadata search index, which trails writes by up to a minute, so
// a verify issued right after Initialize should pass ProviderNativeID.
func (c *CardNetAdapter) Verify(ctx context.Context, reference string) (PaymentResult, error) {
	return retryTransient(ctx, c.retryDelay, func() (res PaymentResult, err error) {
		defer c.observe("verify", time.Now(), &err)
		pi, err := c.lookup(ctx, reference)
		if err != nil {
			return PaymentResult{}, err
		}
		res = c.result(pi)
		if res.Reference == "" {
			res.Reference = reference
		}
		return res, nil
	})
}

func (c *CardNetAdapter) lookup(ctx context.Context, reference string) (*stripe.PaymentIntent, error) {
	if strings.HasPrefix(reference, "pi_") {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := c.api.PaymentIntents.Get(reference, params)
		if err != nil {
			return nil, c.mapError("verify", err)
		}
		return pi, nil
	}
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = "metadata['reference']:'" + strings.ReplaceAll(reference, "'", `\'`) + "'"
	params.Limit = stripe.Int64(1)
	iter := c.api.PaymentIntents.Search(params)
	if iter.Next() {
		return iter.PaymentIntent(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, c.mapError("verify", err)
	}
	return nil, &ProviderRequestError{
		Provider:   CardNet,
		Op:         "verify",
		StatusCode: http.StatusNotFound,
		Detail:     "no payment intent indexed for reference " + reference + "; search lags writes, verify by provider_native_id",
	}
}

func (c *CardNetAdapter) CreateCustomer(ctx context.Context, req CustomerRequest) (rec CustomerRecord, err error) {
	defer c.observe("create_customer", time.Now(), &err)
	params := &stripe.CustomerParams{Email: stripe.String(req.Email)}
	params.Context = ctx
	if name := strings.TrimSpace(req.FirstName + " " + req.LastName); name != "" {
		params.Name = stripe.String(name)
	}
	if req.Phone != "" {
		params.Phone = stripe.String(req.Phone)
	}
	cus, err := c.api.Customers.New(params)
	if err != nil {
		return CustomerRecord{}, c.mapError("create_customer", err)
	}
	return CustomerRecord{
		Email:              req.Email,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Phone:              req.Phone,
		Provider:           CardNet,
		ProviderCustomerID: cus.ID,
		Raw:                rawJSON(cus.LastResponse),
	}, nil
}

func (c *CardNetAdapter) CreatePlan(ctx context.Context, req PlanRequest) (rec PlanRecord, err error) {
	exp := MinorUnitExponent(req.Currency)
	minor, err := ToMinorUnits(req.Amount, exp)
	if err != nil {
		return PlanRecord{}, err
	}
	interval, count, ok := cardNetInterval(req.Interval)
	if !ok {
		return PlanRecord{}, &ValidationError{Field: "interval", Reason: "unsupported interval " + req.Interval}
	}
	defer c.observe("create_plan", time.Now(), &err)

	params := &stripe.PlanParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Interval:      stripe.String(string(interval)),
		IntervalCount: stripe.Int64(count),
		Product:       &stripe.PlanProductParams{Name: stripe.String(req.Name)},
	}
	params.Context = ctx
	plan, err := c.api.Plans.New(params)
	if err != nil {
		return PlanRecord{}, c.mapError("create_plan", err)
	}
	return PlanRecord{
		Provider:       CardNet,
		ProviderPlanID: plan.ID,
		Name:           req.Name,
		Amount:         FromMinorUnits(minor, exp),
		Interval:       req.Interval,
		Currency:       strings.ToUpper(req.Currency),
		Raw:            rawJSON(plan.LastResponse),
	}, nil
}

// Probe fetches the account balance.
func (c *CardNetAdapter) Probe(ctx context.Context) (err error) {
	defer c.observe("probe", time.Now(), &err)
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := c.api.Balance.Get(params); err != nil {
		return c.mapError("probe", err)
	}
	return nil
}

func (c *CardNetAdapter) result(pi *stripe.PaymentIntent) PaymentResult {
	currency := strings.ToUpper(string(pi.Currency))
	return PaymentResult{
		Provider:         CardNet,
		ProviderNativeID: pi.ID,
		Reference:        pi.Metadata["reference"],
		Status:           cardNetStatus(pi),
		ClientSecret:     pi.ClientSecret,
		Amount:           FromMinorUnits(pi.Amount, MinorUnitExponent(currency)),
		Currency:         currency,
		Raw:              rawJSON(pi.LastResponse),
	}
}

func (c *CardNetAdapter) mapError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		c.logger.Warn().
			Str("operation", op).
			Int("status", se.HTTPStatusCode).
			Str("code", string(se.Code)).
			Str("request_id", se.RequestID).
			Str("detail", se.Msg).
			Msg("cardnet_request_rejected")
		return &ProviderRequestError{Provider: CardNet, Op: op, StatusCode: se.HTTPStatusCode, Detail: se.Msg, Err: err}
	}
	c.logger.Error().Err(err).Str("operation", op).Msg("cardnet_request_failed")
	return &ProviderRequestError{Provider: CardNet, Op: op, Err: err}
}

func (c *CardNetAdapter) observe(op string, start time.Time, err *error) {
	obs.ObserveProviderCall(string(CardNet), op, *err, time.Since(start))
}

func cardNetStatus(pi *stripe.PaymentIntent) Status {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StatusFailed
		}
	}
	return StatusPending
}

func cardNetInterval(interval string) (stripe.PlanInterval, int64, bool) {
	switch interval {
	case IntervalDaily:
		return stripe.PlanIntervalDay, 1, true
	case IntervalWeekly:
		return stripe.PlanIntervalWeek, 1, true
	case IntervalMonthly:
		return stripe.PlanIntervalMonth, 1, true
	case IntervalQuarterly:
		return stripe.PlanIntervalMonth, 3, true
	case IntervalBiannually:
		return stripe.PlanIntervalMonth, 6, true
	case IntervalAnnually:
		return stripe.PlanIntervalYear, 1, true
	}
	return "", 0, false
}

func rawJSON(resp *stripe.APIResponse) []byte {
	if resp == nil {
		return nil
	}
	return resp.RawJSON
}

// retryTransient runs fn and, when it fails with a transient provider error, runs it
// once more after delay.
func retryTransient[T any](ctx context.Context, delay time.Duration, fn func() (T, error)) (T, error) {
	v, err := fn()
	var pre *ProviderRequestError
	if err == nil || !errors.As(err, &pre) || !pre.Transient() {
		return v, err
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return v, err
	case <-timer.C:
	}
	return fn()
}
