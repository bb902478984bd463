package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/resilience"
)

// DefaultAfricaPayBaseURL is the production API host.
const DefaultAfricaPayBaseURL = "https://api.paystack.co"

// AfricaPay amounts are always sent in hundredths of the major unit.
const africaPayExponent int32 = 2

// AfricaPayConfig configures the AfricaPay adapter.
type AfricaPayConfig struct {
	SecretKey  string
	PublicKey  string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// AfricaPayAdapter talks to the AfricaPay REST API.
type AfricaPayAdapter struct {
	secretKey string
	publicKey string
	baseURL   string
	client    *http.Client
	logger    zerolog.Logger
}

// NewAfricaPay builds the adapter. When cfg.HTTPClient is nil a traced client with a
// breaker and cfg.Timeout (default 10s) is created.
func NewAfricaPay(cfg AfricaPayConfig) *AfricaPayAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{Provider: string(AfricaPay), Logger: &cfg.Logger})
		client = resilience.NewProviderHTTPClient(timeout, breaker)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAfricaPayBaseURL
	}
	return &AfricaPayAdapter{
		secretKey: strings.TrimSpace(cfg.SecretKey),
		publicKey: strings.TrimSpace(cfg.PublicKey),
		baseURL:   base,
		client:    client,
		logger:    cfg.Logger.With().Str("provider", string(AfricaPay)).Logger(),
	}
}

func (a *AfricaPayAdapter) ID() ProviderID { return AfricaPay }

func (a *AfricaPayAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsSubscriptions: true,
		Currencies:            []string{"NGN", "GHS", "ZAR", "KES"},
		PublicKey:             a.publicKey,
	}
}

type africaPayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type africaPayTransaction struct {
	ID               json.Number `json:"id"`
	Status           string      `json:"status"`
	Reference        string      `json:"reference"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	AuthorizationURL string      `json:"authorization_url"`
	AccessCode       string      `json:"access_code"`
}

func (a *AfricaPayAdapter) Initialize(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	minor, err := ToMinorUnits(req.Amount, africaPayExponent)
	if err != nil {
		return PaymentResult{}, err
	}
	currency := strings.ToUpper(req.Currency)
	body := map[string]any{
		"email":     req.Email,
		"amount":    minor,
		"currency":  currency,
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}

	env, err := a.call(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, 1)
	if err != nil {
		return PaymentResult{}, err
	}
	var tx africaPayTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		return PaymentResult{}, a.decodeError("initialize", err)
	}
	ref := tx.Reference
	if ref == "" {
		ref = req.Reference
	}
	return PaymentResult{
		Provider:         AfricaPay,
		ProviderNativeID: firstNonEmpty(tx.AccessCode, ref),
		Reference:        ref,
		Status:           StatusPending,
		AuthorizationURL: tx.AuthorizationURL,
		Amount:           FromMinorUnits(minor, africaPayExponent),
		Currency:         currency,
		Raw:              env.Data,
	}, nil
}

func (a *AfricaPayAdapter) Verify(ctx context.Context, reference string) (PaymentResult, error) {
	env, err := a.call(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, 2)
	if err != nil {
		return PaymentResult{}, err
	}
	var tx africaPayTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		return PaymentResult{}, a.decodeError("verify", err)
	}
	return PaymentResult{
		Provider:         AfricaPay,
		ProviderNativeID: tx.ID.String(),
		Reference:        firstNonEmpty(tx.Reference, reference),
		Status:           africaPayStatus(tx.Status),
		Amount:           FromMinorUnits(tx.Amount, africaPayExponent),
		Currency:         strings.ToUpper(tx.Currency),
		Raw:              env.Data,
	}, nil
}

func (a *AfricaPayAdapter) CreateCustomer(ctx context.Context, req CustomerRequest) (CustomerRecord, error) {
	body := map[string]any{"email": req.Email}
	if req.FirstName != "" {
		body["first_name"] = req.FirstName
	}
	if req.LastName != "" {
		body["last_name"] = req.LastName
	}
	if req.Phone != "" {
		body["phone"] = req.Phone
	}
	env, err := a.call(ctx, "create_customer", http.MethodPost, "/customer", body, 1)
	if err != nil {
		return CustomerRecord{}, err
	}
	var data struct {
		CustomerCode string `json:"customer_code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return CustomerRecord{}, a.decodeError("create_customer", err)
	}
	return CustomerRecord{
		Email:              req.Email,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Phone:              req.Phone,
		Provider:           AfricaPay,
		ProviderCustomerID: data.CustomerCode,
		Raw:                env.Data,
	}, nil
}

func (a *AfricaPayAdapter) CreatePlan(ctx context.Context, req PlanRequest) (PlanRecord, error) {
	minor, err := ToMinorUnits(req.Amount, africaPayExponent)
	if err != nil {
		return PlanRecord{}, err
	}
	currency := strings.ToUpper(req.Currency)
	body := map[string]any{
		"name":     req.Name,
		"amount":   minor,
		"interval": req.Interval,
		"currency": currency,
	}
	env, err := a.call(ctx, "create_plan", http.MethodPost, "/plan", body, 1)
	if err != nil {
		return PlanRecord{}, err
	}
	var data struct {
		PlanCode string `json:"plan_code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return PlanRecord{}, a.decodeError("create_plan", err)
	}
	return PlanRecord{
		Provider:       AfricaPay,
		ProviderPlanID: data.PlanCode,
		Name:           req.Name,
		Amount:         FromMinorUnits(minor, africaPayExponent),
		Interval:       req.Interval,
		Currency:       currency,
		Raw:            env.Data,
	}, nil
}

// Probe lists a single transaction to confirm the credentials are accepted.
func (a *AfricaPayAdapter) Probe(ctx context.Context) error {
	_, err := a.call(ctx, "probe", http.MethodGet, "/transaction?perPage=1&page=1", nil, 1)
	return err
}

func (a *AfricaPayAdapter) call(ctx context.Context, op, method, path string, body any, attempts int) (env africaPayEnvelope, err error) {
	start := time.Now()
	defer func() { obs.ObserveProviderCall(string(AfricaPay), op, err, time.Since(start)) }()

	var payload io.Reader = http.NoBody
	if body != nil {
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return env, &ProviderRequestError{Provider: AfricaPay, Op: op, Err: mErr}
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, payload)
	if err != nil {
		return env, &ProviderRequestError{Provider: AfricaPay, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := resilience.HTTPClient{Client: a.client, MaxAttempts: attempts, BaseBackoff: 200 * time.Millisecond, Jitter: 0.2}
	resp, err := client.Do(ctx, req)
	if err != nil {
		a.logger.Error().Err(err).Str("operation", op).Msg("africapay_request_failed")
		return env, &ProviderRequestError{Provider: AfricaPay, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return env, &ProviderRequestError{Provider: AfricaPay, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !env.Status {
		detail := env.Message
		if detail == "" {
			detail = truncate(string(raw), 256)
		}
		a.logger.Warn().
			Str("operation", op).
			Int("status", resp.StatusCode).
			Str("detail", detail).
			Msg("africapay_request_rejected")
		if decodeErr == nil && env.Status {
			decodeErr = errors.New(http.StatusText(resp.StatusCode))
		}
		return env, &ProviderRequestError{Provider: AfricaPay, Op: op, StatusCode: resp.StatusCode, Detail: detail, Err: decodeErr}
	}
	return env, nil
}

func (a *AfricaPayAdapter) decodeError(op string, err error) error {
	a.logger.Error().Err(err).Str("operation", op).Msg("africapay_response_undecodable")
	return &ProviderRequestError{Provider: AfricaPay, Op: op, Detail: "unexpected response shape", Err: err}
}

func africaPayStatus(s string) Status {
	switch strings.ToLower(s) {
	case "success":
		return StatusSucceeded
	case "failed", "abandoned", "reversed":
		return StatusFailed
	}
	return StatusPending
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
