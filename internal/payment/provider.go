package payment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ProviderID is the stable key used for routing tables, persistence and logs.
type ProviderID string

const (
	// CardNet identifies the card-network processor.
	CardNet ProviderID = "cardnet"
	// AfricaPay identifies the Africa-focused processor.
	AfricaPay ProviderID = "africapay"
)

// ParseProviderID normalises user or configuration input into a ProviderID.
func ParseProviderID(value string) ProviderID {
	return ProviderID(strings.ToLower(strings.TrimSpace(value)))
}

func (p ProviderID) String() string { return string(p) }

// Status is the canonical payment status reported by adapters.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// PaymentRequest is the canonical shape handed to adapters when opening a payment.
// Amount is expressed in major currency units.
type PaymentRequest struct {
	Email       string          `json:"email" validate:"required,email"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,len=3,alpha"`
	Reference   string          `json:"reference,omitempty" validate:"omitempty,max=100"`
	CallbackURL string          `json:"callback_url,omitempty" validate:"omitempty,url"`
	Country     string          `json:"country,omitempty" validate:"omitempty,len=2,alpha"`
	Provider    ProviderID      `json:"gateway,omitempty"`
}

// PaymentResult is what every adapter returns for initialize and verify calls.
// Raw keeps the provider payload for audit; nothing beyond the fields below is parsed.
type PaymentResult struct {
	Provider         ProviderID      `json:"provider"`
	ProviderNativeID string          `json:"provider_native_id"`
	Reference        string          `json:"reference"`
	Status           Status          `json:"status"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	ClientSecret     string          `json:"client_secret,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// CustomerRequest carries the data needed to register a customer with a provider.
type CustomerRequest struct {
	Email     string     `json:"email" validate:"required,email"`
	FirstName string     `json:"first_name,omitempty" validate:"omitempty,max=100"`
	LastName  string     `json:"last_name,omitempty" validate:"omitempty,max=100"`
	Phone     string     `json:"phone,omitempty" validate:"omitempty,max=32"`
	Provider  ProviderID `json:"gateway,omitempty"`
}

// CustomerRecord is the provider-side customer created for a CustomerRequest.
type CustomerRecord struct {
	Email              string          `json:"email"`
	FirstName          string          `json:"first_name,omitempty"`
	LastName           string          `json:"last_name,omitempty"`
	Phone              string          `json:"phone,omitempty"`
	Provider           ProviderID      `json:"provider"`
	ProviderCustomerID string          `json:"provider_customer_id"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// Plan billing intervals accepted by CreatePlan.
const (
	IntervalDaily      = "daily"
	IntervalWeekly     = "weekly"
	IntervalMonthly    = "monthly"
	IntervalQuarterly  = "quarterly"
	IntervalBiannually = "biannually"
	IntervalAnnually   = "annually"
)

// PlanRequest describes a recurring billing plan.
type PlanRequest struct {
	Name     string          `json:"name" validate:"required,max=200"`
	Amount   decimal.Decimal `json:"amount"`
	Interval string          `json:"interval" validate:"required,oneof=daily weekly monthly quarterly biannually annually"`
	Currency string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Provider ProviderID      `json:"gateway,omitempty"`
}

// PlanRecord is the provider-side plan created for a PlanRequest.
type PlanRecord struct {
	Provider       ProviderID      `json:"provider"`
	ProviderPlanID string          `json:"provider_plan_id"`
	Name           string          `json:"name"`
	Amount         decimal.Decimal `json:"amount"`
	Interval       string          `json:"interval"`
	Currency       string          `json:"currency"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Adapter translates the uniform operation set into one provider's native API.
// Implementations must be safe for concurrent use.
type Adapter interface {
	ID() ProviderID
	Initialize(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Verify(ctx context.Context, reference string) (PaymentResult, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (CustomerRecord, error)
	CreatePlan(ctx context.Context, req PlanRequest) (PlanRecord, error)
}

// Prober is implemented by adapters that can check connectivity and credentials.
type Prober interface {
	Probe(ctx context.Context) error
}

// Capabilities describes what a provider supports, for client display.
type Capabilities struct {
	SupportsSubscriptions bool     `json:"supports_subscriptions"`
	Currencies            []string `json:"currencies"`
	PublicKey             string   `json:"public_key,omitempty"`
}

// Describer is implemented by adapters exposing Capabilities.
type Describer interface {
	Capabilities() Capabilities
}
