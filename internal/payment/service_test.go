package payment_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
)

type fakeAdapter struct {
	id payment.ProviderID

	mu        sync.Mutex
	initCalls []payment.PaymentRequest
	verifyErr error
	initErr   error
	panicOn   string
	probeErr  error
}

func (f *fakeAdapter) ID() payment.ProviderID { return f.id }

func (f *fakeAdapter) Initialize(_ context.Context, req payment.PaymentRequest) (payment.PaymentResult, error) {
	if f.panicOn == "initialize" {
		panic("adapter exploded")
	}
	f.mu.Lock()
	f.initCalls = append(f.initCalls, req)
	f.mu.Unlock()
	if f.initErr != nil {
		return payment.PaymentResult{}, f.initErr
	}
	return payment.PaymentResult{ProviderNativeID: "native-" + req.Reference, Status: payment.StatusPending, Amount: req.Amount, Currency: req.Currency}, nil
}

func (f *fakeAdapter) Verify(_ context.Context, reference string) (payment.PaymentResult, error) {
	if f.verifyErr != nil {
		return payment.PaymentResult{}, f.verifyErr
	}
	return payment.PaymentResult{Reference: reference, Status: payment.StatusSucceeded}, nil
}

func (f *fakeAdapter) CreateCustomer(_ context.Context, req payment.CustomerRequest) (payment.CustomerRecord, error) {
	return payment.CustomerRecord{Email: req.Email, ProviderCustomerID: "cus_" + string(f.id)}, nil
}

func (f *fakeAdapter) CreatePlan(_ context.Context, req payment.PlanRequest) (payment.PlanRecord, error) {
	return payment.PlanRecord{Name: req.Name, Currency: req.Currency, ProviderPlanID: "plan_1"}, nil
}

func (f *fakeAdapter) Probe(context.Context) error { return f.probeErr }

func (f *fakeAdapter) Capabilities() payment.Capabilities {
	if f.id == payment.AfricaPay {
		return payment.Capabilities{Currencies: []string{"NGN"}, PublicKey: "pk_africa"}
	}
	return payment.Capabilities{Currencies: []string{"USD"}}
}

func (f *fakeAdapter) calls() []payment.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.PaymentRequest(nil), f.initCalls...)
}

func newService(t *testing.T, cfg payment.RegistryConfig, adapters ...payment.Adapter) *payment.Service {
	t.Helper()
	reg, err := payment.NewRegistry(cfg)
	require.NoError(t, err)
	rt, err := payment.NewRouter(reg, adapters...)
	require.NoError(t, err)
	return payment.NewService(rt, zerolog.Nop())
}

func bothEnabled() payment.RegistryConfig {
	return payment.RegistryConfig{
		Default:        payment.CardNet,
		Enabled:        []payment.ProviderID{payment.CardNet, payment.AfricaPay},
		CountryRoutes:  map[string]payment.ProviderID{"NG": payment.AfricaPay},
		CurrencyRoutes: map[string]payment.ProviderID{"USD": payment.CardNet, "NGN": payment.AfricaPay},
	}
}

func TestInitializeRoutesNigeriaToAfricaPay(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet}
	africa := &fakeAdapter{id: payment.AfricaPay}
	svc := newService(t, bothEnabled(), card, africa)

	res, err := svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email:    "a@b.com",
		Amount:   decimal.RequireFromString("5000"),
		Currency: "USD",
		Country:  "ng",
	})
	require.NoError(t, err)
	require.Equal(t, payment.AfricaPay, res.Provider)
	require.Len(t, africa.calls(), 1)
	require.Empty(t, card.calls())
}

func TestInitializeGeneratesReference(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet}
	svc := newService(t, payment.RegistryConfig{Default: payment.CardNet, Enabled: []payment.ProviderID{payment.CardNet}}, card)

	res, err := svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.RequireFromString("10.00"), Currency: "usd",
	})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), res.Reference)
	require.Equal(t, res.Reference, card.calls()[0].Reference)
	require.Equal(t, "USD", card.calls()[0].Currency)

	res, err = svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.RequireFromString("10.00"), Currency: "USD", Reference: "client-ref",
	})
	require.NoError(t, err)
	require.Equal(t, "client-ref", res.Reference)
}

func TestInitializeValidatesBeforeRouting(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet}
	svc := newService(t, payment.RegistryConfig{Default: payment.CardNet, Enabled: []payment.ProviderID{payment.CardNet}}, card)

	bad := []payment.PaymentRequest{
		{Email: "not-an-email", Amount: decimal.NewFromInt(1), Currency: "USD"},
		{Email: "a@b.com", Amount: decimal.Zero, Currency: "USD"},
		{Email: "a@b.com", Amount: decimal.NewFromInt(-5), Currency: "USD"},
		{Email: "a@b.com", Amount: decimal.NewFromInt(1), Currency: "US"},
		{Email: "a@b.com", Amount: decimal.NewFromInt(1), Currency: "USD", CallbackURL: "not a url"},
		// validation runs before the explicit provider is checked
		{Email: "a@b.com", Amount: decimal.Zero, Currency: "USD", Provider: payment.AfricaPay},
	}
	for _, req := range bad {
		_, err := svc.InitializePayment(context.Background(), req)
		var ve *payment.ValidationError
		require.ErrorAs(t, err, &ve, "%+v", req)
	}
	require.Empty(t, card.calls())
}

func TestInitializeUnsupportedExplicitProvider(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet}
	svc := newService(t, payment.RegistryConfig{Default: payment.CardNet, Enabled: []payment.ProviderID{payment.CardNet}}, card)

	_, err := svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.NewFromInt(1), Currency: "NGN", Provider: payment.AfricaPay,
	})
	var upe *payment.UnsupportedProviderError
	require.ErrorAs(t, err, &upe)
}

func TestInitializeWrapsAdapterFailures(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet, initErr: errors.New("connection reset")}
	svc := newService(t, payment.RegistryConfig{Default: payment.CardNet, Enabled: []payment.ProviderID{payment.CardNet}}, card)

	_, err := svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.NewFromInt(1), Currency: "USD",
	})
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, payment.CardNet, pre.Provider)
	require.True(t, pre.Transient())
}

func TestInitializeRecoversAdapterPanic(t *testing.T) {
	card := &fakeAdapter{id: payment.CardNet, panicOn: "initialize"}
	svc := newService(t, payment.RegistryConfig{Default: payment.CardNet, Enabled: []payment.ProviderID{payment.CardNet}}, card)

	var err error
	require.NotPanics(t, func() {
		_, err = svc.InitializePayment(context.Background(), payment.PaymentRequest{
			Email: "a@b.com", Amount: decimal.NewFromInt(1), Currency: "USD",
		})
	})
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
}

func TestVerifyRequiresProvider(t *testing.T) {
	svc := newService(t, bothEnabled(), &fakeAdapter{id: payment.CardNet}, &fakeAdapter{id: payment.AfricaPay})

	_, err := svc.VerifyPayment(context.Background(), "ref", "")
	var ve *payment.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = svc.VerifyPayment(context.Background(), "ref", "paypal")
	var upe *payment.UnsupportedProviderError
	require.ErrorAs(t, err, &upe)

	res, err := svc.VerifyPayment(context.Background(), "ref", "AfricaPay")
	require.NoError(t, err)
	require.Equal(t, payment.AfricaPay, res.Provider)
	require.Equal(t, payment.StatusSucceeded, res.Status)
}

func TestVerifyUnknownReference(t *testing.T) {
	africa := &fakeAdapter{id: payment.AfricaPay, verifyErr: &payment.ProviderRequestError{
		Provider: payment.AfricaPay, Op: "verify", StatusCode: 400, Detail: "Transaction reference not found",
	}}
	svc := newService(t, bothEnabled(), &fakeAdapter{id: payment.CardNet}, africa)

	_, err := svc.VerifyPayment(context.Background(), "missing", payment.AfricaPay)
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.False(t, pre.Transient())
}

func TestCustomersAndPlansUseOverrideOrDefault(t *testing.T) {
	svc := newService(t, bothEnabled(), &fakeAdapter{id: payment.CardNet}, &fakeAdapter{id: payment.AfricaPay})

	rec, err := svc.CreateCustomer(context.Background(), payment.CustomerRequest{Email: "a@b.com"})
	require.NoError(t, err)
	require.Equal(t, payment.CardNet, rec.Provider)

	rec, err = svc.CreateCustomer(context.Background(), payment.CustomerRequest{Email: "a@b.com", Provider: payment.AfricaPay})
	require.NoError(t, err)
	require.Equal(t, payment.AfricaPay, rec.Provider)

	plan, err := svc.CreatePlan(context.Background(), payment.PlanRequest{
		Name: "Gold", Amount: decimal.NewFromInt(5000), Interval: "Monthly", Provider: payment.AfricaPay,
	})
	require.NoError(t, err)
	require.Equal(t, "NGN", plan.Currency)

	_, err = svc.CreatePlan(context.Background(), payment.PlanRequest{
		Name: "Gold", Amount: decimal.NewFromInt(5), Interval: "fortnightly",
	})
	var ve *payment.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "interval", ve.Field)
}

func TestTestGatewayReportsProbeResult(t *testing.T) {
	africa := &fakeAdapter{id: payment.AfricaPay, probeErr: &payment.ProviderRequestError{Provider: payment.AfricaPay, Op: "probe", StatusCode: 401, Detail: "Invalid key"}}
	svc := newService(t, bothEnabled(), &fakeAdapter{id: payment.CardNet}, africa)

	status, err := svc.TestGateway(context.Background(), payment.CardNet)
	require.NoError(t, err)
	require.True(t, status.Reachable)

	status, err = svc.TestGateway(context.Background(), payment.AfricaPay)
	require.NoError(t, err)
	require.False(t, status.Reachable)
	require.Contains(t, status.Message, "Invalid key")

	_, err = svc.TestGateway(context.Background(), "unknown")
	require.Error(t, err)
}

func TestGatewaysListsEnabledWithCapabilities(t *testing.T) {
	svc := newService(t, bothEnabled(), &fakeAdapter{id: payment.CardNet}, &fakeAdapter{id: payment.AfricaPay})

	infos := svc.Gateways()
	require.Len(t, infos, 2)
	require.Equal(t, payment.CardNet, infos[0].ID)
	require.True(t, infos[0].Default)
	require.Equal(t, "pk_africa", infos[1].Capabilities.PublicKey)
	require.Equal(t, payment.AfricaPay, svc.Recommend("", "NGN"))
}
