package payment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
)

// fakeCardNet mimics the subset of the card network API the adapter uses.
type fakeCardNet struct {
	mu          sync.Mutex
	forms       map[string][]map[string]string
	idemKeys    []string
	searchFails atomic.Int32
}

func newFakeCardNet(t *testing.T) (*fakeCardNet, *httptest.Server) {
	t.Helper()
	f := &fakeCardNet{forms: map[string][]map[string]string{}}
	r := chi.NewRouter()
	r.Post("/v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		form := f.record(r, "payment_intents")
		if form["amount"] == "999" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
			return
		}
		writeJSON(w, `{"id":"pi_123","object":"payment_intent","amount":`+form["amount"]+`,"currency":"`+form["currency"]+`","status":"requires_payment_method","client_secret":"pi_123_secret_abc","metadata":{"reference":"`+form["metadata[reference]"]+`"}}`)
	})
	r.Get("/v1/payment_intents/search", func(w http.ResponseWriter, r *http.Request) {
		if f.searchFails.Load() > 0 {
			f.searchFails.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try again"}}`))
			return
		}
		q := r.URL.Query().Get("query")
		if !strings.Contains(q, "'ref-known'") {
			writeJSON(w, `{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[]}`)
			return
		}
		writeJSON(w, `{"object":"search_result","url":"/v1/payment_intents/search","has_more":false,"data":[{"id":"pi_9","object":"payment_intent","amount":2550,"currency":"eur","status":"succeeded","metadata":{"reference":"ref-known"}}]}`)
	})
	r.Get("/v1/payment_intents/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"id":"`+chi.URLParam(r, "id")+`","object":"payment_intent","amount":500,"currency":"usd","status":"canceled","metadata":{}}`)
	})
	r.Post("/v1/customers", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "customers")
		writeJSON(w, `{"id":"cus_1","object":"customer","email":"a@b.com"}`)
	})
	r.Post("/v1/plans", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "plans")
		writeJSON(w, `{"id":"plan_1","object":"plan","amount":1999,"currency":"usd","interval":"month","interval_count":3}`)
	})
	r.Get("/v1/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`))
			return
		}
		writeJSON(w, `{"object":"balance","available":[],"pending":[]}`)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCardNet) record(r *http.Request, name string) map[string]string {
	_ = r.ParseForm()
	form := map[string]string{}
	for k, v := range r.PostForm {
		form[k] = v[0]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms[name] = append(f.forms[name], form)
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		f.idemKeys = append(f.idemKeys, key)
	}
	return form
}

func (f *fakeCardNet) last(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[name]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

var (
	_ payment.Adapter   = (*payment.CardNetAdapter)(nil)
	_ payment.Prober    = (*payment.CardNetAdapter)(nil)
	_ payment.Describer = (*payment.CardNetAdapter)(nil)
	_ payment.Adapter   = (*payment.AfricaPayAdapter)(nil)
	_ payment.Prober    = (*payment.AfricaPayAdapter)(nil)
	_ payment.Describer = (*payment.AfricaPayAdapter)(nil)
)

func newCardNet(srv *httptest.Server, key string) *payment.CardNetAdapter {
	return payment.NewCardNet(payment.CardNetConfig{
		SecretKey:  key,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     zerolog.Nop(),
	})
}

// USD routed to the card network: 10.00 major units reach the provider as 1000 minor units.
func TestServiceInitializeUSDThroughCardNet(t *testing.T) {
	fake, srv := newFakeCardNet(t)
	africa := &fakeAdapter{id: payment.AfricaPay}
	svc := newService(t, payment.RegistryConfig{
		Default:        payment.AfricaPay,
		Enabled:        []payment.ProviderID{payment.CardNet, payment.AfricaPay},
		CurrencyRoutes: map[string]payment.ProviderID{"USD": payment.CardNet},
	}, newCardNet(srv, "sk_test_123"), africa)

	res, err := svc.InitializePayment(context.Background(), payment.PaymentRequest{
		Email:     "a@b.com",
		Amount:    decimal.RequireFromString("10.00"),
		Currency:  "USD",
		Reference: "ref-usd",
	})
	require.NoError(t, err)

	form := fake.last("payment_intents")
	require.Equal(t, "1000", form["amount"])
	require.Equal(t, "usd", form["currency"])
	require.Equal(t, "ref-usd", form["metadata[reference]"])
	require.Equal(t, "a@b.com", form["receipt_email"])
	require.Contains(t, fake.idemKeys, "initialize-ref-usd")

	require.Equal(t, payment.CardNet, res.Provider)
	require.Equal(t, "pi_123", res.ProviderNativeID)
	require.Equal(t, "pi_123_secret_abc", res.ClientSecret)
	require.Equal(t, payment.StatusPending, res.Status)
	require.True(t, decimal.RequireFromString("10").Equal(res.Amount))
	require.Equal(t, "USD", res.Currency)
	require.NotEmpty(t, res.Raw)
	require.Empty(t, africa.calls())
}

func TestCardNetDeclineBecomesProviderError(t *testing.T) {
	_, srv := newFakeCardNet(t)
	c := newCardNet(srv, "sk_test_123")

	_, err := c.Initialize(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.RequireFromString("9.99"), Currency: "USD", Reference: "r",
	})
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, http.StatusPaymentRequired, pre.StatusCode)
	require.Equal(t, "Your card was declined.", pre.Detail)
	require.False(t, pre.Transient())
}

func TestCardNetVerify(t *testing.T) {
	fake, srv := newFakeCardNet(t)
	c := newCardNet(srv, "sk_test_123")

	res, err := c.Verify(context.Background(), "ref-known")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, res.Status)
	require.Equal(t, "ref-known", res.Reference)
	require.True(t, decimal.RequireFromString("25.50").Equal(res.Amount))
	require.Equal(t, "EUR", res.Currency)

	res, err = c.Verify(context.Background(), "pi_555")
	require.NoError(t, err)
	require.Equal(t, "pi_555", res.ProviderNativeID)
	require.Equal(t, payment.StatusFailed, res.Status)

	_, err = c.Verify(context.Background(), "ref-missing")
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, http.StatusNotFound, pre.StatusCode)
	require.Contains(t, pre.Detail, "provider_native_id")

	fake.searchFails.Store(1)
	res, err = c.Verify(context.Background(), "ref-known")
	require.NoError(t, err, "a transient failure is retried once")
	require.Equal(t, payment.StatusSucceeded, res.Status)

	fake.searchFails.Store(2)
	_, err = c.Verify(context.Background(), "ref-known")
	require.ErrorAs(t, err, &pre)
	require.True(t, pre.Transient())
}

func TestCardNetCustomerAndPlan(t *testing.T) {
	fake, srv := newFakeCardNet(t)
	c := newCardNet(srv, "sk_test_123")

	cus, err := c.CreateCustomer(context.Background(), payment.CustomerRequest{Email: "a@b.com", FirstName: "Ada", LastName: "Obi"})
	require.NoError(t, err)
	require.Equal(t, "cus_1", cus.ProviderCustomerID)
	require.Equal(t, "Ada Obi", fake.last("customers")["name"])

	plan, err := c.CreatePlan(context.Background(), payment.PlanRequest{
		Name: "Pro", Amount: decimal.RequireFromString("19.99"), Interval: payment.IntervalQuarterly, Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "plan_1", plan.ProviderPlanID)
	form := fake.last("plans")
	require.Equal(t, "1999", form["amount"])
	require.Equal(t, "month", form["interval"])
	require.Equal(t, "3", form["interval_count"])
	require.Equal(t, "Pro", form["product[name]"])
}

func TestCardNetProbe(t *testing.T) {
	_, srv := newFakeCardNet(t)
	require.NoError(t, newCardNet(srv, "sk_test_123").Probe(context.Background()))

	err := newCardNet(srv, "sk_wrong").Probe(context.Background())
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, http.StatusUnauthorized, pre.StatusCode)
}
