package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
)

type fakeAfricaPay struct {
	mu          sync.Mutex
	bodies      map[string]map[string]any
	verifyFails atomic.Int32
	verifyCalls atomic.Int32
}

func newFakeAfricaPay(t *testing.T) (*fakeAfricaPay, *httptest.Server) {
	t.Helper()
	f := &fakeAfricaPay{bodies: map[string]map[string]any{}}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer sk_live_africa" {
				w.WriteHeader(http.StatusUnauthorized)
				writeJSON(w, `{"status":false,"message":"Invalid key"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/transaction/initialize", func(w http.ResponseWriter, r *http.Request) {
		body := f.record(r, "initialize")
		writeJSON(w, `{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.example/abc","access_code":"abc","reference":"`+body["reference"].(string)+`"}}`)
	})
	r.Get("/transaction/verify/{ref}", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		if f.verifyFails.Load() > 0 {
			f.verifyFails.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ref := chi.URLParam(r, "ref")
		if ref != "ref-ok" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, `{"status":false,"message":"Transaction reference not found"}`)
			return
		}
		writeJSON(w, `{"status":true,"message":"Verification successful","data":{"id":4099260516,"status":"success","reference":"ref-ok","amount":500000,"currency":"NGN"}}`)
	})
	r.Post("/customer", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "customer")
		writeJSON(w, `{"status":true,"message":"Customer created","data":{"customer_code":"CUS_xnxdt6s1zg1f4nx","email":"a@b.com"}}`)
	})
	r.Post("/plan", func(w http.ResponseWriter, r *http.Request) {
		f.record(r, "plan")
		writeJSON(w, `{"status":true,"message":"Plan created","data":{"plan_code":"PLN_gx2wn530m0i3w3m","name":"Gold"}}`)
	})
	r.Get("/transaction", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("perPage"))
		writeJSON(w, `{"status":true,"message":"Transactions retrieved","data":[]}`)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAfricaPay) record(r *http.Request, name string) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[name] = body
	return body
}

func (f *fakeAfricaPay) body(name string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[name]
}

func newAfricaPay(srv *httptest.Server, key string) *payment.AfricaPayAdapter {
	return payment.NewAfricaPay(payment.AfricaPayConfig{
		SecretKey:  key,
		PublicKey:  "pk_live_africa",
		BaseURL:    srv.URL + "/",
		HTTPClient: srv.Client(),
		Logger:     zerolog.Nop(),
	})
}

func TestAfricaPayInitialize(t *testing.T) {
	fake, srv := newFakeAfricaPay(t)
	a := newAfricaPay(srv, "sk_live_africa")

	res, err := a.Initialize(context.Background(), payment.PaymentRequest{
		Email:       "a@b.com",
		Amount:      decimal.RequireFromString("5000.50"),
		Currency:    "ngn",
		Reference:   "ref-ng",
		CallbackURL: "https://shop.example/return",
	})
	require.NoError(t, err)

	body := fake.body("initialize")
	require.Equal(t, float64(500050), body["amount"])
	require.Equal(t, "NGN", body["currency"])
	require.Equal(t, "ref-ng", body["reference"])
	require.Equal(t, "https://shop.example/return", body["callback_url"])

	require.Equal(t, payment.AfricaPay, res.Provider)
	require.Equal(t, "https://checkout.example/abc", res.AuthorizationURL)
	require.Equal(t, "ref-ng", res.Reference)
	require.Equal(t, payment.StatusPending, res.Status)
	require.True(t, decimal.RequireFromString("5000.5").Equal(res.Amount))
}

func TestAfricaPayInitializeRejectsSubMinorAmounts(t *testing.T) {
	fake, srv := newFakeAfricaPay(t)
	a := newAfricaPay(srv, "sk_live_africa")

	_, err := a.Initialize(context.Background(), payment.PaymentRequest{
		Email: "a@b.com", Amount: decimal.RequireFromString("10.005"), Currency: "NGN", Reference: "r",
	})
	var ve *payment.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Nil(t, fake.body("initialize"))
}

func TestAfricaPayVerify(t *testing.T) {
	fake, srv := newFakeAfricaPay(t)
	a := newAfricaPay(srv, "sk_live_africa")

	res, err := a.Verify(context.Background(), "ref-ok")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, res.Status)
	require.Equal(t, "4099260516", res.ProviderNativeID)
	require.True(t, decimal.NewFromInt(5000).Equal(res.Amount))

	_, err = a.Verify(context.Background(), "ref-unknown")
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, http.StatusBadRequest, pre.StatusCode)
	require.Equal(t, "Transaction reference not found", pre.Detail)

	fake.verifyCalls.Store(0)
	fake.verifyFails.Store(1)
	_, err = a.Verify(context.Background(), "ref-ok")
	require.NoError(t, err)
	require.Equal(t, int32(2), fake.verifyCalls.Load())
}

func TestAfricaPayCustomerAndPlan(t *testing.T) {
	fake, srv := newFakeAfricaPay(t)
	a := newAfricaPay(srv, "sk_live_africa")

	cus, err := a.CreateCustomer(context.Background(), payment.CustomerRequest{Email: "a@b.com", Phone: "+2348000000000"})
	require.NoError(t, err)
	require.Equal(t, "CUS_xnxdt6s1zg1f4nx", cus.ProviderCustomerID)
	require.Equal(t, "+2348000000000", fake.body("customer")["phone"])

	plan, err := a.CreatePlan(context.Background(), payment.PlanRequest{
		Name: "Gold", Amount: decimal.NewFromInt(5000), Interval: payment.IntervalBiannually, Currency: "NGN",
	})
	require.NoError(t, err)
	require.Equal(t, "PLN_gx2wn530m0i3w3m", plan.ProviderPlanID)
	require.Equal(t, float64(500000), fake.body("plan")["amount"])
	require.Equal(t, "biannually", fake.body("plan")["interval"])
}

func TestAfricaPayProbeAndCapabilities(t *testing.T) {
	_, srv := newFakeAfricaPay(t)
	require.NoError(t, newAfricaPay(srv, "sk_live_africa").Probe(context.Background()))

	bad := newAfricaPay(srv, "sk_wrong")
	err := bad.Probe(context.Background())
	var pre *payment.ProviderRequestError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, http.StatusUnauthorized, pre.StatusCode)
	require.Equal(t, "Invalid key", pre.Detail)

	caps := bad.Capabilities()
	require.True(t, caps.SupportsSubscriptions)
	require.Equal(t, "pk_live_africa", caps.PublicKey)
	require.Contains(t, caps.Currencies, "NGN")
}
