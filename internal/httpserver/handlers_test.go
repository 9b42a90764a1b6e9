package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/server/internal/circuitbreaker"
	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/idempotency"
	"github.com/pagecraft/server/internal/jobs"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/quota"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/internal/storage"
)

const (
	testAdminKey      = "test-admin-key"
	testWebhookSecret = "whsec_test"
)

// okEngine delivers instantly. Tests that need failures or delays swap in
// their own Engine.
type okEngine struct {
	artifact string
	err      error
}

func (e okEngine) Generate(ctx context.Context, payload json.RawMessage, progress jobs.ProgressFunc) (string, error) {
	if progress != nil {
		progress(100, "rendering")
	}
	return e.artifact, e.err
}

// deadDispatcher simulates an unreachable broker.
type deadDispatcher struct{}

func (deadDispatcher) Dispatch(ctx context.Context, job storage.Job) error {
	return fmt.Errorf("connection refused")
}
func (deadDispatcher) Name() string { return "broker" }

// tokenAuth resolves a fixed bearer token to a user id.
type tokenAuth struct {
	token  string
	userID string
}

func (a tokenAuth) AuthenticateSession(ctx context.Context, value string) (string, error) {
	return "", nil
}

func (a tokenAuth) AuthenticateToken(ctx context.Context, token string) (string, error) {
	if token == a.token {
		return a.userID, nil
	}
	return "", fmt.Errorf("unknown token")
}

type testEnv struct {
	cfg    *config.Config
	store  *storage.MemoryStore
	ledger *ledger.Service
	local  *jobs.LocalDispatcher
	router *chi.Mux
}

type testEnvOptions struct {
	engine     jobs.Engine
	dispatcher jobs.Dispatcher
	auth       identity.Authenticator
	mutateCfg  func(*config.Config)
}

func newTestEnv(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Address: ":0"},
		Ledger: config.LedgerConfig{
			GuestFreeAllocation: 2,
			RegistrationBonus:   10,
		},
		Quota: config.QuotaConfig{DailyLimit: 60},
		Jobs: config.JobsConfig{
			UnitCost:         1,
			ExecutionTimeout: config.Duration{Duration: 5 * time.Second},
		},
		Idempotency: config.IdempotencyConfig{
			TTL:               config.Duration{Duration: time.Hour},
			FallbackCacheSize: 128,
		},
		Admin: config.AdminConfig{APIKey: testAdminKey},
		Stripe: config.StripeConfig{
			WebhookSecret: testWebhookSecret,
			Plans: map[string]config.Plan{
				"starter": {Pages: 50, AmountCents: 500, Currency: "usd", DisplayName: "Starter"},
				"pro":     {Pages: 200, AmountCents: 1500, Currency: "usd", DisplayName: "Pro"},
			},
		},
	}
	if opts.mutateCfg != nil {
		opts.mutateCfg(cfg)
	}

	log := zerolog.Nop()
	store := storage.NewMemoryStore()
	ledgerSvc := ledger.New(store, ledger.Config{
		GuestFreeAllocation: cfg.Ledger.GuestFreeAllocation,
		RegistrationBonus:   cfg.Ledger.RegistrationBonus,
	}, log)
	idemp := idempotency.New(store, idempotency.NewFallbackCache(cfg.Idempotency.FallbackCacheSize), cfg.Idempotency.TTL.Duration, log)

	engine := opts.engine
	if engine == nil {
		engine = okEngine{artifact: "doc-1.pdf"}
	}
	executor := jobs.NewExecutor(jobs.ExecutorOptions{
		Store:   store,
		Ledger:  ledgerSvc,
		Engine:  engine,
		Logger:  log,
		Timeout: cfg.Jobs.ExecutionTimeout.Duration,
	})
	local := jobs.NewLocalDispatcher(executor)
	dispatcher := opts.dispatcher
	if dispatcher == nil {
		dispatcher = local
	}
	jobsSvc := jobs.NewService(store, dispatcher, nil, log)

	breaker := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	gwClient := gateway.NewClient(cfg.Stripe, breaker)
	checkoutSvc := gateway.NewCheckoutService(store, gwClient, cfg.Stripe.Plans, nil, log)
	processor := settlement.NewProcessor(store, ledgerSvc, nil, log)

	auth := opts.auth
	if auth == nil {
		auth = identity.AnonymousOnly{}
	}

	router := chi.NewRouter()
	ConfigureRouter(router, Dependencies{
		Config:      cfg,
		Store:       store,
		Ledger:      ledgerSvc,
		Idempotency: idemp,
		Quota:       quota.NewMemoryCounter(),
		Jobs:        jobsSvc,
		Checkout:    checkoutSvc,
		Gateway:     gwClient,
		Settlement:  processor,
		Auth:        auth,
		Logger:      log,
	})

	return &testEnv{
		cfg:    cfg,
		store:  store,
		ledger: ledgerSvc,
		local:  local,
		router: router,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	detail, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got: %s", rec.Body.String())
	code, _ := detail["code"].(string)
	return code
}

func deviceHeaders(device string) map[string]string {
	return map[string]string{identity.DeviceIDHeader: device}
}

func submitBody(pages int64, requestID string) map[string]interface{} {
	return map[string]interface{}{
		"payload":         map[string]interface{}{"template": "invoice"},
		"pages":           pages,
		"clientRequestId": requestID,
	}
}

func TestSubmitJob_AcceptedAndCompletes(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	resultID, _ := body["resultId"].(string)
	require.NotEmpty(t, resultID)
	assert.Equal(t, false, body["cached"])

	env.local.Wait()

	rec = env.do(t, "GET", "/v1/results/"+resultID, nil, deviceHeaders("dev-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "doc-1.pdf", body["artifact"])

	// One page debited from the guest allocation of two.
	rec = env.do(t, "GET", "/v1/balance", nil, deviceHeaders("dev-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 1, body["pagesRemaining"])
}

func TestSubmitJob_RetryWithSameRequestIDIsCached(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	first := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-dup"), deviceHeaders("dev-1"))
	require.Equal(t, http.StatusAccepted, first.Code)
	env.local.Wait()

	second := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-dup"), deviceHeaders("dev-1"))
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	firstBody := decodeBody(t, first)
	secondBody := decodeBody(t, second)
	assert.Equal(t, true, secondBody["cached"])
	assert.Equal(t, firstBody["resultId"], secondBody["resultId"])

	// The retry created no second job and charged nothing extra.
	rec := env.do(t, "GET", "/v1/balance", nil, deviceHeaders("dev-1"))
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["pagesRemaining"])
}

func TestSubmitJob_MissingDeviceRejected(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_device_id", errorCode(t, rec))
}

func TestSubmitJob_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/v1/jobs", map[string]interface{}{"pages": 1}, deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_field", errorCode(t, rec))

	rec = env.do(t, "POST", "/v1/jobs", submitBody(0, "req-1"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", errorCode(t, rec))
}

func TestSubmitJob_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{mutateCfg: func(cfg *config.Config) {
		cfg.Quota.DailyLimit = 1
	}})

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.local.Wait()

	rec = env.do(t, "POST", "/v1/jobs", submitBody(1, "req-2"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", errorCode(t, rec))
}

func TestSubmitJob_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	// Guest allocation is two pages; ask for a hundred.
	rec := env.do(t, "POST", "/v1/jobs", submitBody(100, "req-1"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_balance", errorCode(t, rec))

	detail := decodeBody(t, rec)["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.EqualValues(t, 2, detail["pagesRemaining"])
	assert.EqualValues(t, 100, detail["pagesRequired"])

	// A rejected submission keeps the request id reusable.
	rec = env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestSubmitJob_AccountOnHold(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	ctx := context.Background()

	owner := identity.DeviceOwnerID("dev-1")
	_, err := env.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, env.store.SetAccountStatus(ctx, string(owner), storage.AccountStatusOnHold))

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_on_hold", errorCode(t, rec))
}

func TestSubmitJob_BrokerUnavailable(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{dispatcher: deadDispatcher{}})

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "broker_unavailable", errorCode(t, rec))
}

func TestPollResult_UnknownResultID(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "GET", "/v1/results/no-such-result", nil, deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", errorCode(t, rec))
}

func TestPollResult_FailedJobReportsReason(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{
		engine: okEngine{err: fmt.Errorf("%w: template missing title", jobs.ErrInvalidInput)},
	})

	rec := env.do(t, "POST", "/v1/jobs", submitBody(1, "req-1"), deviceHeaders("dev-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	resultID := decodeBody(t, rec)["resultId"].(string)
	env.local.Wait()

	rec = env.do(t, "GET", "/v1/results/"+resultID, nil, deviceHeaders("dev-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	failure := body["failure"].(map[string]interface{})
	assert.Equal(t, string(storage.FailureInvalidInput), failure["reason"])
}

func TestGetBalance_FirstSightCreatesGuestAllocation(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "GET", "/v1/balance", nil, deviceHeaders("fresh-device"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["pagesRemaining"])
	assert.EqualValues(t, 0, body["totalPagesUsed"])
	assert.Equal(t, string(storage.AccountStatusActive), body["status"])
}

func TestClaimAccount_TransfersEarnedBalanceOnce(t *testing.T) {
	auth := tokenAuth{token: "tok-alice", userID: "alice"}
	env := newTestEnv(t, testEnvOptions{auth: auth})
	ctx := context.Background()

	device := identity.DeviceOwnerID("dev-1")
	_, err := env.ledger.Balance(ctx, device)
	require.NoError(t, err)
	applied, _, err := env.ledger.CreditPurchase(ctx, device, 30, "tx_seed")
	require.NoError(t, err)
	require.True(t, applied)

	headers := map[string]string{
		identity.DeviceIDHeader: "dev-1",
		"Authorization":         "Bearer tok-alice",
	}
	rec := env.do(t, "POST", "/v1/account/claim", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	// Earned pages beyond the free allocation move; bonus ten comes on top.
	assert.EqualValues(t, 30, body["transferredPages"])
	assert.EqualValues(t, 40, body["pagesRemaining"])

	// A retry reports the recorded transfer without moving credit again.
	rec = env.do(t, "POST", "/v1/account/claim", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 40, body["pagesRemaining"])
}

func TestClaimAccount_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/v1/account/claim", nil, deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestListPlans_SortedByPrice(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "GET", "/v1/plans", nil, deviceHeaders("dev-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	plans := decodeBody(t, rec)["plans"].([]interface{})
	require.Len(t, plans, 2)
	assert.Equal(t, "starter", plans[0].(map[string]interface{})["key"])
	assert.Equal(t, "pro", plans[1].(map[string]interface{})["key"])
}

func TestCreateCheckout_UnknownPlan(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/v1/checkout", map[string]interface{}{"plan": "enterprise"}, deviceHeaders("dev-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_plan", errorCode(t, rec))
}

// signGatewayPayload produces the gateway's signature header scheme: an
// HMAC-SHA256 over "timestamp.payload" with the webhook secret.
func signGatewayPayload(secret string, payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(transactionNo, orderNumber, ownerID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"object": "checkout.session",
				"amount_total": 500,
				"currency": "usd",
				"metadata": {"order_number": %q, "owner_id": %q}
			}
		}
	}`, transactionNo, orderNumber, ownerID))
}

func TestWebhook_ValidSignatureSettlesAndReplayIsAcked(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	ctx := context.Background()

	owner := identity.DeviceOwnerID("dev-1")
	now := time.Now().UTC()
	require.NoError(t, env.store.SavePendingPayment(ctx, storage.PendingPayment{
		OrderNumber:   "ord_1",
		TransactionNo: "cs_test_1",
		OwnerID:       string(owner),
		Pages:         50,
		AmountCents:   500,
		Currency:      "usd",
		Status:        storage.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	payload := checkoutCompletedPayload("cs_test_1", "ord_1", string(owner))
	headers := map[string]string{
		"Stripe-Signature": signGatewayPayload(testWebhookSecret, payload, time.Now()),
	}

	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(settlement.DispositionSettled), decodeBody(t, rec)["disposition"])

	acct, err := env.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 52, acct.PagesRemaining)

	// A redelivery acks without crediting again.
	req = httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(settlement.DispositionReplay), decodeBody(t, rec)["disposition"])

	acct, err = env.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 52, acct.PagesRemaining)
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	payload := checkoutCompletedPayload("cs_test_1", "ord_1", "device:dev-1")
	req := httptest.NewRequest("POST", "/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signGatewayPayload("whsec_wrong", payload, time.Now()))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "signature_invalid", errorCode(t, rec))
}

func TestAdminEndpoints_RequireAPIKey(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "POST", "/admin/reconcile", map[string]interface{}{"orderNumber": "ord_1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, "POST", "/admin/reconcile", map[string]interface{}{"orderNumber": "ord_1"},
		map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminEndpoints_DisabledWithoutConfiguredKey(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{mutateCfg: func(cfg *config.Config) {
		cfg.Admin.APIKey = ""
	}})

	rec := env.do(t, "POST", "/admin/reconcile", map[string]interface{}{"orderNumber": "ord_1"},
		map[string]string{"X-API-Key": "anything"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminSetAccountStatus(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	ctx := context.Background()

	owner := identity.DeviceOwnerID("dev-1")
	_, err := env.ledger.Balance(ctx, owner)
	require.NoError(t, err)

	rec := env.do(t, "POST", "/admin/accounts/status",
		map[string]interface{}{"ownerId": string(owner), "status": "on_hold"},
		map[string]string{"X-API-Key": testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acct, err := env.store.GetAccount(ctx, string(owner))
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusOnHold, acct.Status)

	rec = env.do(t, "POST", "/admin/accounts/status",
		map[string]interface{}{"ownerId": string(owner), "status": "frozen"},
		map[string]string{"X-API-Key": testAdminKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	rec := env.do(t, "GET", "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
