package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/balance"
	"vpn-subscriptions/internal/cart"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/lifecycle"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/renewal"
	"vpn-subscriptions/internal/testutil"
	"vpn-subscriptions/internal/utils"
)

const testSecret = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	engine *gin.Engine
	db     *gorm.DB
	carts  *cart.Store
}

func setupRouter(t *testing.T) *testEnv {
	env, _ := setupRouterWithRedis(t)
	return env
}

func setupRouterWithRedis(t *testing.T) (*testEnv, *miniredis.Miniredis) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	rdb, mr := testutil.SetupTestRedis(t)
	settings := config.DefaultSettings()
	clock := testutil.Clock(testutil.Now)

	outbox := provisioning.NewOutbox()
	outbox.Now = clock
	states := lifecycle.NewStateMachine(db, outbox, nil, settings)
	states.Now = clock
	processor := renewal.NewProcessor(db, outbox, nil, settings)
	processor.Now = clock
	applier := cart.NewApplier(db, processor, outbox, settings)
	applier.Now = clock
	carts := cart.NewStore(rdb, time.Hour)

	allowed, err := utils.ParseCIDRs([]string{"192.0.2.0/24"})
	require.NoError(t, err)

	h := NewHandler(db, rdb, states, carts, applier, testSecret)
	engine := NewRouter(h, allowed, metrics.Get().Registry, false).Setup()
	return &testEnv{engine: engine, db: db, carts: carts}, mr
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func panelBody(t *testing.T, uuid, status string, expireAt time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event":     "user.modified",
		"timestamp": testutil.Now,
		"data": map[string]any{
			"uuid":     uuid,
			"status":   status,
			"expireAt": expireAt,
		},
	})
	require.NoError(t, err)
	return body
}

func topUpBody(t *testing.T, paymentID string, telegramID int64, value string) []byte {
	t.Helper()
	body, err := json.Marshal(TopUpNotification{
		Type:  "notification",
		Event: eventPaymentSucceeded,
		Object: TopUpObject{
			ID:       paymentID,
			Status:   "succeeded",
			Paid:     true,
			Amount:   Amount{Value: value, Currency: "RUB"},
			Metadata: map[string]string{"telegram_id": jsonInt(telegramID)},
		},
	})
	require.NoError(t, err)
	return body
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestPanelWebhook_AppliesRemoteState(t *testing.T) {
	env := setupRouter(t)
	sub := testutil.TestSubscription(t, env.db, testutil.TestUser(t, env.db).ID,
		testutil.WithRemoteID("rw-1"), testutil.WithStatus(models.StatusExpired), testutil.WithEndDate(testutil.Now.Add(-time.Hour)))

	newEnd := testutil.Now.Add(30 * 24 * time.Hour)
	body := panelBody(t, "rw-1", "ACTIVE", newEnd)
	w := env.do(http.MethodPost, "/webhooks/panel", body, map[string]string{SignatureHeader: Sign(testSecret, body)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := testutil.Reload(t, env.db, sub.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.WithinDuration(t, newEnd, got.EndDate, time.Second)
	require.NotNil(t, got.LastWebhookUpdateAt)
}

func TestPanelWebhook_Rejections(t *testing.T) {
	env := setupRouter(t)
	body := panelBody(t, "rw-1", "DISABLED", testutil.Now)

	w := env.do(http.MethodPost, "/webhooks/panel", body, map[string]string{SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/panel", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set(SignatureHeader, Sign(testSecret, body))
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPanelWebhook_UnknownUserIgnored(t *testing.T) {
	env := setupRouter(t)
	body := panelBody(t, "rw-missing", "DISABLED", testutil.Now)

	w := env.do(http.MethodPost, "/webhooks/panel", body, map[string]string{SignatureHeader: Sign(testSecret, body)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestLocalStatus(t *testing.T) {
	assert.Equal(t, models.StatusActive, localStatus("ACTIVE", models.StatusExpired))
	assert.Equal(t, models.SubscriptionStatus(""), localStatus("ACTIVE", models.StatusTrial))
	assert.Equal(t, models.StatusDisabled, localStatus("DISABLED", models.StatusActive))
	assert.Equal(t, models.StatusExpired, localStatus("EXPIRED", models.StatusActive))
	assert.Equal(t, models.SubscriptionStatus(""), localStatus("LIMITED", models.StatusActive))
}

func TestTopUp_CreditsAndAppliesCart(t *testing.T) {
	env := setupRouter(t)
	user := testutil.TestUser(t, env.db)
	end := testutil.Now.Add(2 * 24 * time.Hour)
	sub := testutil.TestSubscription(t, env.db, user.ID, testutil.WithEndDate(end))
	require.NoError(t, env.carts.Save(context.Background(), user.ID, cart.Extend{Days: 30}))

	w := env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-1", user.TelegramID, "300.00"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"cart_applied":true`)

	b, err := balance.Get(env.db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000-25500), b)
	assert.WithinDuration(t, end.Add(30*24*time.Hour), testutil.Reload(t, env.db, sub.ID).EndDate, time.Second)

	pending, err := env.carts.Load(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	// the provider retries the same notification
	w = env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-1", user.TelegramID, "300.00"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
	b, err = balance.Get(env.db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000-25500), b)
}

func TestTopUp_KeepsUnaffordableCart(t *testing.T) {
	env := setupRouter(t)
	user := testutil.TestUser(t, env.db)
	testutil.TestSubscription(t, env.db, user.ID)
	require.NoError(t, env.carts.Save(context.Background(), user.ID, cart.Extend{Days: 30}))

	w := env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-2", user.TelegramID, "10"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cart_applied":false`)

	b, err := balance.Get(env.db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b)

	pending, err := env.carts.Load(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.Extend{Days: 30}, pending)
}

func TestTopUp_CreatesUnknownUser(t *testing.T) {
	env := setupRouter(t)

	w := env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-3", 555001, "99.90"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, env.db.Where("telegram_id = ?", 555001).First(&user).Error)
	assert.Equal(t, int64(9990), user.Balance)
}

func TestTopUp_ReplayAfterKeyExpiry(t *testing.T) {
	env, mr := setupRouterWithRedis(t)
	user := testutil.TestUser(t, env.db)

	w := env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-4", user.TelegramID, "50"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	mr.FlushAll()

	w = env.do(http.MethodPost, "/webhooks/topup", topUpBody(t, "pay-4", user.TelegramID, "50"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	b, err := balance.Get(env.db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b)

	var payments []models.Payment
	require.NoError(t, env.db.Where("user_id = ?", user.ID).Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, "RUB", payments[0].Currency)
}

func TestTopUp_IgnoresOtherEvents(t *testing.T) {
	env := setupRouter(t)
	body, err := json.Marshal(TopUpNotification{Event: "payment.canceled"})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/webhooks/topup", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupRouter(t)

	w := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	metrics.Get().Transitions.WithLabelValues("active", "test").Inc()
	w = env.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subscriptions_status_transitions_total")
}

func TestAmountMinorUnits(t *testing.T) {
	tests := map[string]int64{"255.00": 25500, "255": 25500, "0.5": 50, "99.99": 9999}
	for in, want := range tests {
		got, err := Amount{Value: in}.MinorUnits()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"1.234", "abc", "-5", ""} {
		_, err := Amount{Value: bad}.MinorUnits()
		assert.Error(t, err, bad)
	}
}
