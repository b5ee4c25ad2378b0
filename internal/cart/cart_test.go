package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/balance"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/renewal"
	"vpn-subscriptions/internal/testutil"
)

const day = 24 * time.Hour

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Cart
		wantErr error
	}{
		{name: "extend", payload: `{"mode":"extend","days":30}`, want: Extend{Days: 30}},
		{name: "plan purchase", payload: `{"mode":"planPurchase","plan_id":4,"days":90}`, want: PlanPurchase{PlanID: 4, Days: 90}},
		{name: "daily plan", payload: `{"mode":"dailyPlanPurchase","plan_id":2}`, want: DailyPlanPurchase{PlanID: 2}},
		{name: "devices", payload: `{"mode":"addDevices","count":2}`, want: AddDevices{Count: 2}},
		{name: "quota", payload: `{"mode":"addQuota","amount":50}`, want: AddQuota{Amount: 50}},
		{name: "unknown mode", payload: `{"mode":"refund"}`, wantErr: apperr.ErrInvalidTransition},
		{name: "missing days", payload: `{"mode":"extend"}`, wantErr: apperr.ErrInvalidTransition},
		{name: "missing plan", payload: `{"mode":"planPurchase","days":30}`, wantErr: apperr.ErrInvalidTransition},
		{name: "negative quota", payload: `{"mode":"addQuota","amount":-5}`, wantErr: apperr.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	rdb, _ := testutil.SetupTestRedis(t)
	s := NewStore(rdb, time.Hour)
	ctx := context.Background()

	none, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.Save(ctx, 1, PlanPurchase{PlanID: 3, Days: 30}))
	got, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PlanPurchase{PlanID: 3, Days: 30}, got)

	require.NoError(t, s.Delete(ctx, 1))
	got, err = s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func setupApplier(t *testing.T) (*Applier, *gorm.DB) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	settings := config.DefaultSettings()
	outbox := provisioning.NewOutbox()
	outbox.Now = testutil.Clock(testutil.Now)
	processor := renewal.NewProcessor(db, outbox, nil, settings)
	processor.Now = testutil.Clock(testutil.Now)

	a := NewApplier(db, processor, outbox, settings)
	a.Now = testutil.Clock(testutil.Now)
	return a, db
}

func balanceOf(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	b, err := balance.Get(db, userID)
	require.NoError(t, err)
	return b
}

func TestApplier_ExtendLegacy(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(30000))
	end := testutil.Now.Add(2 * day)
	testutil.TestSubscription(t, db, user.ID, testutil.WithEndDate(end))

	quote, err := a.Quote(context.Background(), user.ID, Extend{Days: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(25500), quote)

	sub, err := a.Apply(context.Background(), user.ID, Extend{Days: 30})
	require.NoError(t, err)
	assert.WithinDuration(t, end.Add(30*day), sub.EndDate, time.Second)
	assert.Equal(t, int64(4500), balanceOf(t, db, user.ID))
}

func TestApplier_PlanPurchaseOnTrial(t *testing.T) {
	a, db := setupApplier(t)
	plan := testutil.TestPlan(t, db)
	user := testutil.TestUser(t, db, testutil.WithBalance(30000))
	testutil.TestSubscription(t, db, user.ID, testutil.Trial(), testutil.WithEndDate(testutil.Now.Add(2*day+time.Hour)))

	sub, err := a.Apply(context.Background(), user.ID, PlanPurchase{PlanID: plan.ID, Days: 30})
	require.NoError(t, err)

	assert.False(t, sub.IsTrial)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.WithinDuration(t, testutil.Now.Add(32*day), sub.EndDate, time.Second)
	assert.Equal(t, int64(0), balanceOf(t, db, user.ID))
}

func TestApplier_CreatesSubscription(t *testing.T) {
	a, db := setupApplier(t)
	plan := testutil.TestPlan(t, db)
	user := testutil.TestUser(t, db, testutil.WithBalance(80000))

	sub, err := a.Apply(context.Background(), user.ID, PlanPurchase{PlanID: plan.ID, Days: 90})
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, plan.ID, *sub.PlanID)
	assert.Equal(t, plan.BaseQuota, sub.TrafficLimitQuota)
	assert.WithinDuration(t, testutil.Now.Add(90*day), sub.EndDate, time.Second)

	var events int64
	db.Model(&models.SyncEvent{}).Where("subscription_id = ?", sub.ID).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestApplier_DailyPlanPurchase(t *testing.T) {
	a, db := setupApplier(t)
	daily := testutil.TestPlan(t, db, testutil.Daily(900))
	user := testutil.TestUser(t, db, testutil.WithBalance(1000))
	testutil.TestSubscription(t, db, user.ID, testutil.WithStatus(models.StatusExpired), testutil.WithEndDate(testutil.Now.Add(-day)))

	sub, err := a.Apply(context.Background(), user.ID, DailyPlanPurchase{PlanID: daily.ID})
	require.NoError(t, err)

	assert.True(t, sub.IsDailyPlan())
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.WithinDuration(t, testutil.Now.Add(day), sub.EndDate, time.Second)
	stored := testutil.Reload(t, db, sub.ID)
	require.NotNil(t, stored.LastDailyChargeAt)
	assert.WithinDuration(t, testutil.Now, *stored.LastDailyChargeAt, time.Second)
	assert.Equal(t, int64(100), balanceOf(t, db, user.ID))
}

func TestApplier_PlanKindMismatch(t *testing.T) {
	a, db := setupApplier(t)
	daily := testutil.TestPlan(t, db, testutil.Daily(900))
	user := testutil.TestUser(t, db, testutil.WithBalance(100000))

	_, err := a.Apply(context.Background(), user.ID, PlanPurchase{PlanID: daily.ID, Days: 30})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	assert.Equal(t, int64(100000), balanceOf(t, db, user.ID))
}

func TestApplier_AddDevices(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(20000))
	testutil.TestSubscription(t, db, user.ID)

	sub, err := a.Apply(context.Background(), user.ID, AddDevices{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, sub.DeviceLimit)
	assert.Equal(t, int64(10000), balanceOf(t, db, user.ID))
}

func TestApplier_AddQuota(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(20000))
	testutil.TestSubscription(t, db, user.ID)

	sub, err := a.Apply(context.Background(), user.ID, AddQuota{Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), sub.PurchasedQuota)
	assert.Equal(t, int64(110), sub.TrafficLimitQuota)
	require.NotNil(t, sub.TrafficResetAt)
	assert.Equal(t, int64(10000), balanceOf(t, db, user.ID))
}

func TestApplier_AddQuotaRejectedWhenUnlimited(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(20000))
	testutil.TestSubscription(t, db, user.ID, func(s *models.Subscription) { s.TrafficLimitQuota = 0 })

	_, err := a.Apply(context.Background(), user.ID, AddQuota{Amount: 10})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	assert.Equal(t, int64(20000), balanceOf(t, db, user.ID))
}

func TestApplier_InsufficientFundsChangesNothing(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(100))
	end := testutil.Now.Add(day)
	sub := testutil.TestSubscription(t, db, user.ID, testutil.WithEndDate(end))

	_, err := a.Apply(context.Background(), user.ID, Extend{Days: 30})
	assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds))

	got := testutil.Reload(t, db, sub.ID)
	assert.WithinDuration(t, end, got.EndDate, time.Second)
	assert.Equal(t, int64(100), balanceOf(t, db, user.ID))
}

func TestApplier_AddDevicesNeedsSubscription(t *testing.T) {
	a, db := setupApplier(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(20000))

	_, err := a.Apply(context.Background(), user.ID, AddDevices{Count: 1})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
