package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/ledger"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/testutil"
)

type fakeMarkers struct {
	cleared []uint
}

func (f *fakeMarkers) ClearMarkers(_ context.Context, subscriptionID uint) error {
	f.cleared = append(f.cleared, subscriptionID)
	return nil
}

func setupProcessor(t *testing.T) (*Processor, *gorm.DB, *fakeMarkers) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	outbox := provisioning.NewOutbox()
	outbox.Now = testutil.Clock(testutil.Now)
	markers := &fakeMarkers{}
	p := NewProcessor(db, outbox, markers, config.DefaultSettings())
	p.Now = testutil.Clock(testutil.Now)
	return p, db, markers
}

func grant(t *testing.T, db *gorm.DB, subID uint, amount int64) {
	t.Helper()
	l := ledger.New(db, provisioning.NewOutbox(), config.DefaultSettings())
	l.Now = testutil.Clock(testutil.Now)
	_, err := l.GrantQuota(context.Background(), subID, amount)
	require.NoError(t, err)
}

func purchaseCount(t *testing.T, db *gorm.DB, subID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.QuotaPurchase{}).Where("subscription_id = ?", subID).Count(&n).Error)
	return n
}

func TestExtend_NegativeDaysNeverTouchesTrial(t *testing.T) {
	p, db, _ := setupProcessor(t)
	plan := testutil.TestPlan(t, db)

	for _, n := range []int{1, 3, 15} {
		end := testutil.Now.Add(5*day + 12*time.Hour)
		sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.Trial(), testutil.WithEndDate(end))

		got, err := p.Extend(context.Background(), sub.ID, -n, ExtendOptions{NewPlanID: &plan.ID})
		require.NoError(t, err)

		assert.True(t, got.IsTrial)
		assert.Equal(t, models.StatusTrial, got.Status)
		assert.WithinDuration(t, end.Add(-time.Duration(n)*day), got.EndDate, time.Second)
	}
}

func TestExtend_PlanChangeOnValidTrialAddsBonus(t *testing.T) {
	p, db, markers := setupProcessor(t)
	plan := testutil.TestPlan(t, db, testutil.WithBaseQuota(500))
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.Trial(), testutil.WithEndDate(testutil.Now.Add(5*day+12*time.Hour)))
	grant(t, db, sub.ID, 10)

	got, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &plan.ID})
	require.NoError(t, err)

	assert.WithinDuration(t, testutil.Now.Add(35*day), got.EndDate, time.Second)
	assert.WithinDuration(t, testutil.Now, got.StartDate, time.Second)
	assert.False(t, got.IsTrial)
	assert.Equal(t, models.StatusActive, got.Status)
	require.NotNil(t, got.PlanID)
	assert.Equal(t, plan.ID, *got.PlanID)
	assert.Equal(t, int64(500), got.TrafficLimitQuota)
	assert.Equal(t, int64(0), got.PurchasedQuota)
	assert.Nil(t, got.TrafficResetAt)
	assert.Equal(t, int64(0), purchaseCount(t, db, sub.ID))
	assert.Equal(t, []string{"squad-a"}, got.ConnectedResourceIDs)
	assert.Equal(t, []uint{sub.ID}, markers.cleared)
}

func TestExtend_PlanChangeOnLapsedTrialHasNoBonus(t *testing.T) {
	p, db, _ := setupProcessor(t)
	plan := testutil.TestPlan(t, db)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.Trial(), testutil.WithStatus(models.StatusExpired), testutil.WithEndDate(testutil.Now.Add(-2*day)))

	got, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &plan.ID})
	require.NoError(t, err)

	assert.WithinDuration(t, testutil.Now.Add(30*day), got.EndDate, time.Second)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.False(t, got.IsTrial)
}

func TestExtend_TrialRolloverDisabled(t *testing.T) {
	p, db, _ := setupProcessor(t)
	p.Settings.TrialRollover = false
	plan := testutil.TestPlan(t, db)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.Trial(), testutil.WithEndDate(testutil.Now.Add(5*day)))

	got, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &plan.ID})
	require.NoError(t, err)
	assert.WithinDuration(t, testutil.Now.Add(30*day), got.EndDate, time.Second)
}

func TestExtend_PlanChangeOnPaidSubscriptionHasNoBonus(t *testing.T) {
	p, db, _ := setupProcessor(t)
	oldPlan := testutil.TestPlan(t, db)
	newPlan := testutil.TestPlan(t, db)
	end := testutil.Now.Add(10 * day)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.WithPlan(oldPlan), testutil.WithEndDate(end))

	got, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &newPlan.ID})
	require.NoError(t, err)

	assert.WithinDuration(t, end.Add(30*day), got.EndDate, time.Second)
	assert.Equal(t, newPlan.ID, *got.PlanID)
}

func TestExtend_SamePlanKeepsPurchases(t *testing.T) {
	p, db, _ := setupProcessor(t)
	plan := testutil.TestPlan(t, db)
	end := testutil.Now.Add(3 * day)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.WithPlan(plan), testutil.WithEndDate(end))
	grant(t, db, sub.ID, 20)

	base := int64(200)
	got, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &plan.ID, NewQuotaBase: &base})
	require.NoError(t, err)

	assert.WithinDuration(t, end.Add(30*day), got.EndDate, time.Second)
	assert.Equal(t, int64(20), got.PurchasedQuota)
	assert.Equal(t, int64(220), got.TrafficLimitQuota)
	assert.Equal(t, int64(1), purchaseCount(t, db, sub.ID))
}

func TestExtend_LapsedAndDisabledBecomeActive(t *testing.T) {
	p, db, _ := setupProcessor(t)
	ctx := context.Background()

	expired := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.WithStatus(models.StatusExpired), testutil.WithEndDate(testutil.Now.Add(-7*day)))
	got, err := p.Extend(ctx, expired.ID, 30, ExtendOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.WithinDuration(t, testutil.Now.Add(30*day), got.EndDate, time.Second)
	assert.WithinDuration(t, testutil.Now, got.StartDate, time.Second)

	disabled := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.WithSuspension(models.SuspensionManual))
	got, err = p.Extend(ctx, disabled.ID, 30, ExtendOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, models.SuspensionNone, got.SuspensionReason)
}

func TestExtend_ZeroDaysKeepsTimeline(t *testing.T) {
	p, db, _ := setupProcessor(t)
	end := testutil.Now.Add(-time.Hour)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.WithStatus(models.StatusExpired), testutil.WithEndDate(end))

	devices := 5
	got, err := p.Extend(context.Background(), sub.ID, 0, ExtendOptions{NewDeviceLimit: &devices})
	require.NoError(t, err)

	assert.Equal(t, models.StatusExpired, got.Status)
	assert.WithinDuration(t, end, got.EndDate, time.Second)
	assert.Equal(t, 5, got.DeviceLimit)
}

func TestExtend_SwitchingToDailyResetsBillingClock(t *testing.T) {
	p, db, _ := setupProcessor(t)
	daily := testutil.TestPlan(t, db, testutil.Daily(900))
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.WithLastCharge(testutil.Now.Add(-3*day)), func(s *models.Subscription) { s.IsDailyPaused = true })

	got, err := p.Extend(context.Background(), sub.ID, 1, ExtendOptions{NewPlanID: &daily.ID})
	require.NoError(t, err)

	assert.False(t, got.IsDailyPaused)
	assert.Nil(t, got.LastDailyChargeAt)
	assert.True(t, got.IsDailyPlan())
}

func TestExtend_FailureLeavesSubscriptionIntact(t *testing.T) {
	p, db, markers := setupProcessor(t)
	end := testutil.Now.Add(4 * day)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.Trial(), testutil.WithEndDate(end))

	missing := uint(999)
	_, err := p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &missing})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	inactive := testutil.TestPlan(t, db, func(pl *models.Plan) { pl.IsActive = false })
	_, err = p.Extend(context.Background(), sub.ID, 30, ExtendOptions{NewPlanID: &inactive.ID})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	got := testutil.Reload(t, db, sub.ID)
	assert.True(t, got.IsTrial)
	assert.WithinDuration(t, end, got.EndDate, time.Second)
	assert.Empty(t, markers.cleared)
}

func TestExtend_MissingSubscription(t *testing.T) {
	p, _, _ := setupProcessor(t)
	_, err := p.Extend(context.Background(), 12345, 30, ExtendOptions{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestReplace_OverwritesEverything(t *testing.T) {
	p, db, markers := setupProcessor(t)
	plan := testutil.TestPlan(t, db)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID,
		testutil.WithRemoteID("rw-old"), func(s *models.Subscription) {
			s.TrafficUsedQuota = 77
			s.SubscriptionURL = "https://panel/sub/old"
		})
	grant(t, db, sub.ID, 15)

	got, err := p.Replace(context.Background(), sub.ID, ReplaceOptions{
		DurationDays: 90,
		QuotaBase:    300,
		DeviceLimit:  2,
		ResourceIDs:  []string{"squad-b"},
		PlanID:       &plan.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, got.Status)
	assert.WithinDuration(t, testutil.Now, got.StartDate, time.Second)
	assert.WithinDuration(t, testutil.Now.Add(90*day), got.EndDate, time.Second)
	assert.Equal(t, int64(300), got.TrafficLimitQuota)
	assert.Equal(t, int64(0), got.TrafficUsedQuota)
	assert.Equal(t, int64(0), got.PurchasedQuota)
	assert.Nil(t, got.TrafficResetAt)
	assert.Empty(t, got.RemnawaveID)
	assert.Empty(t, got.SubscriptionURL)
	assert.Equal(t, []string{"squad-b"}, got.ConnectedResourceIDs)
	assert.Equal(t, int64(0), purchaseCount(t, db, sub.ID))
	assert.Equal(t, []uint{sub.ID}, markers.cleared)

	stored := testutil.Reload(t, db, sub.ID)
	assert.Equal(t, int64(0), stored.TrafficUsedQuota)
	assert.Equal(t, 2, stored.DeviceLimit)
}

func TestReplace_Trial(t *testing.T) {
	p, db, _ := setupProcessor(t)
	sub := testutil.TestSubscription(t, db, testutil.TestUser(t, db).ID, testutil.WithStatus(models.StatusPending))

	got, err := p.Replace(context.Background(), sub.ID, ReplaceOptions{DurationDays: 3, QuotaBase: 10, DeviceLimit: 1, IsTrial: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrial, got.Status)
	assert.True(t, got.IsTrial)
	assert.Nil(t, got.PlanID)

	_, err = p.Replace(context.Background(), sub.ID, ReplaceOptions{DurationDays: 0})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}
