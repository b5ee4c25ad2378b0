package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/billing"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/testutil"
)

func setupBot(t *testing.T) (*Bot, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	outbox := provisioning.NewOutbox()
	outbox.Now = testutil.Clock(testutil.Now)
	engine := billing.NewEngine(db, outbox, config.DefaultSettings())
	engine.Now = testutil.Clock(testutil.Now)
	return &Bot{DB: db, Billing: engine}, db
}

func TestProfile(t *testing.T) {
	b, db := setupBot(t)
	ctx := context.Background()

	text, err := b.Profile(ctx, 424242)
	require.NoError(t, err)
	assert.Contains(t, text, "/start")

	user := testutil.TestUser(t, db, testutil.WithBalance(12345))
	text, err = b.Profile(ctx, user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "123.45₽")
	assert.Contains(t, text, "Нет подписки")

	plan := testutil.TestPlan(t, db)
	sub := testutil.TestSubscription(t, db, user.ID, testutil.WithPlan(plan), testutil.WithEndDate(testutil.Now.Add(48*time.Hour)))
	require.NoError(t, db.Model(sub).Update("subscription_url", "https://panel.example/sub/abc").Error)

	text, err = b.Profile(ctx, user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "Активна")
	assert.Contains(t, text, plan.Name)
	assert.Contains(t, text, testutil.Now.Add(48*time.Hour).Format("02.01.2006"))
	assert.Contains(t, text, "https://panel.example/sub/abc")
}

func TestStatusLabel(t *testing.T) {
	assert.Contains(t, statusLabel(&models.Subscription{Status: models.StatusActive, IsDailyPaused: true}), "паузе")
	assert.Contains(t, statusLabel(&models.Subscription{Status: models.StatusDisabled, SuspensionReason: models.SuspensionInsufficientFunds}), "недостаточно")
	assert.Contains(t, statusLabel(&models.Subscription{Status: models.StatusDisabled}), "Отключена")
}

func TestTogglePause(t *testing.T) {
	b, db := setupBot(t)
	ctx := context.Background()

	text, err := b.TogglePause(ctx, 424242)
	require.NoError(t, err)
	assert.Contains(t, text, "Нет подписки")

	user := testutil.TestUser(t, db)
	plan := testutil.TestPlan(t, db, testutil.Daily(900))
	sub := testutil.TestSubscription(t, db, user.ID, testutil.WithPlan(plan))

	text, err = b.TogglePause(ctx, user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "паузу")
	assert.True(t, testutil.Reload(t, db, sub.ID).IsDailyPaused)

	text, err = b.TogglePause(ctx, user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "возобновлена")
	assert.False(t, testutil.Reload(t, db, sub.ID).IsDailyPaused)
}

func TestTogglePause_RequiresDailyPlan(t *testing.T) {
	b, db := setupBot(t)
	user := testutil.TestUser(t, db)
	testutil.TestSubscription(t, db, user.ID, testutil.WithPlan(testutil.TestPlan(t, db)))

	text, err := b.TogglePause(context.Background(), user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "посуточного")
}

func TestTogglePause_ResumesSuspended(t *testing.T) {
	b, db := setupBot(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(100))
	plan := testutil.TestPlan(t, db, testutil.Daily(900))
	sub := testutil.TestSubscription(t, db, user.ID, testutil.WithPlan(plan),
		testutil.WithStatus(models.StatusDisabled), testutil.WithSuspension(models.SuspensionInsufficientFunds))

	text, err := b.TogglePause(context.Background(), user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "Недостаточно")

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("balance", 1000).Error)
	text, err = b.TogglePause(context.Background(), user.TelegramID)
	require.NoError(t, err)
	assert.Contains(t, text, "возобновлена")
	assert.Equal(t, models.StatusActive, testutil.Reload(t, db, sub.ID).Status)
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "0.00", formatMoney(0))
	assert.Equal(t, "255.00", formatMoney(25500))
	assert.Equal(t, "-0.05", formatMoney(-5))
}
