package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/remnawave"
	"vpn-subscriptions/internal/testutil"
)

type nopSender struct{}

func (nopSender) SendMessage(context.Context, *telego.SendMessageParams) (*telego.Message, error) {
	return &telego.Message{}, nil
}

func TestNewApp_Jobs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	rdb, _ := testutil.SetupTestRedis(t)
	cfg := &config.Config{Settings: config.DefaultSettings()}

	a := newApp(cfg, db, rdb, nil, nil)
	assert.Equal(t, []string{"autopay", "billing", "grants", "reconcile", "resume"}, a.jobNames())
	assert.Nil(t, a.dispatcher)

	a = newApp(cfg, db, rdb, remnawave.NewClient("http://127.0.0.1:1", "key"), nopSender{})
	assert.Equal(t, []string{"autopay", "billing", "grants", "notify", "reconcile", "resume", "sync"}, a.jobNames())
	assert.NotNil(t, a.dispatcher)
}

func TestRunJob_Reconcile(t *testing.T) {
	db := testutil.SetupTestDB(t)
	rdb, _ := testutil.SetupTestRedis(t)
	cfg := &config.Config{Settings: config.DefaultSettings()}
	a := newApp(cfg, db, rdb, nil, nil)

	user := testutil.TestUser(t, db)
	sub := testutil.TestSubscription(t, db, user.ID, testutil.WithEndDate(time.Now().Add(-time.Hour)))

	require.NoError(t, a.runJob(context.Background(), "reconcile"))
	assert.Equal(t, models.StatusExpired, testutil.Reload(t, db, sub.ID).Status)

	assert.Error(t, a.runJob(context.Background(), "nope"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "subsd dev")
}
