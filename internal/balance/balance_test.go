package balance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/testutil"
)

func TestDebit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(500))

	t.Run("sufficient funds", func(t *testing.T) {
		require.NoError(t, Debit(db, user.ID, 200))
		bal, err := Get(db, user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), bal)
	})

	t.Run("insufficient funds leaves balance", func(t *testing.T) {
		err := Debit(db, user.ID, 301)
		assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds))
		bal, _ := Get(db, user.ID)
		assert.Equal(t, int64(300), bal)
	})

	t.Run("exact balance", func(t *testing.T) {
		require.NoError(t, Debit(db, user.ID, 300))
		bal, _ := Get(db, user.ID)
		assert.Equal(t, int64(0), bal)
	})

	t.Run("unknown user", func(t *testing.T) {
		err := Debit(db, 9999, 1)
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})
}

func TestDebit_RolledBackWithTransaction(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(100))

	boom := errors.New("entitlement failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, Debit(tx, user.ID, 100))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := Get(db, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestCredit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := testutil.TestUser(t, db, testutil.WithBalance(10))

	require.NoError(t, Credit(db, user.ID, 90))
	bal, _ := Get(db, user.ID)
	assert.Equal(t, int64(100), bal)

	assert.True(t, errors.Is(Credit(db, 9999, 1), apperr.ErrNotFound))
}
