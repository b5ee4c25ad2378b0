// Package balance debits and credits a user's prepaid balance. Every call runs on
// the caller's transaction so a debit commits together with what it pays for.
package balance

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/models"
)

// Debit atomically takes amount from the user's balance, refusing to go below zero.
func Debit(tx *gorm.DB, userID uint, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit of negative amount %d", amount)
	}
	if amount == 0 {
		return nil
	}

	res := tx.Model(&models.User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to debit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := Get(tx, userID); err != nil {
			return err
		}
		return fmt.Errorf("debit %d from user %d: %w", amount, userID, apperr.ErrInsufficientFunds)
	}
	return nil
}

func Credit(tx *gorm.DB, userID uint, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit of negative amount %d", amount)
	}

	res := tx.Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to credit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
	}
	return nil
}

func Get(tx *gorm.DB, userID uint) (int64, error) {
	var user models.User
	if err := tx.Select("id", "balance").Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
		}
		return 0, err
	}
	return user.Balance, nil
}
