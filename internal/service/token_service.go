package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/utils"

	"gorm.io/gorm"
)

// creditBalance increments the balance in SQL and returns the post-increment value read
// inside the same transaction.
func creditBalance(tx *gorm.DB, userID string, amount int64) (int64, error) {
	res := tx.Model(&models.User{}).
		Where("id = ?", userID).
		Update("token_balance", gorm.Expr("token_balance + ?", amount))
	if res.Error != nil {
		return 0, fmt.Errorf("credit balance: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return 0, ErrUserNotFound
	}
	return readBalance(tx, userID)
}

// debitBalance decrements only when the balance covers amount.
func debitBalance(tx *gorm.DB, userID string, amount int64) (int64, error) {
	res := tx.Model(&models.User{}).
		Where("id = ? AND token_balance >= ?", userID, amount).
		Update("token_balance", gorm.Expr("token_balance - ?", amount))
	if res.Error != nil {
		return 0, fmt.Errorf("debit balance: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return 0, err
		}
		if count == 0 {
			return 0, ErrUserNotFound
		}
		return 0, ErrInsufficientTokens
	}
	return readBalance(tx, userID)
}

func readBalance(tx *gorm.DB, userID string) (int64, error) {
	var user models.User
	if err := tx.Select("id", "token_balance").Where("id = ?", userID).First(&user).Error; err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return user.TokenBalance, nil
}

// CreditTokens 充值或人工调整，余额与流水在同一事务内写入
func (s *ConsultService) CreditTokens(ctx context.Context, userID string, amount int64, txType, description string, metadata map[string]interface{}) (*models.TokenTransaction, error) {
	start := time.Now()
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if txType != models.TransactionTypePurchase && txType != models.TransactionTypeAdjustment {
		return nil, ErrInvalidTransactionType
	}

	now := s.Clock.Now()
	entry := &models.TokenTransaction{
		ID:            utils.GenerateID(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		Description:   description,
		ReferenceType: "user",
		ReferenceID:   userID,
		CreatedAt:     now,
	}
	if metadata != nil {
		entry.Metadata = utils.ToJSON(metadata)
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balanceAfter, err := creditBalance(tx, userID, amount)
		if err != nil {
			return err
		}
		entry.BalanceAfter = balanceAfter
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create ledger entry: %w", err)
		}
		return s.RecordAudit(ctx, tx, AuditEntry{
			Action:      ActionTokensCredited,
			SubjectType: "user",
			SubjectID:   userID,
			Before:      map[string]interface{}{"token_balance": balanceAfter - amount},
			After:       map[string]interface{}{"token_balance": balanceAfter, "transaction_id": entry.ID},
			Message:     fmt.Sprintf("%s of %d tokens", txType, amount),
		})
	})
	metrics.RecordBusinessOperation(ctx, "credit_tokens", err == nil, time.Since(start), errorType(err))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *ConsultService) GetBalance(ctx context.Context, userID string) (int64, error) {
	balance, err := readBalance(s.DB.WithContext(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// ListTransactions 按时间倒序返回用户流水
func (s *ConsultService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]models.TokenTransaction, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.TokenTransaction{}).Where("user_id = ?", userID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	var txs []models.TokenTransaction
	if err := q.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&txs).Error; err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
