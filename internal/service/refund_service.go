package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"
	"consult-service/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	NotificationTypeProblemRefunded = "problem_refunded"
	refundReasonNoAcceptance        = "no_consultant_accepted"
)

// RefundResult 退款步骤的计数
type RefundResult struct {
	Found          int   `json:"found"`
	Refunded       int   `json:"refunded"`
	Skipped        int   `json:"skipped"`
	Failed         int   `json:"failed"`
	TokensRefunded int64 `json:"tokens_refunded"`
}

// RefundOutcome 单个提交的退款结果
type RefundOutcome struct {
	SubmissionID  string    `json:"submission_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	TransactionID string    `json:"transaction_id"`
	RefundedAt    time.Time `json:"refunded_at"`
}

const (
	invitationExistsSQL = "EXISTS (SELECT 1 FROM consultant_invitations ci WHERE ci.problem_submission_id = problem_submissions.id)"
	openInvitationSQL   = "NOT EXISTS (SELECT 1 FROM consultant_invitations ci WHERE ci.problem_submission_id = problem_submissions.id AND ci.status IN ?)"
)

var openInvitationStatuses = []string{models.InvitationStatusPending, models.InvitationStatusAccepted}

// refundEligible scopes q to submissions in matching, never refunded, with at least one
// invitation and none pending or accepted.
func refundEligible(q *gorm.DB) *gorm.DB {
	return q.Where("problem_submissions.status = ? AND problem_submissions.refunded_at IS NULL", models.SubmissionStatusMatching).
		Where(invitationExistsSQL).
		Where(openInvitationSQL, openInvitationStatuses)
}

// FindRefundEligible lists the submissions the refund step would settle right now, oldest first,
// leaving out the ids in exclude. limit <= 0 means all.
func (s *ConsultService) FindRefundEligible(ctx context.Context, exclude []string, limit int) ([]models.ProblemSubmission, error) {
	var subs []models.ProblemSubmission
	q := refundEligible(s.DB.WithContext(ctx).Model(&models.ProblemSubmission{})).
		Order("problem_submissions.created_at ASC, problem_submissions.id ASC")
	if len(exclude) > 0 {
		q = q.Where("problem_submissions.id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// SettleRefunds refunds the fee of every eligible submission, one transaction per submission.
func (s *ConsultService) SettleRefunds(ctx context.Context) (*RefundResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.SettleRefunds")
	defer span.End()

	log := s.log(ctx).WithField("step", "settle_refunds")

	result := &RefundResult{}
	batch := s.Config.Sweep.BatchSize
	// failed submissions stay eligible; excluding them lets later batches reach the rest
	var failed []string

pages:
	for {
		subs, err := s.FindRefundEligible(ctx, failed, batch)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("select refund eligible submissions: %w", err)
		}
		result.Found += len(subs)
		log.WithField("found", len(subs)).Info("refund eligible submissions found")

		for i := range subs {
			sub := &subs[i]
			if ctx.Err() != nil {
				log.WithError(ctx.Err()).Warn("refund step interrupted, remaining submissions left for the next sweep")
				break pages
			}
			fields := logrus.Fields{
				"submission_id": sub.ID,
				"user_id":       sub.UserID,
				"amount":        sub.SubmissionFee,
			}

			outcome, err := s.refundSubmission(ctx, sub)
			switch {
			case errors.Is(err, ErrRefundNotClaimed):
				result.Skipped++
				metrics.RecordRefund(ctx, metrics.ResultSkipped, 0)
				log.WithFields(fields).Info("submission already claimed by another sweep, skipped")
				continue
			case err != nil:
				result.Failed++
				failed = append(failed, sub.ID)
				metrics.RecordRefund(ctx, metrics.ResultFailed, 0)
				log.WithFields(fields).WithError(err).Error("refund failed, submission left for retry")
				continue
			}

			result.Refunded++
			result.TokensRefunded += outcome.Amount
			metrics.RecordRefund(ctx, metrics.ResultSuccess, outcome.Amount)
			log.WithFields(fields).WithField("balance_after", outcome.BalanceAfter).Info("submission refunded")

			s.notifyRefund(ctx, sub, outcome)
		}

		if batch <= 0 || len(subs) < batch {
			break
		}
	}

	return result, nil
}

// RefundSubmission settles a single submission on demand. It applies the same eligibility
// rules as the sweep.
func (s *ConsultService) RefundSubmission(ctx context.Context, submissionID string) (*RefundOutcome, error) {
	var sub models.ProblemSubmission
	if err := s.DB.WithContext(ctx).Where("id = ?", submissionID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}

	var count int64
	err := refundEligible(s.DB.WithContext(ctx).Model(&models.ProblemSubmission{})).
		Where("problem_submissions.id = ?", submissionID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrRefundNotEligible
	}

	outcome, err := s.refundSubmission(ctx, &sub)
	if err != nil {
		if errors.Is(err, ErrRefundNotClaimed) {
			return nil, ErrRefundNotEligible
		}
		metrics.RecordRefund(ctx, metrics.ResultFailed, 0)
		return nil, err
	}
	metrics.RecordRefund(ctx, metrics.ResultSuccess, outcome.Amount)
	s.notifyRefund(ctx, &sub, outcome)
	return outcome, nil
}

// refundSubmission claims the submission, credits the fee, writes the ledger entry and the audit
// row in one transaction.
func (s *ConsultService) refundSubmission(ctx context.Context, sub *models.ProblemSubmission) (*RefundOutcome, error) {
	itemCtx, cancel := s.itemContext(ctx)
	defer cancel()

	itemCtx, span := tracing.StartSpan(itemCtx, "ConsultService.refundSubmission")
	now := s.Clock.Now()
	outcome := &RefundOutcome{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		Amount:       sub.SubmissionFee,
		RefundedAt:   now,
	}

	err := s.DB.WithContext(itemCtx).Transaction(func(tx *gorm.DB) error {
		// the claim re-checks eligibility so a concurrent sweep or a re-match cannot double refund
		claim := refundEligible(tx.Model(&models.ProblemSubmission{})).
			Where("problem_submissions.id = ?", sub.ID).
			Updates(map[string]interface{}{
				"status":      models.SubmissionStatusRefunded,
				"refunded_at": now,
				"updated_at":  now,
			})
		if claim.Error != nil {
			return fmt.Errorf("claim submission: %w", claim.Error)
		}
		if claim.RowsAffected != 1 {
			return ErrRefundNotClaimed
		}

		balanceAfter, err := creditBalance(tx, sub.UserID, sub.SubmissionFee)
		if err != nil {
			return err
		}
		outcome.BalanceAfter = balanceAfter

		entry := &models.TokenTransaction{
			ID:            utils.GenerateID(),
			UserID:        sub.UserID,
			Type:          models.TransactionTypeRefund,
			Amount:        sub.SubmissionFee,
			BalanceAfter:  balanceAfter,
			Description:   fmt.Sprintf("Refund for unmatched problem: %s", sub.Title),
			ReferenceType: "problem_submission",
			ReferenceID:   sub.ID,
			Metadata: utils.ToJSON(map[string]interface{}{
				"problem_id":     sub.ID,
				"submission_fee": sub.SubmissionFee,
				"reason":         refundReasonNoAcceptance,
			}),
			CreatedAt: now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create refund ledger entry: %w", err)
		}
		outcome.TransactionID = entry.ID

		return s.RecordAudit(itemCtx, tx, AuditEntry{
			ActorType:   ActorSystem,
			Action:      ActionProblemRefunded,
			SubjectType: "problem_submission",
			SubjectID:   sub.ID,
			Before: map[string]interface{}{
				"status":        models.SubmissionStatusMatching,
				"refunded_at":   nil,
				"token_balance": balanceAfter - sub.SubmissionFee,
			},
			After: map[string]interface{}{
				"status":         models.SubmissionStatusRefunded,
				"refunded_at":    now,
				"token_balance":  balanceAfter,
				"transaction_id": entry.ID,
			},
			Message: fmt.Sprintf("refunded %d tokens", sub.SubmissionFee),
		})
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// notifyRefund runs after commit; a failure is only logged.
func (s *ConsultService) notifyRefund(ctx context.Context, sub *models.ProblemSubmission, outcome *RefundOutcome) {
	if s.Notifier == nil {
		return
	}
	message := fmt.Sprintf("No consultant accepted your problem %q in time. %d tokens were returned to your balance.", sub.Title, outcome.Amount)
	err := s.Notifier.Notify(ctx, NotificationMessage{
		UserID:  sub.UserID,
		Type:    NotificationTypeProblemRefunded,
		Title:   "Your problem was refunded",
		Message: message,
		Payload: map[string]interface{}{
			"problem_id":    sub.ID,
			"refund_amount": outcome.Amount,
			"message":       message,
		},
	})
	if err != nil {
		s.log(ctx).WithFields(logrus.Fields{
			"submission_id": sub.ID,
			"user_id":       sub.UserID,
		}).WithError(err).Warn("refund notification failed")
	}
}
