package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"
	"consult-service/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Urgency levels
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// SubmitProblemInput 提交咨询问题
type SubmitProblemInput struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Urgency     string `json:"urgency"`
	Fee         int64  `json:"fee"`
}

// SubmitProblem debits the fee, creates the submission and then invites consultants.
// A matching failure does not undo the submission.
func (s *ConsultService) SubmitProblem(ctx context.Context, userID string, in SubmitProblemInput) (*models.ProblemSubmission, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.SubmitProblem")
	start := time.Now()

	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		tracing.EndSpan(span, ErrInvalidInput)
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.Urgency == "" {
		in.Urgency = UrgencyNormal
	}
	if in.Urgency != UrgencyLow && in.Urgency != UrgencyNormal && in.Urgency != UrgencyHigh {
		tracing.EndSpan(span, ErrInvalidInput)
		return nil, fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, in.Urgency)
	}
	if in.Fee < 0 {
		tracing.EndSpan(span, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	if in.Fee == 0 {
		in.Fee = s.Config.Matching.DefaultSubmissionFee
	}

	now := s.Clock.Now()
	sub := &models.ProblemSubmission{
		ID:            utils.GenerateID(),
		UserID:        userID,
		Title:         in.Title,
		Description:   in.Description,
		Category:      strings.ToLower(strings.TrimSpace(in.Category)),
		Urgency:       in.Urgency,
		Status:        models.SubmissionStatusSubmitted,
		SubmissionFee: in.Fee,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balanceAfter, err := debitBalance(tx, userID, in.Fee)
		if err != nil {
			return err
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create submission: %w", err)
		}
		entry := &models.TokenTransaction{
			ID:            utils.GenerateID(),
			UserID:        userID,
			Type:          models.TransactionTypeSubmissionFee,
			Amount:        -in.Fee,
			BalanceAfter:  balanceAfter,
			Description:   fmt.Sprintf("Submission fee for problem: %s", sub.Title),
			ReferenceType: "problem_submission",
			ReferenceID:   sub.ID,
			Metadata:      utils.ToJSON(map[string]interface{}{"problem_id": sub.ID, "urgency": sub.Urgency}),
			CreatedAt:     now,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create fee ledger entry: %w", err)
		}
		return s.RecordAudit(ctx, tx, AuditEntry{
			ActorType:   ActorUser,
			ActorID:     userID,
			Action:      ActionProblemSubmitted,
			SubjectType: "problem_submission",
			SubjectID:   sub.ID,
			After:       map[string]interface{}{"status": sub.Status, "submission_fee": sub.SubmissionFee, "token_balance": balanceAfter},
		})
	})
	metrics.RecordBusinessOperation(ctx, "submit_problem", err == nil, time.Since(start), errorType(err))
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	if _, merr := s.MatchSubmission(ctx, sub.ID); merr != nil {
		s.log(ctx).WithFields(logrus.Fields{
			"submission_id": sub.ID,
		}).WithError(merr).Warn("matching after submit failed, an admin can re-run it")
	}
	return s.GetSubmission(ctx, sub.ID)
}

// GetSubmission 返回提交及其邀请
func (s *ConsultService) GetSubmission(ctx context.Context, id string) (*models.ProblemSubmission, error) {
	var sub models.ProblemSubmission
	err := s.DB.WithContext(ctx).
		Preload("Invitations", func(db *gorm.DB) *gorm.DB { return db.Order("invited_at ASC") }).
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetSubmissionForUser hides other users' submissions behind ErrSubmissionNotFound.
func (s *ConsultService) GetSubmissionForUser(ctx context.Context, userID, id string) (*models.ProblemSubmission, error) {
	sub, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrSubmissionNotFound
	}
	return sub, nil
}

func (s *ConsultService) ListSubmissions(ctx context.Context, userID, status string, page, pageSize int) ([]models.ProblemSubmission, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.ProblemSubmission{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	var subs []models.ProblemSubmission
	if err := q.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&subs).Error; err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}
