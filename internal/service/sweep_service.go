package service

import (
	"context"
	"fmt"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/metrics"
	"consult-service/pkg/tracing"
	"consult-service/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Sweep triggers
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerCLI       = "cli"
)

// SweepReport 一次清扫的汇总
type SweepReport struct {
	RunID      string        `json:"run_id"`
	Trigger    string        `json:"trigger"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	DurationMs int64         `json:"duration_ms"`
	Expiry     *ExpiryResult `json:"expiry"`
	Refund     *RefundResult `json:"refund"`
	Error      string        `json:"error,omitempty"`
}

// RunSweep expires overdue invitations and then settles refunds, once. Item failures are
// counted in the report; only infrastructure failures return an error.
func (s *ConsultService) RunSweep(ctx context.Context, trigger string) (*SweepReport, error) {
	ctx, span := tracing.StartSpan(ctx, "ConsultService.RunSweep")
	start := s.Clock.Now()
	log := s.log(ctx).WithField("trigger", trigger)

	lock, err := AcquireSweepLock(ctx, s.Redis, s.Config.Sweep.LockTTL)
	if err != nil {
		log.WithError(err).Warn("sweep not started")
		metrics.RecordSweep(ctx, trigger, "rejected", s.Clock.Now().Sub(start))
		tracing.EndSpan(span, err)
		return nil, err
	}
	defer func() {
		released, rerr := lock.Release(context.WithoutCancel(ctx))
		if rerr != nil {
			log.WithError(rerr).Warn("sweep lock release failed")
		} else if !released {
			log.Warn("sweep lock expired before the sweep finished, consider raising sweep.lock_ttl")
		}
	}()

	report := &SweepReport{
		RunID:     utils.GenerateID(),
		Trigger:   trigger,
		Status:    models.SweepStatusRunning,
		StartedAt: s.Clock.Now(),
	}
	run := &models.SweepRun{
		ID:        report.RunID,
		Trigger:   trigger,
		Status:    models.SweepStatusRunning,
		StartedAt: report.StartedAt,
		CreatedAt: report.StartedAt,
	}
	if err := s.DB.WithContext(ctx).Create(run).Error; err != nil {
		err = fmt.Errorf("create sweep run: %w", err)
		log.WithError(err).Error("sweep aborted")
		metrics.RecordSweep(ctx, trigger, models.SweepStatusFailed, s.Clock.Now().Sub(start))
		tracing.EndSpan(span, err)
		return nil, err
	}
	log = log.WithField("run_id", run.ID)
	log.Info("sweep started")

	report.Expiry, err = s.ExpireInvitations(ctx)
	if err == nil {
		report.Refund, err = s.SettleRefunds(ctx)
	}

	report.Status = models.SweepStatusCompleted
	if err != nil {
		report.Status = models.SweepStatusFailed
		report.Error = err.Error()
	}
	report.FinishedAt = s.Clock.Now()
	report.DurationMs = report.FinishedAt.Sub(start).Milliseconds()
	s.finishSweepRun(context.WithoutCancel(ctx), run, report)

	fields := logrus.Fields{"status": report.Status, "duration_ms": report.DurationMs}
	if report.Expiry != nil {
		fields["invitations_found"] = report.Expiry.Found
		fields["invitations_expired"] = report.Expiry.Expired
		fields["invitations_failed"] = report.Expiry.Failed
	}
	if report.Refund != nil {
		fields["refunds_found"] = report.Refund.Found
		fields["refunds_settled"] = report.Refund.Refunded
		fields["refunds_skipped"] = report.Refund.Skipped
		fields["refunds_failed"] = report.Refund.Failed
		fields["tokens_refunded"] = report.Refund.TokensRefunded
	}
	metrics.RecordSweep(ctx, trigger, report.Status, s.Clock.Now().Sub(start))
	tracing.EndSpan(span, err)

	if err != nil {
		log.WithFields(fields).WithError(err).Error("sweep failed")
		return report, err
	}
	log.WithFields(fields).Info("sweep finished")
	return report, nil
}

func (s *ConsultService) finishSweepRun(ctx context.Context, run *models.SweepRun, report *SweepReport) {
	finished := report.FinishedAt
	updates := map[string]interface{}{
		"status":      report.Status,
		"finished_at": &finished,
		"error":       report.Error,
		"details":     utils.ToJSON(report),
	}
	if e := report.Expiry; e != nil {
		updates["invitations_found"] = e.Found
		updates["invitations_expired"] = e.Expired
		updates["invitations_failed"] = e.Failed
	}
	if r := report.Refund; r != nil {
		updates["refunds_found"] = r.Found
		updates["refunds_settled"] = r.Refunded
		updates["refunds_skipped"] = r.Skipped
		updates["refunds_failed"] = r.Failed
		updates["tokens_refunded"] = r.TokensRefunded
	}
	if err := s.DB.WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		s.log(ctx).WithField("run_id", run.ID).WithError(err).Warn("sweep run update failed")
	}
}

// DryRunReport 列出清扫将要处理的对象，不做写入
type DryRunReport struct {
	At                  time.Time `json:"at"`
	ExpiringInvitations []string  `json:"expiring_invitations"`
	RefundSubmissions   []string  `json:"refund_submissions"`
}

// DryRun projects the sweep at the current clock: invitations that would expire and
// submissions that would be refunded once those expiries are applied.
func (s *ConsultService) DryRun(ctx context.Context) (*DryRunReport, error) {
	now := s.Clock.Now()
	report := &DryRunReport{At: now, ExpiringInvitations: []string{}, RefundSubmissions: []string{}}

	due, err := s.dueInvitations(ctx, now, nil, 0)
	if err != nil {
		return nil, err
	}
	for _, inv := range due {
		report.ExpiringInvitations = append(report.ExpiringInvitations, inv.ID)
	}

	err = s.DB.WithContext(ctx).Model(&models.ProblemSubmission{}).
		Where("problem_submissions.status = ? AND problem_submissions.refunded_at IS NULL", models.SubmissionStatusMatching).
		Where(invitationExistsSQL).
		Where("NOT EXISTS (SELECT 1 FROM consultant_invitations ci WHERE ci.problem_submission_id = problem_submissions.id AND (ci.status = ? OR (ci.status = ? AND ci.expires_at >= ?)))",
			models.InvitationStatusAccepted, models.InvitationStatusPending, now).
		Order("problem_submissions.created_at ASC").
		Pluck("problem_submissions.id", &report.RefundSubmissions).Error
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *ConsultService) ListSweepRuns(ctx context.Context, page, pageSize int) ([]models.SweepRun, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.SweepRun{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	var runs []models.SweepRun
	if err := q.Order("started_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (s *ConsultService) GetSweepRun(ctx context.Context, id string) (*models.SweepRun, error) {
	var run models.SweepRun
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, fmt.Errorf("sweep run %s: %w", id, err)
	}
	return &run, nil
}
