package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"consult-service/internal/models"
	"consult-service/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRunSweepRefundsSubmissionWithOnlyExpiredInvitation(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 10)
	consultant := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	inv := testutil.CreateInvitation(t, db, sub.ID, consultant.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Hour))

	report, err := s.RunSweep(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.SweepStatusCompleted, report.Status)
	assert.Equal(t, &ExpiryResult{Found: 1, Expired: 1}, report.Expiry)
	assert.Equal(t, &RefundResult{Found: 1, Refunded: 1, TokensRefunded: 5}, report.Refund)

	gotInv := testutil.Reload[models.ConsultantInvitation](t, db, inv.ID)
	assert.Equal(t, models.InvitationStatusExpired, gotInv.Status)
	assert.EqualValues(t, 1, countRows(t, db, &models.AuditLog{}, "action = ? AND subject_id = ?", ActionInvitationExpired, inv.ID))

	gotSub := testutil.Reload[models.ProblemSubmission](t, db, sub.ID)
	assert.Equal(t, models.SubmissionStatusRefunded, gotSub.Status)
	require.NotNil(t, gotSub.RefundedAt)
	assert.True(t, gotSub.RefundedAt.Equal(testutil.Epoch))

	gotUser := testutil.Reload[models.User](t, db, user.ID)
	assert.EqualValues(t, 15, gotUser.TokenBalance)

	var ledger []models.TokenTransaction
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&ledger).Error)
	require.Len(t, ledger, 1)
	assert.Equal(t, models.TransactionTypeRefund, ledger[0].Type)
	assert.EqualValues(t, 5, ledger[0].Amount)
	assert.EqualValues(t, 15, ledger[0].BalanceAfter)
	assert.Equal(t, sub.ID, ledger[0].ReferenceID)

	var audit models.AuditLog
	require.NoError(t, db.Where("action = ? AND subject_id = ?", ActionProblemRefunded, sub.ID).First(&audit).Error)
	assert.Equal(t, ActorSystem, audit.ActorType)

	var note models.Notification
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&note).Error)
	assert.Equal(t, NotificationTypeProblemRefunded, note.Type)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(note.Payload, &payload))
	assert.Equal(t, sub.ID, payload["problem_id"])
	assert.EqualValues(t, 5, payload["refund_amount"])
	assert.NotEmpty(t, payload["message"])

	run := testutil.Reload[models.SweepRun](t, db, report.RunID)
	assert.Equal(t, models.SweepStatusCompleted, run.Status)
	assert.Equal(t, TriggerManual, run.Trigger)
	assert.Equal(t, 1, run.RefundsSettled)
	assert.EqualValues(t, 5, run.TokensRefunded)
	require.NotNil(t, run.FinishedAt)
}

func TestRunSweepAcceptedInvitationBlocksRefund(t *testing.T) {
	s, db, _ := newTestService(t)

	user := testutil.CreateUser(t, db, 10)
	c1 := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	c2 := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, sub.ID, c1.ID, models.InvitationStatusAccepted, testutil.Epoch.Add(-time.Hour))
	expiring := testutil.CreateInvitation(t, db, sub.ID, c2.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Hour))

	report, err := s.RunSweep(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expiry.Expired)
	assert.Equal(t, 0, report.Refund.Found)

	assert.Equal(t, models.InvitationStatusExpired, testutil.Reload[models.ConsultantInvitation](t, db, expiring.ID).Status)
	gotSub := testutil.Reload[models.ProblemSubmission](t, db, sub.ID)
	assert.Equal(t, models.SubmissionStatusMatching, gotSub.Status)
	assert.Nil(t, gotSub.RefundedAt)
	assert.EqualValues(t, 10, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
}

func TestRunSweepIgnoresSubmissionWithoutInvitations(t *testing.T) {
	s, db, _ := newTestService(t)

	user := testutil.CreateUser(t, db, 3)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)

	report, err := s.RunSweep(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Refund.Found)
	assert.Equal(t, models.SubmissionStatusMatching, testutil.Reload[models.ProblemSubmission](t, db, sub.ID).Status)
	assert.EqualValues(t, 3, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
}

func TestRunSweepIsIdempotent(t *testing.T) {
	s, db, clk := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 7)
	testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Minute))

	_, err := s.RunSweep(ctx, TriggerScheduled)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	report, err := s.RunSweep(ctx, TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expiry.Found)
	assert.Equal(t, 0, report.Refund.Found)

	assert.EqualValues(t, 7, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
	assert.EqualValues(t, 1, countRows(t, db, &models.TokenTransaction{}, "reference_id = ?", sub.ID))
	assert.EqualValues(t, 1, countRows(t, db, &models.AuditLog{}, "action = ? AND subject_id = ?", ActionProblemRefunded, sub.ID))
	assert.EqualValues(t, 2, countRows(t, db, &models.SweepRun{}, "status = ?", models.SweepStatusCompleted))
}

func TestRunSweepLeavesNonPendingInvitationsAlone(t *testing.T) {
	s, db, _ := newTestService(t)

	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatched, 5)
	past := testutil.Epoch.Add(-time.Hour)

	tests := []struct {
		status    string
		expiresAt time.Time
	}{
		{models.InvitationStatusAccepted, past},
		{models.InvitationStatusDeclined, past},
		{models.InvitationStatusExpired, past},
		{models.InvitationStatusPending, testutil.Epoch.Add(time.Hour)},
		// expires_at == now is not yet expired
		{models.InvitationStatusPending, testutil.Epoch},
	}
	ids := make([]string, len(tests))
	for i, tt := range tests {
		ids[i] = testutil.CreateInvitation(t, db, sub.ID, c.ID, tt.status, tt.expiresAt).ID
	}

	report, err := s.RunSweep(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expiry.Found)

	for i, tt := range tests {
		assert.Equal(t, tt.status, testutil.Reload[models.ConsultantInvitation](t, db, ids[i]).Status)
	}
	assert.EqualValues(t, 0, countRows(t, db, &models.AuditLog{}, "action = ?", ActionInvitationExpired))
}

func TestSettleRefundsRollsBackWhenLedgerInsertFails(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 10)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusExpired, testutil.Epoch.Add(-time.Hour))

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_ledger", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "token_transactions" {
			_ = tx.AddError(errors.New("ledger unavailable"))
		}
	}))

	result, err := s.SettleRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RefundResult{Found: 1, Failed: 1}, result)

	gotSub := testutil.Reload[models.ProblemSubmission](t, db, sub.ID)
	assert.Equal(t, models.SubmissionStatusMatching, gotSub.Status)
	assert.Nil(t, gotSub.RefundedAt)
	assert.EqualValues(t, 10, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
	assert.EqualValues(t, 0, countRows(t, db, &models.TokenTransaction{}, "user_id = ?", user.ID))
	assert.EqualValues(t, 0, countRows(t, db, &models.AuditLog{}, "action = ?", ActionProblemRefunded))
	assert.EqualValues(t, 0, countRows(t, db, &models.Notification{}, "user_id = ?", user.ID))

	// the next sweep retries once the ledger is back
	require.NoError(t, db.Callback().Create().Remove("test:fail_ledger"))
	result, err = s.SettleRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Refunded)
	assert.EqualValues(t, 15, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
}

func TestSettleRefundsNotificationFailureKeepsRefund(t *testing.T) {
	s, db, _ := newTestService(t)
	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusDeclined, testutil.Epoch.Add(time.Hour))

	var notified []NotificationMessage
	s.Notifier = NotifierFunc(func(ctx context.Context, n NotificationMessage) error {
		notified = append(notified, n)
		return errors.New("smtp down")
	})

	result, err := s.SettleRefunds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Refunded)
	require.Len(t, notified, 1)
	assert.Equal(t, NotificationTypeProblemRefunded, notified[0].Type)
	assert.Equal(t, sub.ID, notified[0].Payload["problem_id"])
	assert.EqualValues(t, 5, notified[0].Payload["refund_amount"])

	assert.Equal(t, models.SubmissionStatusRefunded, testutil.Reload[models.ProblemSubmission](t, db, sub.ID).Status)
	assert.EqualValues(t, 5, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
}

func TestRefundSubmissionClaimPreventsDoubleRefund(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusExpired, testutil.Epoch.Add(-time.Hour))

	// two sweeps select the same row before either commits
	first, err := s.FindRefundEligible(ctx, nil, 0)
	require.NoError(t, err)
	second, err := s.FindRefundEligible(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	_, err = s.refundSubmission(ctx, &first[0])
	require.NoError(t, err)
	_, err = s.refundSubmission(ctx, &second[0])
	assert.ErrorIs(t, err, ErrRefundNotClaimed)

	assert.EqualValues(t, 5, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
	assert.EqualValues(t, 1, countRows(t, db, &models.TokenTransaction{}, "reference_id = ?", sub.ID))
}

func TestRefundSubmissionOnDemand(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 1)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	eligible := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 4)
	testutil.CreateInvitation(t, db, eligible.ID, c.ID, models.InvitationStatusDeclined, testutil.Epoch)
	waiting := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 4)
	testutil.CreateInvitation(t, db, waiting.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(time.Hour))

	outcome, err := s.RefundSubmission(ctx, eligible.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, outcome.Amount)
	assert.EqualValues(t, 5, outcome.BalanceAfter)
	assert.NotEmpty(t, outcome.TransactionID)

	_, err = s.RefundSubmission(ctx, eligible.ID)
	assert.ErrorIs(t, err, ErrRefundNotEligible)
	_, err = s.RefundSubmission(ctx, waiting.ID)
	assert.ErrorIs(t, err, ErrRefundNotEligible)
	_, err = s.RefundSubmission(ctx, "missing")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestRunSweepRejectedWhileLockHeld(t *testing.T) {
	s, db, _ := newTestService(t)
	mr, rdb := testutil.NewTestRedis(t)
	s.Redis = rdb
	ctx := context.Background()

	require.NoError(t, mr.Set(sweepLockKey, "someone-else"))
	_, err := s.RunSweep(ctx, TriggerScheduled)
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.EqualValues(t, 0, countRows(t, db, &models.SweepRun{}, "1 = 1"))

	mr.Del(sweepLockKey)
	report, err := s.RunSweep(ctx, TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.SweepStatusCompleted, report.Status)
	assert.False(t, mr.Exists(sweepLockKey), "lock released after the sweep")
}

func TestRunSweepFailsWhenSelectionFails(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:fail_select", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "consultant_invitations" {
			_ = tx.AddError(errors.New("db unavailable"))
		}
	}))

	report, err := s.RunSweep(ctx, TriggerScheduled)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, models.SweepStatusFailed, report.Status)

	run := testutil.Reload[models.SweepRun](t, db, report.RunID)
	assert.Equal(t, models.SweepStatusFailed, run.Status)
	assert.Contains(t, run.Error, "db unavailable")
}

func TestDryRunDoesNotWrite(t *testing.T) {
	s, db, _ := newTestService(t)

	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	inv := testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Hour))
	other := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, other.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(time.Hour))

	report, err := s.DryRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{inv.ID}, report.ExpiringInvitations)
	assert.Equal(t, []string{sub.ID}, report.RefundSubmissions)

	assert.Equal(t, models.InvitationStatusPending, testutil.Reload[models.ConsultantInvitation](t, db, inv.ID).Status)
	assert.Equal(t, models.SubmissionStatusMatching, testutil.Reload[models.ProblemSubmission](t, db, sub.ID).Status)
}

func TestListSweepRuns(t *testing.T) {
	s, _, clk := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.RunSweep(ctx, TriggerScheduled)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	runs, total, err := s.ListSweepRuns(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}

func TestRunSweepCoversEveryBatchPastFailingItems(t *testing.T) {
	tests := []struct {
		name  string
		batch int
	}{
		{"one per batch", 1},
		{"two per batch", 2},
		{"default batch", testutil.NewConfig().Sweep.BatchSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, db, _ := newTestService(t)
			s.Config.Sweep.BatchSize = tt.batch
			ctx := context.Background()

			user := testutil.CreateUser(t, db, 0)
			broken := testutil.CreateUser(t, db, 0)
			c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)

			// the failing rows are the oldest, so they head every batch
			badSub := testutil.CreateSubmission(t, db, broken.ID, models.SubmissionStatusMatching, 5)
			testutil.CreateInvitation(t, db, badSub.ID, c.ID, models.InvitationStatusDeclined, testutil.Epoch.Add(-6*time.Hour))
			stuckSub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
			stuck := testutil.CreateInvitation(t, db, stuckSub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-5*time.Hour))

			var good []*models.ProblemSubmission
			for i := 1; i <= 3; i++ {
				sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
				testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Duration(i)*time.Hour))
				good = append(good, sub)
			}

			require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_items", func(tx *gorm.DB) {
				switch row := tx.Statement.Dest.(type) {
				case *models.AuditLog:
					if row.SubjectID == stuck.ID {
						_ = tx.AddError(errors.New("audit unavailable"))
					}
				case *models.TokenTransaction:
					if row.UserID == broken.ID {
						_ = tx.AddError(errors.New("ledger unavailable"))
					}
				}
			}))

			report, err := s.RunSweep(ctx, TriggerManual)
			require.NoError(t, err)
			assert.Equal(t, &ExpiryResult{Found: 4, Expired: 3, Failed: 1}, report.Expiry)
			assert.Equal(t, &RefundResult{Found: 4, Refunded: 3, Failed: 1, TokensRefunded: 15}, report.Refund)

			assert.EqualValues(t, 1, countRows(t, db, &models.ConsultantInvitation{}, "status = ? AND expires_at < ?", models.InvitationStatusPending, testutil.Epoch))
			assert.Equal(t, models.InvitationStatusPending, testutil.Reload[models.ConsultantInvitation](t, db, stuck.ID).Status)
			for _, sub := range good {
				assert.Equal(t, models.SubmissionStatusRefunded, testutil.Reload[models.ProblemSubmission](t, db, sub.ID).Status)
			}
			assert.Equal(t, models.SubmissionStatusMatching, testutil.Reload[models.ProblemSubmission](t, db, badSub.ID).Status)
			assert.EqualValues(t, 15, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
			assert.EqualValues(t, 0, testutil.Reload[models.User](t, db, broken.ID).TokenBalance)
		})
	}
}

func TestExpireInvitationsPagesThroughBacklog(t *testing.T) {
	s, db, _ := newTestService(t)
	s.Config.Sweep.BatchSize = 2
	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	for i := 0; i < 5; i++ {
		sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
		testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Minute))
	}

	result, err := s.ExpireInvitations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ExpiryResult{Found: 5, Expired: 5}, result)
	assert.EqualValues(t, 0, countRows(t, db, &models.ConsultantInvitation{}, "status = ?", models.InvitationStatusPending))
}

func TestRunSweepTimedByInjectedClock(t *testing.T) {
	s, db, clk := newTestService(t)
	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateInvitation(t, db, sub.ID, c.ID, models.InvitationStatusPending, testutil.Epoch.Add(-time.Hour))

	s.Notifier = NotifierFunc(func(ctx context.Context, n NotificationMessage) error {
		clk.Advance(1500 * time.Millisecond)
		return nil
	})

	report, err := s.RunSweep(context.Background(), TriggerCLI)
	require.NoError(t, err)
	assert.True(t, report.StartedAt.Equal(testutil.Epoch))
	assert.True(t, report.FinishedAt.Equal(testutil.Epoch.Add(1500*time.Millisecond)))
	assert.EqualValues(t, 1500, report.DurationMs)
}
