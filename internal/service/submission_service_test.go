package service

import (
	"context"
	"testing"
	"time"

	"consult-service/internal/models"
	"consult-service/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitProblemDebitsAndMatches(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 20)
	best := testutil.CreateConsultant(t, db, "tax", 0.9, 4.0)
	second := testutil.CreateConsultant(t, db, "tax", 0.9, 3.0)
	third := testutil.CreateConsultant(t, db, "tax", 0.2, 5.0)
	testutil.CreateConsultant(t, db, "tax", 0.1, 5.0) // beyond max_candidates
	testutil.CreateConsultant(t, db, "legal", 1.0, 5.0)

	sub, err := s.SubmitProblem(ctx, user.ID, SubmitProblemInput{Title: " Tax return ", Category: "Tax", Fee: 8})
	require.NoError(t, err)
	assert.Equal(t, "Tax return", sub.Title)
	assert.Equal(t, "tax", sub.Category)
	assert.Equal(t, UrgencyNormal, sub.Urgency)
	assert.Equal(t, models.SubmissionStatusMatching, sub.Status)
	assert.EqualValues(t, 8, sub.SubmissionFee)

	require.Len(t, sub.Invitations, 3)
	invited := map[string]models.ConsultantInvitation{}
	for _, inv := range sub.Invitations {
		invited[inv.ConsultantID] = inv
		assert.Equal(t, models.InvitationStatusPending, inv.Status)
		assert.True(t, inv.ExpiresAt.Equal(testutil.Epoch.Add(2*time.Hour)))
		assert.False(t, inv.IsSurge)
		assert.Equal(t, 1.0, inv.SurgeMultiplier)
	}
	assert.Contains(t, invited, best.ID)
	assert.Contains(t, invited, second.ID)
	assert.Contains(t, invited, third.ID)

	assert.EqualValues(t, 12, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
	var fee models.TokenTransaction
	require.NoError(t, db.Where("reference_id = ? AND type = ?", sub.ID, models.TransactionTypeSubmissionFee).First(&fee).Error)
	assert.EqualValues(t, -8, fee.Amount)
	assert.EqualValues(t, 12, fee.BalanceAfter)

	assert.EqualValues(t, 1, countRows(t, db, &models.AuditLog{}, "action = ? AND subject_id = ?", ActionProblemSubmitted, sub.ID))
	assert.EqualValues(t, 1, countRows(t, db, &models.AuditLog{}, "action = ? AND subject_id = ?", ActionSubmissionMatching, sub.ID))
	assert.EqualValues(t, 1, countRows(t, db, &models.Notification{}, "user_id = ? AND type = ?", best.UserID, NotificationTypeInvitation))
}

func TestSubmitProblemUsesDefaultFee(t *testing.T) {
	s, db, _ := newTestService(t)
	user := testutil.CreateUser(t, db, 5)

	sub, err := s.SubmitProblem(context.Background(), user.ID, SubmitProblemInput{Title: "Help"})
	require.NoError(t, err)
	assert.EqualValues(t, 5, sub.SubmissionFee)
	assert.EqualValues(t, 0, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
}

func TestSubmitProblemErrors(t *testing.T) {
	s, db, _ := newTestService(t)
	user := testutil.CreateUser(t, db, 4)

	tests := []struct {
		name   string
		userID string
		in     SubmitProblemInput
		want   error
	}{
		{"insufficient tokens", user.ID, SubmitProblemInput{Title: "x", Fee: 5}, ErrInsufficientTokens},
		{"unknown user", "nobody", SubmitProblemInput{Title: "x", Fee: 1}, ErrUserNotFound},
		{"empty title", user.ID, SubmitProblemInput{Title: "  "}, ErrInvalidInput},
		{"bad urgency", user.ID, SubmitProblemInput{Title: "x", Urgency: "asap"}, ErrInvalidInput},
		{"negative fee", user.ID, SubmitProblemInput{Title: "x", Fee: -1}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitProblem(context.Background(), tt.userID, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.EqualValues(t, 4, testutil.Reload[models.User](t, db, user.ID).TokenBalance)
	assert.EqualValues(t, 0, countRows(t, db, &models.ProblemSubmission{}, "user_id = ?", user.ID))
	assert.EqualValues(t, 0, countRows(t, db, &models.TokenTransaction{}, "user_id = ?", user.ID))
}

func TestMatchSubmissionSurge(t *testing.T) {
	tests := []struct {
		name        string
		urgency     string
		consultants int
		wantSurge   bool
	}{
		{"small pool", UrgencyNormal, 1, true},
		{"high urgency", UrgencyHigh, 3, true},
		{"normal", UrgencyNormal, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, db, _ := newTestService(t)
			user := testutil.CreateUser(t, db, 0)
			for i := 0; i < tt.consultants; i++ {
				testutil.CreateConsultant(t, db, "tax", 0.5, 4)
			}
			sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusSubmitted, 5)
			require.NoError(t, db.Model(sub).Update("urgency", tt.urgency).Error)

			result, err := s.MatchSubmission(context.Background(), sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSurge, result.Surge)
			require.Len(t, result.Invitations, tt.consultants)
			want := 1.0
			if tt.wantSurge {
				want = 1.5
			}
			for _, inv := range result.Invitations {
				assert.Equal(t, tt.wantSurge, inv.IsSurge)
				assert.Equal(t, want, inv.SurgeMultiplier)
			}
		})
	}
}

func TestMatchSubmissionSkipsUnavailableAndAlreadyInvited(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	user := testutil.CreateUser(t, db, 0)
	a := testutil.CreateConsultant(t, db, "tax", 0.5, 4)
	busy := testutil.CreateConsultant(t, db, "tax", 0.9, 4)
	require.NoError(t, db.Model(busy).Update("is_available", false).Error)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusSubmitted, 5)

	first, err := s.MatchSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, first.Invitations, 1)
	assert.Equal(t, a.ID, first.Invitations[0].ConsultantID)

	b := testutil.CreateConsultant(t, db, "tax", 0.1, 1)
	again, err := s.MatchSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, again.Invitations, 1)
	assert.Equal(t, b.ID, again.Invitations[0].ConsultantID)
}

func TestMatchSubmissionWithoutCandidates(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, db, 0)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusSubmitted, 5)

	result, err := s.MatchSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Invitations)
	assert.Equal(t, models.SubmissionStatusMatching, testutil.Reload[models.ProblemSubmission](t, db, sub.ID).Status)

	// never refunded without invitations
	report, err := s.RunSweep(ctx, TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Refund.Found)
}

func TestMatchSubmissionRejectsSettledSubmission(t *testing.T) {
	s, db, _ := newTestService(t)
	user := testutil.CreateUser(t, db, 0)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusRefunded, 5)

	_, err := s.MatchSubmission(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSubmissionNotMatchable)
	_, err = s.MatchSubmission(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestGetAndListSubmissions(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, db, 0)
	other := testutil.CreateUser(t, db, 0)
	sub := testutil.CreateSubmission(t, db, owner.ID, models.SubmissionStatusMatching, 5)
	testutil.CreateSubmission(t, db, owner.ID, models.SubmissionStatusRefunded, 5)

	got, err := s.GetSubmissionForUser(ctx, owner.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	_, err = s.GetSubmissionForUser(ctx, other.ID, sub.ID)
	assert.ErrorIs(t, err, ErrSubmissionNotFound)

	list, total, err := s.ListSubmissions(ctx, owner.ID, "", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 2)

	list, total, err = s.ListSubmissions(ctx, owner.ID, models.SubmissionStatusRefunded, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, list, 1)
}
