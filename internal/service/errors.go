package service

import "errors"

var (
	ErrUserNotFound           = errors.New("USER_NOT_FOUND")
	ErrInsufficientTokens     = errors.New("INSUFFICIENT_TOKENS")
	ErrInvalidAmount          = errors.New("INVALID_AMOUNT")
	ErrInvalidTransactionType = errors.New("INVALID_TRANSACTION_TYPE")
	ErrInvalidInput           = errors.New("INVALID_INPUT")

	ErrSubmissionNotFound     = errors.New("SUBMISSION_NOT_FOUND")
	ErrSubmissionNotMatching  = errors.New("SUBMISSION_NOT_MATCHING")
	ErrSubmissionNotMatchable = errors.New("SUBMISSION_NOT_MATCHABLE")

	ErrConsultantNotFound   = errors.New("CONSULTANT_NOT_FOUND")
	ErrInvitationNotFound   = errors.New("INVITATION_NOT_FOUND")
	ErrInvitationNotPending = errors.New("INVITATION_NOT_PENDING")
	ErrInvitationExpired    = errors.New("INVITATION_EXPIRED")

	ErrRefundNotClaimed  = errors.New("REFUND_NOT_CLAIMED")
	ErrRefundNotEligible = errors.New("REFUND_NOT_ELIGIBLE")
	ErrSweepInProgress   = errors.New("SWEEP_IN_PROGRESS")

	ErrNotificationNotFound = errors.New("NOTIFICATION_NOT_FOUND")
)
