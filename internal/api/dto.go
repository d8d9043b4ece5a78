package api

import "time"

// GrantTokensRequest 管理员给用户加代币
type GrantTokensRequest struct {
	Amount      int64                  `json:"amount" binding:"required,gt=0"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// RunSweepRequest 手动清扫，dry_run 时只预览
type RunSweepRequest struct {
	DryRun bool `json:"dry_run"`
}

type BalanceResponse struct {
	UserID       string `json:"user_id"`
	TokenBalance int64  `json:"token_balance"`
}

type NotificationReadResponse struct {
	ID     string `json:"id"`
	IsRead bool   `json:"is_read"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Time     time.Time         `json:"time"`
	Services map[string]string `json:"services"`
}
