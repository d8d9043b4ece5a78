package config

type PermissionMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

const (
	PermSweepsRun     = "sweeps.run"
	PermSweepsRead    = "sweeps.read"
	PermRefundsWrite  = "refunds.write"
	PermMatchingWrite = "matching.write"
	PermTokensWrite   = "tokens.write"
	PermAuditRead     = "audit.read"
)

var PermissionList = []PermissionMeta{
	{ID: PermSweepsRun, Name: "Run sweep", Category: "Sweeps", Description: "Trigger an invitation expiry and refund sweep"},
	{ID: PermSweepsRead, Name: "View sweeps", Category: "Sweeps", Description: "View sweep run history"},
	{ID: PermRefundsWrite, Name: "Settle refund", Category: "Refunds", Description: "Settle a single eligible submission"},
	{ID: PermMatchingWrite, Name: "Re-run matching", Category: "Matching", Description: "Invite consultants for a submission again"},
	{ID: PermTokensWrite, Name: "Grant tokens", Category: "Tokens", Description: "Credit tokens to a user"},
	{ID: PermAuditRead, Name: "View audit logs", Category: "Logs", Description: "View audit logs and actions"},
}
