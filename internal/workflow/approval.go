package workflow

import "time"

// ApprovalStatus is a human approval request's lifecycle state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest gates a human_approval task execution on a human
// decision, distinct from settlement signal approval: this one blocks a
// single task, settlement approval blocks a payout.
type ApprovalRequest struct {
	ID              string
	TaskExecutionID string

	RequestType string
	Description string
	ContextData map[string]any

	Status ApprovalStatus

	DecidedBy *string
	Reason    *string

	ExpiresAt *time.Time

	CreatedAt time.Time
	DecidedAt *time.Time
}

// IsExpired reports whether the request's deadline has passed without a
// decision.
func (a *ApprovalRequest) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
