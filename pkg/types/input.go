package types

import "github.com/entrhq/pagepilot/pkg/automation"

// ConfirmationDecision is the operator's answer to a confirmation request.
type ConfirmationDecision string

const (
	ConfirmationApproved ConfirmationDecision = "approved" // ConfirmationApproved lets the step proceed with force.
	ConfirmationRejected ConfirmationDecision = "rejected" // ConfirmationRejected stops the run.
)

// ConfirmationRequest describes a risky step awaiting approval.
type ConfirmationRequest struct {
	// Title is the short heading shown to the operator.
	Title string

	// Message explains the risk.
	Message string

	// Reason tags the kind of risk.
	Reason automation.ConfirmationReason

	// Tool and Args describe the pending call.
	Tool automation.ToolName
	Args map[string]interface{}
}

// ConfirmationResponse answers the confirmation for one step of a run.
type ConfirmationResponse struct {
	RunID    string
	StepID   string
	Decision ConfirmationDecision
}

// NewConfirmationResponse creates a response from a boolean approval.
func NewConfirmationResponse(runID, stepID string, approved bool) *ConfirmationResponse {
	d := ConfirmationRejected
	if approved {
		d = ConfirmationApproved
	}
	return &ConfirmationResponse{RunID: runID, StepID: stepID, Decision: d}
}

// IsGranted reports whether the step was approved.
func (r *ConfirmationResponse) IsGranted() bool {
	return r != nil && r.Decision == ConfirmationApproved
}
