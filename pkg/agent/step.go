package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/policy"
	"github.com/entrhq/pagepilot/pkg/transport"
	"github.com/entrhq/pagepilot/pkg/types"
)

const maxAttempts = 2

// runStep executes one validated tool call as a logged step. It returns
// false when the run must not continue.
func (o *Orchestrator) runStep(ctx context.Context, r *run, call automation.ToolCall, page pageContext) bool {
	runID := r.id()
	stepID := o.newID("step")

	locator := automation.LocatorNone
	switch {
	case call.StringArg("elementId") != "":
		locator = automation.LocatorElementID
	case call.StringArg("selector") != "":
		locator = automation.LocatorSelector
	}

	o.pushStep(r, automation.StepLog{
		StepID:    stepID,
		Tool:      call.Tool,
		Args:      automation.CloneMap(call.Args),
		Status:    automation.StepRunning,
		StartedAt: o.now(),
	})

	verdict, reason, err := o.evaluatePolicy(ctx, r, call, page)
	if err != nil {
		res := automation.Failure(call.Tool, automation.ErrorKindInternal, "policy evaluation failed: "+err.Error())
		o.endStep(r, stepID, failedStatus(r), res, 0, locator)
		r.lastResult = &res
		return !r.terminal()
	}
	switch verdict {
	case policy.Block:
		o.log.Infof("run %s: %s blocked by policy: %s", runID, call.Tool, reason)
		o.emit(types.NewPolicyBlockedEvent(runID, stepID, call.Tool, reason))
		res := automation.Failure(call.Tool, automation.ErrorKindInternal, "blocked by policy: "+reason)
		o.endStep(r, stepID, failedStatus(r), res, 0, locator)
		r.lastResult = &res
		return !r.terminal()
	case policy.RequireApproval:
		pending := automation.ToolResult{
			OK:                   false,
			Tool:                 call.Tool,
			RequiresConfirmation: true,
			ConfirmationReason:   automation.ReasonPolicy,
			ConfirmationMessage:  reason,
		}
		if !o.awaitConfirmation(ctx, r, stepID, call, pending, 0, locator) {
			return false
		}
	}

	current := call
	var res automation.ToolResult
	attempts := 0
	healed := false
	for attempts < maxAttempts {
		attempts++
		res = o.dispatch(ctx, r, stepID, current)
		if res.OK || healed || !isStaleElement(res) {
			break
		}
		hint := o.selectorHint(r, current)
		if hint == "" {
			break
		}
		o.log.Debugf("run %s: element %s is stale, retrying with %s", runID, current.StringArg("elementId"), hint)
		current = healCall(current, hint)
		locator = automation.LocatorSelectorHint
		healed = true
		o.emit(types.NewSelfHealEvent(runID, stepID, call.Tool, hint))
	}

	if res.RequiresConfirmation {
		if !o.awaitConfirmation(ctx, r, stepID, current, res, attempts, locator) {
			return false
		}
		res = o.dispatch(ctx, r, stepID, current.WithArg("force", true))
	}

	if r.terminal() {
		// Stopped mid-dispatch; the step must not stay running in history.
		o.endStep(r, stepID, automation.StepCancelled, res, attempts, locator)
		return false
	}

	o.harvest(r, res)
	res = o.markPageChange(r, res)
	o.endStep(r, stepID, stepStatus(res), res, attempts, locator)
	r.lastResult = &res
	o.setStatus(r, automation.RunRunning)
	return !r.terminal()
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, r *run, call automation.ToolCall, page pageContext) (policy.Decision, string, error) {
	if o.policy == nil {
		return policy.Allow, "", nil
	}
	snap := r.snapshot()
	return o.policy.Evaluate(ctx, policy.Input{
		Tool: call.Tool,
		Args: automation.CloneMap(call.Args),
		URL:  page.url,
		Goal: snap.Goal,
	})
}

// awaitConfirmation suspends the run until the operator answers. On
// rejection or timeout the step is cancelled and the run stopped; it reports
// whether the step may proceed.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, r *run, stepID string, call automation.ToolCall, pending automation.ToolResult, attempts int, locator automation.LocatorUsed) bool {
	runID := r.id()
	o.setStatus(r, automation.RunWaitingConfirmation)
	o.updateStep(r, stepID, func(s *automation.StepLog) {
		s.Status = automation.StepWaitingConfirmation
		stored := pending.Clone()
		s.Result = &stored
		if attempts > 0 {
			s.Attempts = attempts
		}
		s.LocatorUsed = locator
	})

	message := pending.ConfirmationMessage
	if message == "" {
		message = defaultConfirmation
	}
	reason := pending.ConfirmationReason
	if reason == "" {
		reason = automation.ReasonUnknown
	}

	o.log.Infof("run %s: waiting for confirmation of %s (%s)", runID, call.Tool, reason)
	approved, timedOut := o.approvals.Request(ctx, runID, stepID, types.ConfirmationRequest{
		Title:   confirmationTitle,
		Message: message,
		Reason:  reason,
		Tool:    call.Tool,
		Args:    automation.CloneMap(call.Args),
	})
	if approved && !r.terminal() {
		o.setStatus(r, automation.RunRunning)
		o.updateStep(r, stepID, func(s *automation.StepLog) {
			s.Status = automation.StepRunning
		})
		return true
	}

	msg := "User rejected confirmation"
	if timedOut {
		msg = "Confirmation timed out"
	}
	cancelled := pending.Clone()
	cancelled.Error = msg
	o.endStep(r, stepID, automation.StepCancelled, cancelled, attempts, locator)
	if o.finish(r, automation.RunStopped, "", "") {
		o.log.Infof("run %s stopped: %s", runID, msg)
	}
	return false
}

// dispatch sends call to the page and converts transport failures into a
// failed result.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, stepID string, call automation.ToolCall) automation.ToolResult {
	runID := r.id()
	o.emit(types.NewToolCallEvent(runID, stepID, call))

	callCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()

	res, err := o.dispatcher.Execute(callCtx, transport.ExecuteRequest{
		TabID:  r.snapshot().TabID,
		RunID:  runID,
		StepID: stepID,
		Call:   call,
	})
	if err != nil {
		o.emit(types.NewToolResultErrorEvent(runID, stepID, call.Tool, err))
		kind := automation.ErrorKindTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, transport.ErrTimeout) {
			kind = automation.ErrorKindTimeout
		}
		return automation.Failure(call.Tool, kind, fmt.Sprintf("tool dispatch failed: %v", err))
	}
	if res.Tool == "" {
		res.Tool = call.Tool
	}
	if res.OK {
		o.emit(types.NewToolResultEvent(runID, stepID, res))
	} else {
		o.emit(types.NewToolResultErrorEvent(runID, stepID, call.Tool, errors.New(res.Error)))
	}
	return res
}

// failedStatus is the status of a step that could not run: cancelled when
// the run was stopped meanwhile, failed otherwise.
func failedStatus(r *run) automation.StepStatus {
	if r.terminal() {
		return automation.StepCancelled
	}
	return automation.StepFailed
}

// staleSignatures are matched against lowercased error text from executors
// that do not set an ErrorKind.
var staleSignatures = []string{"not found", "target element", "missing", "not editable"}

func isStaleElement(res automation.ToolResult) bool {
	switch res.ErrorKind {
	case automation.ErrorKindNotFound, automation.ErrorKindNotEditable:
		return true
	}
	msg := strings.ToLower(res.Error)
	for _, sig := range staleSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// selectorHint returns the recorded fallback selector of the call's element
// id, if any.
func (o *Orchestrator) selectorHint(r *run, call automation.ToolCall) string {
	id := call.StringArg("elementId")
	if id == "" {
		return ""
	}
	return r.elements[id].SelectorHint
}

func healCall(call automation.ToolCall, selector string) automation.ToolCall {
	out := call.Clone()
	delete(out.Args, "elementId")
	out.Args["selector"] = selector
	return out
}

// harvest records element summaries returned by query, findByText and the
// like so later steps can heal stale ids.
func (o *Orchestrator) harvest(r *run, res automation.ToolResult) {
	if !res.OK || res.Data == nil {
		return
	}
	add := func(el automation.ElementSummary) {
		if el.ID != "" {
			r.elements[el.ID] = el
		}
	}
	for _, key := range []string{"elements", "element"} {
		switch v := res.Data[key].(type) {
		case []automation.ElementSummary:
			for _, el := range v {
				add(el)
			}
		case automation.ElementSummary:
			add(v)
		case *automation.ElementSummary:
			if v != nil {
				add(*v)
			}
		case []any:
			for _, item := range v {
				if el, ok := summaryFromMap(item); ok {
					add(el)
				}
			}
		case map[string]any:
			if el, ok := summaryFromMap(v); ok {
				add(el)
			}
		}
	}
}

func summaryFromMap(v any) (automation.ElementSummary, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return automation.ElementSummary{}, false
	}
	var el automation.ElementSummary
	el.ID, _ = m["id"].(string)
	el.Tag, _ = m["tag"].(string)
	el.SelectorHint, _ = m["selectorHint"].(string)
	return el, el.ID != ""
}

// markPageChange sets data.pageChanged when the visible text hash moved
// since the previous observed result.
func (o *Orchestrator) markPageChange(r *run, res automation.ToolResult) automation.ToolResult {
	if res.Observations == nil || res.Observations.VisibleTextHash == "" {
		return res
	}
	hash := res.Observations.VisibleTextHash
	prev := r.lastHash
	r.lastHash = hash
	if prev == "" || prev == hash {
		return res
	}
	out := res.Clone()
	if out.Data == nil {
		out.Data = make(map[string]any)
	}
	out.Data["pageChanged"] = true
	return out
}
