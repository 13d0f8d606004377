package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/llm"
	"github.com/entrhq/pagepilot/pkg/types"
)

// errMaxSteps ends a run whose budget ran out without a final answer.
var errMaxSteps = errors.New("Reached max steps")

// decision is a validated model answer: a final text or a tool call.
type decision struct {
	final   string
	isFinal bool
	call    automation.ToolCall
}

func (o *Orchestrator) runLoop(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()
	defer func() {
		if p := recover(); p != nil {
			o.log.Errorf("run %s panicked: %v", r.id(), p)
			o.finish(r, automation.RunFailed, fmt.Sprintf("internal error: %v", p), "")
		}
	}()

	if err := o.drive(ctx, r); err != nil {
		if r.terminal() {
			// Stopped while waiting on the model or the page.
			return
		}
		o.log.Warnf("run %s failed: %v", r.id(), err)
		o.emit(types.NewErrorEvent(r.id(), err))
		o.finish(r, automation.RunFailed, err.Error(), "")
	}
}

// drive runs the observation steps and then the decision loop. It returns
// nil when the run ended on its own terms.
func (o *Orchestrator) drive(ctx context.Context, r *run) error {
	page := o.observePage(ctx, r)

	for i := 0; i < o.maxSteps; i++ {
		if r.terminal() {
			return nil
		}

		d, err := o.nextDecision(ctx, r, page)
		if err != nil {
			return err
		}
		if r.terminal() {
			return nil
		}
		if d.isFinal {
			o.log.Infof("run %s done after %d action step(s)", r.id(), i)
			o.finish(r, automation.RunDone, "", d.final)
			return nil
		}

		if !o.runStep(ctx, r, d.call, page) {
			return nil
		}
	}
	return errMaxSteps
}

// observePage logs the getPageInfo and getVisibleText steps. Their failure
// leaves the matching context empty; it does not end the run.
func (o *Orchestrator) observePage(ctx context.Context, r *run) pageContext {
	var page pageContext

	info := o.observe(ctx, r, automation.ToolCall{Tool: automation.ToolGetPageInfo})
	page.url, _ = info.Data["url"].(string)
	page.title, _ = info.Data["title"].(string)

	text := o.observe(ctx, r, automation.ToolCall{
		Tool: automation.ToolGetVisibleText,
		Args: map[string]any{"limit": initialTextLimit},
	})
	page.text, _ = text.Data["text"].(string)
	return page
}

func (o *Orchestrator) observe(ctx context.Context, r *run, call automation.ToolCall) automation.ToolResult {
	stepID := o.newID("step")
	o.pushStep(r, automation.StepLog{
		StepID:    stepID,
		Tool:      call.Tool,
		Args:      automation.CloneMap(call.Args),
		Status:    automation.StepRunning,
		StartedAt: o.now(),
	})
	res := o.dispatch(ctx, r, stepID, call)
	o.endStep(r, stepID, stepStatus(res), res, 0, "")
	return res
}

// nextDecision asks the model for the next action. Malformed JSON and
// invalid calls each get exactly one repair request.
func (o *Orchestrator) nextDecision(ctx context.Context, r *run, page pageContext) (decision, error) {
	snap := r.snapshot()

	raw, err := o.chat(ctx, r, decisionMessages(page, r.extra, snap.Goal, r.lastResult), 1)
	if err != nil {
		return decision{}, err
	}

	parsed, err := automation.ParseModelJSON(raw)
	if err != nil {
		o.log.Debugf("run %s: model output is not JSON, asking for repair", snap.RunID)
		raw, err = o.chat(ctx, r, jsonRepairMessages(raw), 2)
		if err != nil {
			return decision{}, err
		}
		parsed, err = automation.ParseModelJSON(raw)
		if err != nil {
			return decision{}, fmt.Errorf("Model output is not valid JSON after repair")
		}
	}
	if parsed.IsFinal {
		return decision{final: parsed.Final, isFinal: true}, nil
	}

	candidate := normalizeCall(parsed.Raw)
	v := automation.ValidateToolCall(candidate)
	if v.OK {
		return decision{call: v.Call}, nil
	}

	o.log.Debugf("run %s: invalid tool call (%s), asking for repair", snap.RunID, v.Reason)
	raw, err = o.chat(ctx, r, callRepairMessages(v.Reason, candidate), 2)
	if err != nil {
		return decision{}, err
	}
	fixed, err := automation.ParseModelJSON(raw)
	if err != nil {
		return decision{}, fmt.Errorf("Invalid tool call after repair: %s", automation.ErrInvalidJSON)
	}
	if fixed.IsFinal {
		return decision{final: fixed.Final, isFinal: true}, nil
	}
	v = automation.ValidateToolCall(normalizeCall(fixed.Raw))
	if !v.OK {
		return decision{}, fmt.Errorf("Invalid tool call after repair: %s", v.Reason)
	}
	return decision{call: v.Call}, nil
}

// normalizeCall keeps tool and args of a decoded decision, defaulting args
// to an empty object.
func normalizeCall(raw map[string]any) map[string]any {
	tool, ok := raw["tool"]
	if !ok {
		return raw
	}
	call := map[string]any{"tool": tool, "args": map[string]any{}}
	if args, ok := raw["args"]; ok && args != nil {
		call["args"] = args
	}
	return call
}

// chat performs one model request and returns the text to parse. A native
// tool call stands in for missing content.
func (o *Orchestrator) chat(ctx context.Context, r *run, messages []*llm.Message, attempt int) (string, error) {
	runID := r.id()
	o.emit(types.NewAPICallStartEvent(runID, o.tokenizer.CountMessagesTokens(messages), attempt))

	var opts llm.ChatOptions
	if o.nativeTools {
		opts.Tools = automation.ToolDefinitions()
		opts.ToolChoice = "auto"
	}

	resp, err := o.provider.Chat(ctx, messages, opts)
	o.emit(types.NewAPICallEndEvent(runID))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("model request failed: %w", err)
	}

	if resp.Thinking != "" {
		o.emit(types.NewThinkingContentEvent(runID, resp.Thinking))
	}
	if u := resp.Usage; u != nil {
		o.emit(types.NewTokenUsageEvent(runID, u.PromptTokens, u.CompletionTokens, u.TotalTokens))
	}

	if strings.TrimSpace(resp.Content) == "" && len(resp.ToolCalls) > 0 {
		return toolCallJSON(resp.ToolCalls[0]), nil
	}
	return resp.Content, nil
}

// toolCallJSON renders a native function call as the JSON decision format.
func toolCallJSON(tc llm.ToolCall) string {
	args := strings.TrimSpace(tc.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf(`{"tool":%s,"args":%s}`, compactJSON(tc.Function.Name), args)
}

func stepStatus(res automation.ToolResult) automation.StepStatus {
	if res.OK {
		return automation.StepCompleted
	}
	return automation.StepFailed
}
