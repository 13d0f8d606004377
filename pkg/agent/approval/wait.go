package approval

import (
	"context"
	"time"

	"github.com/entrhq/pagepilot/pkg/types"
)

// waitForResponse waits for the operator's answer
func (m *Manager) waitForResponse(ctx context.Context, runID, stepID string, responseChannel chan *types.ConfirmationResponse) (bool, bool) {
	var timeoutC <-chan time.Time
	if m.timeout > 0 {
		timeout := time.NewTimer(m.timeout)
		defer timeout.Stop()
		timeoutC = timeout.C
	}

	select {
	case <-ctx.Done():
		m.emit(types.NewConfirmationRejectedEvent(runID, stepID))
		return false, false

	case <-timeoutC:
		m.emit(types.NewConfirmationTimeoutEvent(runID, stepID))
		return false, true

	case response, ok := <-responseChannel:
		if !ok || !response.IsGranted() {
			m.emit(types.NewConfirmationRejectedEvent(runID, stepID))
			return false, false
		}
		m.emit(types.NewConfirmationGrantedEvent(runID, stepID))
		return true, false
	}
}
