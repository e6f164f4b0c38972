package gdb

import (
	"context"
	"errors"
	"time"
)

var errPollBudget = errors.New("inferior still running after poll budget")

// supervise polls the selected thread until it is gone or stopped. resumed
// is closed when the Resume call returns, which triggers an immediate poll.
// At most maxPolls polls are made.
func supervise(ctx context.Context, r Remote, resumed <-chan struct{}, interval time.Duration, maxPolls int) error {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
			// gdb has control again; one more poll confirms the state
			resumed = nil
		case <-ticker.C:
		}

		st, err := r.ThreadState(ctx)
		if err != nil {
			return err
		}
		if !st.Present || !st.Running {
			return nil
		}
	}
	return errPollBudget
}

// pollBudget is the number of polls that fit in d.
func pollBudget(d, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(d/interval) + 1
	if n < 1 {
		n = 1
	}
	return n
}
