package refinement

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reviewer supplies notes for a batch in human review. Returning no notes
// accepts the batch as it is.
type Reviewer interface {
	Review(ctx context.Context, snap Snapshot) (map[int]string, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, snap Snapshot) (map[int]string, error)

func (f ReviewerFunc) Review(ctx context.Context, snap Snapshot) (map[int]string, error) {
	return f(ctx, snap)
}

// Run drives the machine to completion without a UI. AI stories are
// validated as each batch arrives; human stories consult reviewer first. The
// first failed request ends the run with its error so the caller can resume
// later.
func Run(ctx context.Context, m *Machine, reviewer Reviewer) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	for {
		snap := m.Snapshot()
		switch snap.Status {
		case StatusComplete:
			return nil
		case StatusHumanReview:
			if reviewer != nil {
				notes, err := reviewer.Review(ctx, snap)
				if err != nil {
					return err
				}
				if hasNotes(notes) {
					for number, text := range notes {
						m.SetFeedback(number, text)
					}
					if err := m.SubmitFeedback(ctx); err != nil {
						return err
					}
					continue
				}
			}
		case StatusAIReady:
		default:
			return fmt.Errorf("refinement: run stalled in %s", snap.Status)
		}

		outcome, err := m.ValidateAndContinue(ctx)
		if err != nil {
			return err
		}
		if outcome.Completed {
			return nil
		}
		if err := sleep(ctx, outcome.NextBatchAfter); err != nil {
			return err
		}
		if err := m.GenerateBatch(ctx); err != nil {
			return err
		}
	}
}

func hasNotes(notes map[int]string) bool {
	for _, text := range notes {
		if strings.TrimSpace(text) != "" {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
