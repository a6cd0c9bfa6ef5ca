package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Step is one unit of a multi-write pipeline against a store with no
// cross-statement transaction. Run performs the write; Compensate undoes it.
// Compensate may be nil for steps with nothing to undo.
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// runSaga executes steps in order. On the first Run failure it executes the
// compensations of every completed step in reverse order and returns the
// original error. A failed compensation halts the unwind and is joined onto
// the returned error so the caller never sees a silent half-applied state.
func runSaga(ctx context.Context, log *slog.Logger, steps []Step) error {
	for i, s := range steps {
		if err := s.Run(ctx); err != nil {
			err = fmt.Errorf("%s: %w", s.Name, err)
			for j := i - 1; j >= 0; j-- {
				if steps[j].Compensate == nil {
					continue
				}
				if cerr := steps[j].Compensate(ctx); cerr != nil {
					log.Error("saga compensation failed",
						"failed_step", s.Name,
						"compensation", steps[j].Name,
						"err", cerr)
					return errors.Join(err, fmt.Errorf("compensate %s: %w", steps[j].Name, cerr))
				}
			}
			return err
		}
	}
	return nil
}
