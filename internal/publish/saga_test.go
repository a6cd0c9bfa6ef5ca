package publish

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSaga_AllStepsSucceed(t *testing.T) {
	var order []string
	step := func(name string) Step {
		return Step{
			Name:       name,
			Run:        func(context.Context) error { order = append(order, name); return nil },
			Compensate: func(context.Context) error { order = append(order, "undo "+name); return nil },
		}
	}

	err := runSaga(context.Background(), slog.Default(), []Step{step("a"), step("b"), step("c")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunSaga_FailureUnwindsInReverse(t *testing.T) {
	var order []string
	ok := func(name string) Step {
		return Step{
			Name:       name,
			Run:        func(context.Context) error { order = append(order, name); return nil },
			Compensate: func(context.Context) error { order = append(order, "undo "+name); return nil },
		}
	}
	boom := errors.New("boom")

	err := runSaga(context.Background(), slog.Default(), []Step{
		ok("a"), ok("b"),
		{Name: "c", Run: func(context.Context) error { return boom }},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "undo b", "undo a"}, order)
}

func TestRunSaga_NilCompensateSkipped(t *testing.T) {
	var order []string
	err := runSaga(context.Background(), slog.Default(), []Step{
		{Name: "a", Run: func(context.Context) error { order = append(order, "a"); return nil }},
		{
			Name:       "b",
			Run:        func(context.Context) error { order = append(order, "b"); return nil },
			Compensate: func(context.Context) error { order = append(order, "undo b"); return nil },
		},
		{Name: "c", Run: func(context.Context) error { return errors.New("boom") }},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "undo b"}, order)
}

func TestRunSaga_CompensationFailureHaltsUnwind(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	cboom := errors.New("compensation failed")

	err := runSaga(context.Background(), slog.Default(), []Step{
		{
			Name:       "a",
			Run:        func(context.Context) error { order = append(order, "a"); return nil },
			Compensate: func(context.Context) error { order = append(order, "undo a"); return nil },
		},
		{
			Name:       "b",
			Run:        func(context.Context) error { order = append(order, "b"); return nil },
			Compensate: func(context.Context) error { return cboom },
		},
		{Name: "c", Run: func(context.Context) error { return boom }},
	})
	require.Error(t, err)
	// Both the original failure and the compensation failure surface, and
	// "undo a" never ran because the unwind halted at b.
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, cboom)
	assert.Equal(t, []string{"a", "b"}, order)
}
