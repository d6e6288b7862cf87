package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synclune/api/internal/platform/observability"
	"github.com/synclune/api/internal/services"
)

type scriptedSweeper struct {
	results []services.SweepResult
	err     error
	calls   int
}

func (s *scriptedSweeper) Run(context.Context) (services.SweepResult, error) {
	s.calls++
	if s.err != nil {
		return services.SweepResult{}, s.err
	}
	if s.calls > len(s.results) {
		return services.SweepResult{}, nil
	}
	return s.results[s.calls-1], nil
}

type countingRecorder struct {
	runs   int
	failed int
}

func (r *countingRecorder) RecordSweep(_ observability.SweepCounts, runErr error, _ time.Time) {
	r.runs++
	if runErr != nil {
		r.failed++
	}
}

func TestSweep_RepeatsWhileMoreWork(t *testing.T) {
	sweeper := &scriptedSweeper{results: []services.SweepResult{
		{Cancelled: 2, StockRestored: 2, MoreWork: true},
		{RemindersSent: 1},
	}}
	recorder := &countingRecorder{}

	err := sweep(context.Background(), zap.NewNop(), sweeper, recorder, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, sweeper.calls)
	assert.Equal(t, 2, recorder.runs)
}

func TestSweep_DefaultRunsOneBatch(t *testing.T) {
	sweeper := &scriptedSweeper{results: []services.SweepResult{
		{Cancelled: 50, MoreWork: true}, {Cancelled: 3},
	}}
	recorder := &countingRecorder{}

	err := sweep(context.Background(), zap.NewNop(), sweeper, recorder, defaultMaxPasses)
	require.NoError(t, err)
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 1, recorder.runs)
}

func TestSweep_StopsAtMaxPasses(t *testing.T) {
	sweeper := &scriptedSweeper{results: []services.SweepResult{
		{MoreWork: true}, {MoreWork: true}, {MoreWork: true},
	}}

	err := sweep(context.Background(), zap.NewNop(), sweeper, &countingRecorder{}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sweeper.calls)
}

func TestSweep_ReportsFailures(t *testing.T) {
	recorder := &countingRecorder{}
	err := sweep(context.Background(), zap.NewNop(), &scriptedSweeper{err: errors.New("db down")}, recorder, 3)
	require.Error(t, err)
	assert.Equal(t, 1, recorder.failed)

	err = sweep(context.Background(), zap.NewNop(), &scriptedSweeper{results: []services.SweepResult{{Errors: 1}}}, &countingRecorder{}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 orders")
}
