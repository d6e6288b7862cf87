package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pmysql "github.com/synclune/api/internal/platform/mysql"
)

// CounterRepository hands out monotonically increasing sequence values.
type CounterRepository struct {
	provider *pmysql.Provider
}

// Next atomically advances the counter by step and returns the new value. The first call creates
// the counter starting at step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, errors.New("counter repository: counter id is required")
	}
	if step <= 0 {
		return 0, fmt.Errorf("counter repository: step must be positive, got %d", step)
	}

	q, err := r.provider.Querier(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `INSERT INTO counters (id, current_value, updated_at)
		VALUES (?, LAST_INSERT_ID(?), ?)
		ON DUPLICATE KEY UPDATE current_value = LAST_INSERT_ID(current_value + ?), updated_at = ?`,
		id, step, now, step, now)
	if err != nil {
		return 0, pmysql.WrapError("counters.next", err)
	}
	value, err := res.LastInsertId()
	if err != nil {
		return 0, pmysql.WrapError("counters.next", err)
	}
	return value, nil
}
