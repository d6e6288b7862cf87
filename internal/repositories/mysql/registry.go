package mysql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	pmysql "github.com/synclune/api/internal/platform/mysql"
	"github.com/synclune/api/internal/repositories"
)

//go:embed schema.sql
var schemaSQL string

// Registry wires every MySQL repository to a shared provider.
type Registry struct {
	provider *pmysql.Provider

	orders        *OrderRepository
	history       *OrderHistoryRepository
	stock         *StockRepository
	discounts     *DiscountRepository
	usage         *DiscountUsageRepository
	paymentEvents *PaymentEventRepository
	disputes      *DisputeRepository
	refunds       *RefundRepository
	counters      *CounterRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the repository set.
func NewRegistry(provider *pmysql.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("mysql registry requires provider")
	}
	return &Registry{
		provider:      provider,
		orders:        &OrderRepository{provider: provider},
		history:       &OrderHistoryRepository{provider: provider},
		stock:         &StockRepository{provider: provider},
		discounts:     &DiscountRepository{provider: provider},
		usage:         &DiscountUsageRepository{provider: provider},
		paymentEvents: &PaymentEventRepository{provider: provider},
		disputes:      &DisputeRepository{provider: provider},
		refunds:       &RefundRepository{provider: provider},
		counters:      &CounterRepository{provider: provider},
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }
func (r *Registry) Ping(ctx context.Context) error  { return r.provider.Ping(ctx) }

func (r *Registry) Orders() repositories.OrderRepository                { return r.orders }
func (r *Registry) OrderHistory() repositories.OrderHistoryRepository   { return r.history }
func (r *Registry) Stock() repositories.StockRepository                 { return r.stock }
func (r *Registry) Discounts() repositories.DiscountRepository          { return r.discounts }
func (r *Registry) DiscountUsage() repositories.DiscountUsageRepository { return r.usage }
func (r *Registry) PaymentEvents() repositories.PaymentEventRepository  { return r.paymentEvents }
func (r *Registry) Disputes() repositories.DisputeRepository            { return r.disputes }
func (r *Registry) Refunds() repositories.RefundRepository              { return r.refunds }
func (r *Registry) Counters() repositories.CounterRepository            { return r.counters }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, provider *pmysql.Provider) error {
	db, err := provider.DB(ctx)
	if err != nil {
		return err
	}
	for i, stmt := range SchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaStatements splits the embedded schema into executable statements.
func SchemaStatements() []string {
	parts := strings.Split(schemaSQL, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
