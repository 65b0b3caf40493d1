package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
)

// Strategy decides which stock holders a branch's reads and writes land
// on. A holder is either the central pool (nil) or a branch's own record.
type Strategy interface {
	Name() string
	// Holders lists the stock holders the branch draws from, in
	// consumption order. Deduction drains them left to right.
	Holders(locationID string) []*string
	// Available is what the branch can sell right now. For holders backed
	// by the central pool this excludes quantity reserved for approved
	// transfers.
	Available(ctx context.Context, repo store.Repository, locationID string, ingredientID string) (decimal.Decimal, error)
}

// StrategyFor maps a location's configured strategy name to its
// implementation.
func StrategyFor(location domain.Location) (Strategy, error) {
	switch location.AllocationStrategy {
	case domain.StrategyCentralized:
		return centralizedStrategy{}, nil
	case domain.StrategyIndependent:
		return independentStrategy{}, nil
	case domain.StrategyHybrid:
		return hybridStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown allocation strategy %q for location %s",
			store.ErrInvalidRequest, location.AllocationStrategy, location.ID)
	}
}

// centralizedStrategy: the branch holds no stock of its own. Every read
// and write goes straight to the central pool.
type centralizedStrategy struct{}

func (centralizedStrategy) Name() string { return domain.StrategyCentralized }

func (centralizedStrategy) Holders(string) []*string { return []*string{nil} }

func (centralizedStrategy) Available(ctx context.Context, repo store.Repository, _ string, ingredientID string) (decimal.Decimal, error) {
	rec, err := repo.GetCentralStock(ctx, ingredientID)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.AvailableUnits(), nil
}

// independentStrategy: the branch only ever sees its own record. The
// central pool does not exist from its point of view.
type independentStrategy struct{}

func (independentStrategy) Name() string { return domain.StrategyIndependent }

func (independentStrategy) Holders(locationID string) []*string { return []*string{&locationID} }

func (independentStrategy) Available(ctx context.Context, repo store.Repository, locationID string, ingredientID string) (decimal.Decimal, error) {
	rec, err := repo.GetLocationStock(ctx, locationID, ingredientID)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.CurrentUnits, nil
}

// hybridStrategy: day-to-day sales touch only the branch's own record.
// The central pool is replenishment-only: it is reached through the
// transfer workflow, never by a sale, so running low surfaces as
// insufficient stock and a transfer request, not a silent pool drain.
type hybridStrategy struct{}

func (hybridStrategy) Name() string { return domain.StrategyHybrid }

func (hybridStrategy) Holders(locationID string) []*string { return []*string{&locationID} }

func (hybridStrategy) Available(ctx context.Context, repo store.Repository, locationID string, ingredientID string) (decimal.Decimal, error) {
	rec, err := repo.GetLocationStock(ctx, locationID, ingredientID)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.CurrentUnits, nil
}

// holderAvailable is the per-holder counterpart of Strategy.Available,
// used when planning how a deduction spreads across holders.
func holderAvailable(ctx context.Context, repo store.Repository, holder *string, ingredientID string) (decimal.Decimal, error) {
	if holder == nil {
		rec, err := repo.GetCentralStock(ctx, ingredientID)
		if err != nil {
			return decimal.Zero, err
		}
		return rec.AvailableUnits(), nil
	}
	rec, err := repo.GetLocationStock(ctx, *holder, ingredientID)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.CurrentUnits, nil
}
