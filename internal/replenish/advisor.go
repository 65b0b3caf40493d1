package replenish

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
)

// Advisor turns stock counters into replenishment suggestions: which
// ingredients a branch should top up, how much, and from where. It only
// reads; opening the suggested transfer stays a human decision.
type Advisor struct {
	repo store.Repository
}

func NewAdvisor(repo store.Repository) *Advisor {
	return &Advisor{repo: repo}
}

// SuggestForLocation ranks the branch's low ingredients by urgency.
// A record's own reorder threshold wins; an unset threshold falls back to
// the ingredient's default reorder level. The refill target is the
// record's max capacity when configured, otherwise twice the threshold.
func (a *Advisor) SuggestForLocation(ctx context.Context, locationID string) (domain.ReplenishmentResponse, error) {
	location, err := a.repo.GetLocation(ctx, locationID)
	if err != nil {
		return domain.ReplenishmentResponse{}, err
	}

	resp := domain.ReplenishmentResponse{
		LocationID:  locationID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	// A centralized branch holds no stock of its own; its replenishment is
	// purchasing for the central pool, surfaced against the pool counters.
	if location.AllocationStrategy == domain.StrategyCentralized {
		suggestions, err := a.suggestForCentralPool(ctx, locationID)
		if err != nil {
			return domain.ReplenishmentResponse{}, err
		}
		resp.Suggestions = suggestions
		return resp, nil
	}

	records, err := a.repo.ListLocationStock(ctx, locationID)
	if err != nil {
		return domain.ReplenishmentResponse{}, err
	}

	drawsFromCentral := location.AllocationStrategy == domain.StrategyHybrid

	for _, record := range records {
		ingredient, err := a.repo.GetIngredient(ctx, record.IngredientID)
		if err != nil {
			continue
		}

		threshold := record.ReorderThreshold
		if threshold.IsZero() {
			threshold = ingredient.ReorderLevel
		}
		if !threshold.IsPositive() || record.CurrentUnits.GreaterThan(threshold) {
			continue
		}

		target := threshold.Mul(decimal.NewFromInt(2))
		if record.MaxCapacity != nil {
			target = *record.MaxCapacity
		}
		suggested := target.Sub(record.CurrentUnits)
		if !suggested.IsPositive() {
			continue
		}

		suggestion := domain.ReplenishmentSuggestion{
			LocationID:       locationID,
			IngredientID:     record.IngredientID,
			IngredientName:   ingredient.Name,
			Unit:             ingredient.Unit,
			CurrentUnits:     record.CurrentUnits,
			ReorderThreshold: threshold,
			SuggestedQty:     suggested,
			Urgency:          urgency(record.CurrentUnits, threshold),
		}

		if drawsFromCentral {
			central, err := a.repo.GetCentralStock(ctx, record.IngredientID)
			if err == nil && central.AvailableUnits().IsPositive() {
				// nil source = pull from the central pool.
				suggestion.SourceLocationID = nil
				if central.AvailableUnits().LessThan(suggested) {
					suggestion.SuggestedQty = central.AvailableUnits()
					suggestion.CentralLimited = true
				}
			}
		}

		resp.Suggestions = append(resp.Suggestions, suggestion)
	}

	sort.Slice(resp.Suggestions, func(i, j int) bool {
		return resp.Suggestions[i].Urgency > resp.Suggestions[j].Urgency
	})
	return resp, nil
}

func (a *Advisor) suggestForCentralPool(ctx context.Context, locationID string) ([]domain.ReplenishmentSuggestion, error) {
	ingredients, err := a.repo.ListIngredients(ctx)
	if err != nil {
		return nil, err
	}

	var suggestions []domain.ReplenishmentSuggestion
	for _, ingredient := range ingredients {
		if !ingredient.ReorderLevel.IsPositive() {
			continue
		}
		central, err := a.repo.GetCentralStock(ctx, ingredient.ID)
		if err != nil {
			continue
		}
		available := central.AvailableUnits()
		if available.GreaterThan(ingredient.ReorderLevel) {
			continue
		}

		target := ingredient.ReorderLevel.Mul(decimal.NewFromInt(2))
		suggestions = append(suggestions, domain.ReplenishmentSuggestion{
			LocationID:       locationID,
			IngredientID:     ingredient.ID,
			IngredientName:   ingredient.Name,
			Unit:             ingredient.Unit,
			CurrentUnits:     available,
			ReorderThreshold: ingredient.ReorderLevel,
			SuggestedQty:     target.Sub(available),
			Urgency:          urgency(available, ingredient.ReorderLevel),
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		return suggestions[i].Urgency > suggestions[j].Urgency
	})
	return suggestions, nil
}

// urgency maps "how far below threshold" to [0,1]: 1 means empty, 0 means
// sitting exactly at the threshold.
func urgency(current decimal.Decimal, threshold decimal.Decimal) float64 {
	if !threshold.IsPositive() {
		return 0
	}
	ratio, _ := current.Div(threshold).Float64()
	return math.Round(clamp(1-ratio, 0, 1)*100) / 100
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
