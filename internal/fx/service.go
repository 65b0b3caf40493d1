package fx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
)

// Service owns the currency catalog, the rate table and conversion.
// Conversion is deterministic: same amount, pair and as-of time always
// produce the same result, because rates are resolved by effective time
// and rounding happens exactly once.
type Service struct {
	repo store.Repository
}

func New(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Convert turns an amount into the target currency. The decimal math runs
// at full precision and rounds once, half to even, at the target currency's
// minor-unit digits. Same-currency conversion is the identity and needs no
// stored rate; everything else requires an explicit rate for the ordered
// pair (the inverse pair is never derived). Deactivated currencies still
// convert: historical amounts keep resolving after a currency is retired,
// which is why the catalog deactivates instead of deleting.
func (s *Service) Convert(ctx context.Context, amount domain.Money, toCode string, asOf time.Time) (domain.Money, string, error) {
	toCode = strings.ToUpper(strings.TrimSpace(toCode))

	from, err := s.currency(ctx, amount.Currency)
	if err != nil {
		return domain.Money{}, "", err
	}
	to, err := s.currency(ctx, toCode)
	if err != nil {
		return domain.Money{}, "", err
	}

	if from.Code == to.Code {
		return amount, "1", nil
	}

	rate, err := s.repo.ResolveRate(ctx, from.Code, to.Code, asOf)
	if err != nil {
		return domain.Money{}, "", err
	}

	major := decimal.New(amount.MinorUnits, -int32(from.MinorUnitDigits))
	targetMinor := major.Mul(rate).Shift(int32(to.MinorUnitDigits)).RoundBank(0)

	return domain.NewMoney(targetMinor.IntPart(), to.Code), rate.String(), nil
}

// Quote converts a base-currency amount for display and returns both sides
// plus the rate used, so order capture can persist the pair verbatim and
// historical totals never shift when rates change later. Quoting prices
// new business, so both currencies must be active; re-reading an old
// order goes through Convert, which does not care.
func (s *Service) Quote(ctx context.Context, base domain.Money, displayCode string, asOf time.Time) (domain.PriceQuote, error) {
	if _, err := s.activeCurrency(ctx, base.Currency); err != nil {
		return domain.PriceQuote{}, err
	}
	if _, err := s.activeCurrency(ctx, strings.ToUpper(strings.TrimSpace(displayCode))); err != nil {
		return domain.PriceQuote{}, err
	}
	display, rateUsed, err := s.Convert(ctx, base, displayCode, asOf)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	return domain.PriceQuote{
		Base:     base,
		Display:  display,
		RateUsed: rateUsed,
		AsOf:     asOf,
	}, nil
}

// Format renders an amount with the currency's symbol, thousands grouping
// and exactly the currency's minor-unit digits: "$1,234.56", "¥11,000",
// "Rp16,250".
func (s *Service) Format(ctx context.Context, amount domain.Money) (string, error) {
	currency, err := s.repo.GetCurrency(ctx, amount.Currency)
	if err != nil {
		return "", err
	}

	minor := amount.MinorUnits
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	digits := currency.MinorUnitDigits
	scale := int64(1)
	for i := 0; i < digits; i++ {
		scale *= 10
	}
	whole := minor / scale
	frac := minor % scale

	out := sign + currency.Symbol + groupThousands(whole)
	if digits > 0 {
		out += fmt.Sprintf(".%0*d", digits, frac)
	}
	return out, nil
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func (s *Service) currency(ctx context.Context, code string) (*domain.Currency, error) {
	currency, err := s.repo.GetCurrency(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("currency %s: %w", code, err)
	}
	return currency, nil
}

func (s *Service) activeCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	currency, err := s.currency(ctx, code)
	if err != nil {
		return nil, err
	}
	if !currency.Active {
		return nil, fmt.Errorf("%w: currency %s is deactivated", store.ErrInvalidRequest, currency.Code)
	}
	return currency, nil
}

// ImportCurrencies upserts catalog entries from configuration. Codes are
// normalized to upper case; at most one entry may be flagged as base.
func (s *Service) ImportCurrencies(ctx context.Context, currencies []domain.Currency) ([]domain.Currency, error) {
	baseCount := 0
	for _, c := range currencies {
		if c.IsBase {
			baseCount++
		}
	}
	if baseCount > 1 {
		return nil, fmt.Errorf("%w: more than one base currency in import", store.ErrInvalidRequest)
	}

	imported := make([]domain.Currency, 0, len(currencies))
	for _, c := range currencies {
		saved, err := s.repo.UpsertCurrency(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", c.Code, err)
		}
		imported = append(imported, *saved)
	}
	return imported, nil
}

func (s *Service) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	return s.repo.ListCurrencies(ctx)
}

// DeactivateCurrency hides a currency from new pricing without deleting it,
// so historical orders keep resolving their metadata.
func (s *Service) DeactivateCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	return s.repo.SetCurrencyActive(ctx, code, false)
}

func (s *Service) ActivateCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	return s.repo.SetCurrencyActive(ctx, code, true)
}

func (s *Service) AddRate(ctx context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error) {
	rate.FromCode = strings.ToUpper(strings.TrimSpace(rate.FromCode))
	rate.ToCode = strings.ToUpper(strings.TrimSpace(rate.ToCode))
	rate.Active = true
	return s.repo.AddExchangeRate(ctx, rate)
}

func (s *Service) BaseCurrency(ctx context.Context) (*domain.Currency, error) {
	return s.repo.BaseCurrency(ctx)
}
