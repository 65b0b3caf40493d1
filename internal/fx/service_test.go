package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
	"stokkita/backend/internal/store/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.NewSeeded()
	return New(st), st
}

func TestConvertUsesTimestampedRate(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	effective := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := st.AddExchangeRate(ctx, domain.ExchangeRate{
		FromCode:    "USD",
		ToCode:      "JPY",
		Rate:        decimal.RequireFromString("110.00"),
		EffectiveAt: effective,
		Active:      true,
	}); err != nil {
		t.Fatalf("add rate: %v", err)
	}

	got, rateUsed, err := svc.Convert(ctx, domain.NewMoney(10000, "USD"), "JPY", effective.Add(time.Hour))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.MinorUnits != 11000 || got.Currency != "JPY" {
		t.Fatalf("want 11000 JPY, got %s", got)
	}
	if rateUsed != "110" {
		t.Fatalf("want rate 110, got %s", rateUsed)
	}

	formatted, err := svc.Format(ctx, got)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if formatted != "¥11,000" {
		t.Fatalf("want ¥11,000, got %s", formatted)
	}
}

func TestConvertIsDeterministic(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	asOf := time.Now().UTC()

	first, _, err := svc.Convert(ctx, domain.NewMoney(123456, "USD"), "IDR", asOf)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, _, err := svc.Convert(ctx, domain.NewMoney(123456, "USD"), "IDR", asOf)
		if err != nil {
			t.Fatalf("convert #%d: %v", i, err)
		}
		if again != first {
			t.Fatalf("conversion drifted on repeat %d: %s vs %s", i, again, first)
		}
	}
}

func TestConvertRoundsHalfToEven(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	effective := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := st.AddExchangeRate(ctx, domain.ExchangeRate{
		FromCode:    "JPY",
		ToCode:      "USD",
		Rate:        decimal.RequireFromString("0.005"),
		EffectiveAt: effective,
		Active:      true,
	}); err != nil {
		t.Fatalf("add rate: %v", err)
	}
	asOf := effective.Add(time.Hour)

	// ¥5 * 0.005 = $0.025: the half cent ties down to the even 2 cents.
	got, _, err := svc.Convert(ctx, domain.NewMoney(5, "JPY"), "USD", asOf)
	if err != nil {
		t.Fatalf("convert ¥5: %v", err)
	}
	if got.MinorUnits != 2 {
		t.Fatalf("¥5 at 0.005: want 2 minor units, got %d", got.MinorUnits)
	}

	// ¥7 * 0.005 = $0.035: the half cent ties up to the even 4 cents.
	got, _, err = svc.Convert(ctx, domain.NewMoney(7, "JPY"), "USD", asOf)
	if err != nil {
		t.Fatalf("convert ¥7: %v", err)
	}
	if got.MinorUnits != 4 {
		t.Fatalf("¥7 at 0.005: want 4 minor units, got %d", got.MinorUnits)
	}
}

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	svc, _ := newService(t)

	got, rateUsed, err := svc.Convert(context.Background(), domain.NewMoney(999, "USD"), "usd", time.Now())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.MinorUnits != 999 || got.Currency != "USD" || rateUsed != "1" {
		t.Fatalf("identity conversion changed the amount: %s rate %s", got, rateUsed)
	}
}

func TestConvertMissingRateFailsWithoutFallback(t *testing.T) {
	svc, _ := newService(t)

	// JPY->EUR is never seeded, and EUR->JPY must not be inverted for it.
	_, _, err := svc.Convert(context.Background(), domain.NewMoney(1000, "JPY"), "EUR", time.Now())
	if !errors.Is(err, store.ErrRateNotFound) {
		t.Fatalf("want ErrRateNotFound, got %v", err)
	}
}

func TestConvertToleratesRetiredCurrencyButQuoteDoesNot(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Convert(ctx, domain.NewMoney(100, "XXX"), "USD", time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown currency: want ErrNotFound, got %v", err)
	}

	if _, err := svc.DeactivateCurrency(ctx, "SGD"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	// Amounts recorded before the retirement still convert; deactivation
	// hides the currency from new pricing, it does not erase history.
	got, _, err := svc.Convert(ctx, domain.NewMoney(100, "SGD"), "IDR", time.Now())
	if err != nil {
		t.Fatalf("convert retired currency: %v", err)
	}
	if got.MinorUnits != 12110 {
		t.Fatalf("S$1.00 at 12110: want Rp12,110, got %d", got.MinorUnits)
	}

	// Quoting is new pricing and must refuse the retired currency.
	_, err = svc.Quote(ctx, domain.NewMoney(100, "SGD"), "IDR", time.Now())
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("quote retired currency: want ErrInvalidRequest, got %v", err)
	}
}

func TestRoundTripConversionErrorStaysWithinOneMinorUnit(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	asOf := time.Now().UTC()

	// Rp45,000 out to USD at the seeded 0.0000615 rate.
	usd, outRate, err := svc.Convert(ctx, domain.NewMoney(45000, "IDR"), "USD", asOf)
	if err != nil {
		t.Fatalf("convert out: %v", err)
	}
	exactOut := decimal.NewFromInt(45000).Mul(decimal.RequireFromString(outRate)).Shift(2)
	if decimal.NewFromInt(usd.MinorUnits).Sub(exactOut).Abs().GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("outbound leg off by more than one minor unit: %d vs %s", usd.MinorUnits, exactOut)
	}

	// And back at the seeded USD->IDR 16250 rate.
	back, backRate, err := svc.Convert(ctx, usd, "IDR", asOf)
	if err != nil {
		t.Fatalf("convert back: %v", err)
	}
	if backRate != "16250" {
		t.Fatalf("want rate 16250, got %s", backRate)
	}
	exactBack := decimal.New(usd.MinorUnits, -2).Mul(decimal.RequireFromString(backRate))
	if decimal.NewFromInt(back.MinorUnits).Sub(exactBack).Abs().GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("return leg off by more than one minor unit: %d vs %s", back.MinorUnits, exactBack)
	}

	// 45000 -> 277 -> 45012. Each leg rounds once; the stored pair is not a
	// perfect inverse, so the trip does not land back on the original amount.
	if back.MinorUnits != 45012 {
		t.Fatalf("want Rp45,012 back, got %d", back.MinorUnits)
	}

	// A newer rate changes the return leg without touching the outbound one.
	if _, err := st.AddExchangeRate(ctx, domain.ExchangeRate{
		FromCode:    "USD",
		ToCode:      "IDR",
		Rate:        decimal.RequireFromString("16500"),
		EffectiveAt: asOf.Add(time.Minute),
		Active:      true,
	}); err != nil {
		t.Fatalf("add rate: %v", err)
	}
	later, laterRate, err := svc.Convert(ctx, usd, "IDR", asOf.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("convert at later rate: %v", err)
	}
	if laterRate != "16500" || later.MinorUnits != 45705 {
		t.Fatalf("later leg: want Rp45,705 at 16500, got %d at %s", later.MinorUnits, laterRate)
	}
}

func TestQuoteCarriesBothSidesAndRate(t *testing.T) {
	svc, _ := newService(t)
	asOf := time.Now().UTC()

	quote, err := svc.Quote(context.Background(), domain.NewMoney(45000, "IDR"), "USD", asOf)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Base.Currency != "IDR" || quote.Display.Currency != "USD" {
		t.Fatalf("unexpected quote sides: %+v", quote)
	}
	if quote.RateUsed == "" || !quote.AsOf.Equal(asOf) {
		t.Fatalf("quote missing rate or as-of: %+v", quote)
	}
	// 45000 IDR * 0.0000615 = 2.7675 USD -> 277 minor units (2.77).
	if quote.Display.MinorUnits != 277 {
		t.Fatalf("want 277 minor units, got %d", quote.Display.MinorUnits)
	}
}

func TestFormatRespectsMinorUnitDigits(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		in   domain.Money
		want string
	}{
		{domain.NewMoney(123456, "USD"), "$1,234.56"},
		{domain.NewMoney(16250, "IDR"), "Rp16,250"},
		{domain.NewMoney(5, "USD"), "$0.05"},
		{domain.NewMoney(-70050, "USD"), "-$700.50"},
		{domain.NewMoney(1000000, "JPY"), "¥1,000,000"},
	}
	for _, tc := range cases {
		got, err := svc.Format(ctx, tc.in)
		if err != nil {
			t.Fatalf("format %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("format %s: want %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestImportCurrenciesRejectsTwoBases(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.ImportCurrencies(context.Background(), []domain.Currency{
		{Code: "AUD", Symbol: "A$", Name: "Australian Dollar", MinorUnitDigits: 2, IsBase: true, Active: true},
		{Code: "NZD", Symbol: "NZ$", Name: "New Zealand Dollar", MinorUnitDigits: 2, IsBase: true, Active: true},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}

func TestDeactivateBaseCurrencyFails(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.DeactivateCurrency(context.Background(), "IDR")
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("want ErrInvalidRequest, got %v", err)
	}
}
