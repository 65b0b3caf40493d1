package domain

import (
	"errors"
	"testing"
)

func TestMoneyAddSameCurrency(t *testing.T) {
	total, err := NewMoney(1500, "USD").Add(NewMoney(250, "USD"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if total.MinorUnits != 1750 || total.Currency != "USD" {
		t.Fatalf("expected 1750 USD, got %s", total)
	}
}

func TestMoneyAddRejectsMixedCurrencies(t *testing.T) {
	_, err := NewMoney(1000, "USD").Add(NewMoney(1000, "IDR"))
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}

	_, err = NewMoney(1000, "USD").Sub(NewMoney(1000, "EUR"))
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch on sub, got %v", err)
	}
}

func TestMoneySubCanGoNegative(t *testing.T) {
	refund, err := NewMoney(500, "JPY").Sub(NewMoney(1200, "JPY"))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if refund.MinorUnits != -700 {
		t.Fatalf("expected -700, got %d", refund.MinorUnits)
	}
	if !refund.IsNegative() {
		t.Fatalf("expected negative amount")
	}
	if refund.Neg().IsNegative() {
		t.Fatalf("expected negation to be positive")
	}
}

func TestMoneyZero(t *testing.T) {
	if !NewMoney(0, "IDR").IsZero() {
		t.Fatalf("expected zero amount")
	}
	if NewMoney(1, "IDR").IsZero() {
		t.Fatalf("expected non-zero amount")
	}
}
