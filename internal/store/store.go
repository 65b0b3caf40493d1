package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInsufficientStock is recoverable: the cashier adjusts or substitutes.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrRateNotFound means no active exchange rate exists at or before the
	// requested as-of time for that ordered pair. Callers must not fall back
	// to an inverse rate or 1.0.
	ErrRateNotFound = errors.New("exchange rate not found")

	// ErrInvalidTransition is a transfer workflow violation, e.g. shipping a
	// cancelled transfer.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOverCapacity means a credit would push a location record past its
	// configured max capacity.
	ErrOverCapacity = errors.New("over location capacity")

	ErrInvalidRequest = errors.New("invalid request")
)

// Repository is the storage contract. ApplyLedgerEntry and the transfer
// transition methods are atomic: the ledger row and the affected counter(s)
// commit together or not at all, so counter/ledger divergence is structurally
// impossible rather than merely unlikely.
type Repository interface {
	// Currency catalog and exchange rates.
	UpsertCurrency(ctx context.Context, currency domain.Currency) (*domain.Currency, error)
	GetCurrency(ctx context.Context, code string) (*domain.Currency, error)
	ListCurrencies(ctx context.Context) ([]domain.Currency, error)
	SetCurrencyActive(ctx context.Context, code string, active bool) (*domain.Currency, error)
	BaseCurrency(ctx context.Context) (*domain.Currency, error)
	AddExchangeRate(ctx context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error)
	// ResolveRate returns the most recent active rate with EffectiveAt <= asOf
	// for the ordered pair, or ErrRateNotFound.
	ResolveRate(ctx context.Context, fromCode string, toCode string, asOf time.Time) (decimal.Decimal, error)

	// Reference data.
	UpsertIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)
	GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error)
	ListIngredients(ctx context.Context) ([]domain.Ingredient, error)
	UpsertLocation(ctx context.Context, location domain.Location) (*domain.Location, error)
	GetLocation(ctx context.Context, id string) (*domain.Location, error)
	ListLocations(ctx context.Context) ([]domain.Location, error)

	// Stock counters (reads; all writes go through the ledger).
	GetCentralStock(ctx context.Context, ingredientID string) (domain.CentralStockRecord, error)
	GetLocationStock(ctx context.Context, locationID string, ingredientID string) (domain.LocationStockRecord, error)
	ListLocationStock(ctx context.Context, locationID string) ([]domain.LocationStockRecord, error)
	SetLocationStockPolicy(ctx context.Context, record domain.LocationStockRecord) (*domain.LocationStockRecord, error)

	// Ledger. ApplyLedgerEntry is the only way counters change; the returned
	// bool reports an idempotent replay (the original entry is returned and
	// nothing is applied twice).
	ApplyLedgerEntry(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, bool, error)
	FindLedgerEntryByIdempotency(ctx context.Context, key string) (*domain.StockLedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.StockLedgerEntry, error)
	// RebuildStockCounters replays the ledger for one ingredient and rewrites
	// any counter that drifted, including central allocations implied by
	// approved-but-unshipped transfers.
	RebuildStockCounters(ctx context.Context, ingredientID string) (domain.ReconcileResult, error)

	// Transfers. Ship and Receive combine the state transition with the
	// corresponding ledger entry in one transaction.
	CreateTransfer(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	GetTransferByNumber(ctx context.Context, number string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, locationID string, state string, limit int) ([]domain.Transfer, error)
	ApproveTransfer(ctx context.Context, id string, approvedBy string, at time.Time) (*domain.Transfer, error)
	CancelTransfer(ctx context.Context, id string, at time.Time) (*domain.Transfer, error)
	ShipTransfer(ctx context.Context, id string, shippedBy string, quantitySent decimal.Decimal, at time.Time) (*domain.Transfer, error)
	ReceiveTransfer(ctx context.Context, id string, receivedBy string, quantityReceived decimal.Decimal, at time.Time) (*domain.Transfer, error)

	// Auth accounts (actor ids recorded on ledger entries and transitions).
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
