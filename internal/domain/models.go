package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is one entry of the currency catalog. Entries are created by
// configuration import and deactivated (never deleted) so historical orders
// keep resolving their currency metadata.
type Currency struct {
	Code            string    `json:"code"`
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	MinorUnitDigits int       `json:"minor_unit_digits"`
	IsBase          bool      `json:"is_base"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// ExchangeRate is one time-ordered rate for an ordered currency pair.
// The rate effective at time T is the most recent active row with
// EffectiveAt <= T. A same-currency pair is implicitly 1 without a row,
// and an inverse rate is never derived: it must be stored as its own pair.
type ExchangeRate struct {
	ID          string          `json:"id"`
	FromCode    string          `json:"from_code"`
	ToCode      string          `json:"to_code"`
	Rate        decimal.Decimal `json:"rate"`
	EffectiveAt time.Time       `json:"effective_at"`
	Active      bool            `json:"active"`
}

// PriceQuote is what order capture persists verbatim on an order line:
// both amounts plus the locked rate, so historical totals never shift
// when rates change later.
type PriceQuote struct {
	Base     Money     `json:"base"`
	Display  Money     `json:"display"`
	RateUsed string    `json:"rate_used"`
	AsOf     time.Time `json:"as_of"`
}

type Ingredient struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	ReorderLevel decimal.Decimal `json:"reorder_level"`
}

// Location is a branch. Its allocation strategy decides which stock records
// its reads and writes land on.
type Location struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	AllocationStrategy string `json:"allocation_strategy"`
	IsActive           bool   `json:"is_active"`
}

// CentralStockRecord is the shared pool counter for one ingredient.
// AllocatedUnits holds quantity reserved for approved-but-unshipped
// transfers out of the pool; available stock is always derived, never stored.
type CentralStockRecord struct {
	IngredientID   string          `json:"ingredient_id"`
	TotalUnits     decimal.Decimal `json:"total_units"`
	AllocatedUnits decimal.Decimal `json:"allocated_units"`
}

func (r CentralStockRecord) AvailableUnits() decimal.Decimal {
	return r.TotalUnits.Sub(r.AllocatedUnits)
}

// LocationStockRecord is the per-branch counter for one ingredient.
type LocationStockRecord struct {
	LocationID       string           `json:"location_id"`
	IngredientID     string           `json:"ingredient_id"`
	CurrentUnits     decimal.Decimal  `json:"current_units"`
	ReorderThreshold decimal.Decimal  `json:"reorder_threshold"`
	MaxCapacity      *decimal.Decimal `json:"max_capacity,omitempty"`
}

// StockLedgerEntry is one immutable, signed stock change. The ledger is the
// system of record; the counters above are a cache rebuildable by replay.
type StockLedgerEntry struct {
	ID                string          `json:"id"`
	IngredientID      string          `json:"ingredient_id"`
	LocationID        *string         `json:"location_id,omitempty"` // nil = central pool
	DeltaUnits        decimal.Decimal `json:"delta_units"`
	Reason            string          `json:"reason"`
	RelatedOrderID    string          `json:"related_order_id,omitempty"`
	RelatedTransferID string          `json:"related_transfer_id,omitempty"`
	ActorID           string          `json:"actor_id,omitempty"`
	Note              string          `json:"note,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

type LedgerFilter struct {
	IngredientID string
	LocationID   *string
	CentralOnly  bool
	Reason       string
	From         time.Time
	To           time.Time
	Limit        int
}

// Transfer moves exactly one ingredient between two stock holders.
// FromLocationID nil means the central pool.
type Transfer struct {
	ID                string           `json:"id"`
	TransferNumber    string           `json:"transfer_number"`
	FromLocationID    *string          `json:"from_location_id,omitempty"`
	ToLocationID      string           `json:"to_location_id"`
	IngredientID      string           `json:"ingredient_id"`
	QuantityRequested decimal.Decimal  `json:"quantity_requested"`
	QuantitySent      *decimal.Decimal `json:"quantity_sent,omitempty"`
	QuantityReceived  *decimal.Decimal `json:"quantity_received,omitempty"`
	UnitCost          *Money           `json:"unit_cost,omitempty"`
	State             string           `json:"state"`
	RequestedBy       string           `json:"requested_by"`
	ApprovedBy        string           `json:"approved_by,omitempty"`
	ShippedBy         string           `json:"shipped_by,omitempty"`
	ReceivedBy        string           `json:"received_by,omitempty"`
	RequestedAt       time.Time        `json:"requested_at"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	ShippedAt         *time.Time       `json:"shipped_at,omitempty"`
	ReceivedAt        *time.Time       `json:"received_at,omitempty"`
	CancelledAt       *time.Time       `json:"cancelled_at,omitempty"`
}

type DeductRequest struct {
	LocationID     string          `json:"location_id"`
	IngredientID   string          `json:"ingredient_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reason         string          `json:"reason,omitempty"`
	RelatedOrderID string          `json:"related_order_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RecipeLine struct {
	IngredientID string          `json:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

type DeductRecipeRequest struct {
	LocationID     string       `json:"location_id"`
	Lines          []RecipeLine `json:"lines"`
	RelatedOrderID string       `json:"related_order_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// StockMutationRequest covers restock, waste and adjustment. LocationID nil
// targets the central pool. Quantity is positive for restock/waste; an
// adjustment carries its own sign.
type StockMutationRequest struct {
	LocationID     *string         `json:"location_id,omitempty"`
	IngredientID   string          `json:"ingredient_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type DeductResponse struct {
	Entries   []StockLedgerEntry `json:"entries"`
	Duplicate bool               `json:"duplicate"`
}

type StockLevelResponse struct {
	LocationID     string          `json:"location_id"`
	IngredientID   string          `json:"ingredient_id"`
	Strategy       string          `json:"strategy"`
	AvailableUnits decimal.Decimal `json:"available_units"`
}

type TransferRequestInput struct {
	FromLocationID *string         `json:"from_location_id,omitempty"`
	ToLocationID   string          `json:"to_location_id"`
	IngredientID   string          `json:"ingredient_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       *Money          `json:"unit_cost,omitempty"`
}

type ShipTransferRequest struct {
	QuantitySent decimal.Decimal `json:"quantity_sent"`
}

type ReceiveTransferRequest struct {
	QuantityReceived decimal.Decimal `json:"quantity_received"`
}

type TransferResponse struct {
	Transfer Transfer `json:"transfer"`
}

type TransferListResponse struct {
	Transfers []Transfer `json:"transfers"`
}

// StockSnapshot is the cached form of an available-stock read. Callers get
// no snapshot isolation promise: the value may be stale by up to the cache
// TTL and may change immediately after return either way.
type StockSnapshot struct {
	AvailableUnits decimal.Decimal `json:"available_units"`
	CachedAt       time.Time       `json:"cached_at"`
}

// CounterRepair records one counter rewritten during reconciliation.
// LocationID nil means the central pool.
type CounterRepair struct {
	LocationID *string         `json:"location_id,omitempty"`
	Before     decimal.Decimal `json:"before"`
	After      decimal.Decimal `json:"after"`
}

type ReconcileResult struct {
	IngredientID string          `json:"ingredient_id"`
	Repairs      []CounterRepair `json:"repairs"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// ReplenishmentSuggestion proposes a transfer for a branch running low.
// SourceLocationID nil means the central pool; a suggestion without a
// viable source still surfaces so an external restock can be ordered.
type ReplenishmentSuggestion struct {
	LocationID       string          `json:"location_id"`
	IngredientID     string          `json:"ingredient_id"`
	IngredientName   string          `json:"ingredient_name"`
	Unit             string          `json:"unit"`
	CurrentUnits     decimal.Decimal `json:"current_units"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold"`
	SuggestedQty     decimal.Decimal `json:"suggested_qty"`
	SourceLocationID *string         `json:"source_location_id,omitempty"`
	CentralLimited   bool            `json:"central_limited"`
	Urgency          float64         `json:"urgency"`
}

type ReplenishmentResponse struct {
	LocationID  string                    `json:"location_id"`
	GeneratedAt string                    `json:"generated_at"`
	Suggestions []ReplenishmentSuggestion `json:"suggestions"`
}

type ConvertRequest struct {
	MinorUnits int64      `json:"minor_units"`
	Currency   string     `json:"currency"`
	ToCurrency string     `json:"to_currency"`
	AsOf       *time.Time `json:"as_of,omitempty"`
}

type ConvertResponse struct {
	Result    Money  `json:"result"`
	Formatted string `json:"formatted"`
	RateUsed  string `json:"rate_used"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor identifies the authenticated caller. The inventory core trusts that
// the caller was authorized; it only records the actor id on ledger entries
// and transfer transitions for audit.
type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	ReasonSale        = "sale"
	ReasonRestock     = "restock"
	ReasonWaste       = "waste"
	ReasonAdjustment  = "adjustment"
	ReasonTransferOut = "transfer_out"
	ReasonTransferIn  = "transfer_in"
)

const (
	TransferRequested = "requested"
	TransferApproved  = "approved"
	TransferShipped   = "shipped"
	TransferReceived  = "received"
	TransferCancelled = "cancelled"
)

const (
	StrategyCentralized = "centralized"
	StrategyIndependent = "independent"
	StrategyHybrid      = "hybrid"
)

func ValidReason(reason string) bool {
	switch reason {
	case ReasonSale, ReasonRestock, ReasonWaste, ReasonAdjustment, ReasonTransferOut, ReasonTransferIn:
		return true
	}
	return false
}

func ValidStrategy(strategy string) bool {
	switch strategy {
	case StrategyCentralized, StrategyIndependent, StrategyHybrid:
		return true
	}
	return false
}
