package memory

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
	"stokkita/backend/internal/xid"
)

// Store is the in-memory Repository used for dev/demo mode and tests.
// A single RWMutex protects the maps; every Repository method is atomic
// under it, which is what makes ApplyLedgerEntry's "ledger row + counter
// together" guarantee hold here. Per-key serialization of concurrent
// mutators lives one level up, in the inventory service's lock table.
type Store struct {
	mu               sync.RWMutex
	currencies       map[string]domain.Currency
	rates            []domain.ExchangeRate
	ingredients      map[string]domain.Ingredient
	locations        map[string]domain.Location
	centralStock     map[string]domain.CentralStockRecord
	locationStock    map[string]map[string]domain.LocationStockRecord
	ledger           []domain.StockLedgerEntry
	ledgerByIdem     map[string]int
	transfersByID    map[string]domain.Transfer
	transferByNumber map[string]string
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		currencies:       make(map[string]domain.Currency),
		rates:            make([]domain.ExchangeRate, 0, 32),
		ingredients:      make(map[string]domain.Ingredient),
		locations:        make(map[string]domain.Location),
		centralStock:     make(map[string]domain.CentralStockRecord),
		locationStock:    make(map[string]map[string]domain.LocationStockRecord),
		ledger:           make([]domain.StockLedgerEntry, 0, 256),
		ledgerByIdem:     make(map[string]int),
		transfersByID:    make(map[string]domain.Transfer),
		transferByNumber: make(map[string]string),
		usersByUsername:  seedUsers(),
	}
}

// NewSeeded returns a store pre-populated with a small coffee-chain world:
// one central warehouse pool and three branches, one per allocation
// strategy. All stock is seeded through ledger entries so the conservation
// invariant (counter == sum of deltas) holds from the first read.
func NewSeeded() *Store {
	s := New()
	seededAt := time.Now().UTC().Add(-24 * time.Hour)

	for _, c := range []domain.Currency{
		{Code: "IDR", Symbol: "Rp", Name: "Indonesian Rupiah", MinorUnitDigits: 0, IsBase: true, Active: true, CreatedAt: seededAt},
		{Code: "USD", Symbol: "$", Name: "US Dollar", MinorUnitDigits: 2, Active: true, CreatedAt: seededAt},
		{Code: "EUR", Symbol: "€", Name: "Euro", MinorUnitDigits: 2, Active: true, CreatedAt: seededAt},
		{Code: "JPY", Symbol: "¥", Name: "Japanese Yen", MinorUnitDigits: 0, Active: true, CreatedAt: seededAt},
		{Code: "SGD", Symbol: "S$", Name: "Singapore Dollar", MinorUnitDigits: 2, Active: true, CreatedAt: seededAt},
	} {
		s.currencies[c.Code] = c
	}

	for _, r := range []struct {
		from, to, rate string
	}{
		{"USD", "IDR", "16250"},
		{"IDR", "USD", "0.0000615"},
		{"EUR", "IDR", "17840"},
		{"USD", "JPY", "155.30"},
		{"SGD", "IDR", "12110"},
	} {
		s.rates = append(s.rates, domain.ExchangeRate{
			ID:          xid.New("rate"),
			FromCode:    r.from,
			ToCode:      r.to,
			Rate:        decimal.RequireFromString(r.rate),
			EffectiveAt: seededAt,
			Active:      true,
		})
	}

	for _, ing := range []domain.Ingredient{
		{ID: "ing-beans", Name: "Arabica Coffee Beans", Unit: "kg", ReorderLevel: decimal.NewFromInt(10)},
		{ID: "ing-milk", Name: "Fresh Milk", Unit: "liter", ReorderLevel: decimal.NewFromInt(20)},
		{ID: "ing-sugar", Name: "Gula Pasir", Unit: "kg", ReorderLevel: decimal.NewFromInt(8)},
		{ID: "ing-syrup", Name: "Palm Sugar Syrup", Unit: "liter", ReorderLevel: decimal.NewFromInt(5)},
		{ID: "ing-cups", Name: "Paper Cup 12oz", Unit: "pcs", ReorderLevel: decimal.NewFromInt(200)},
	} {
		s.ingredients[ing.ID] = ing
	}

	for _, loc := range []domain.Location{
		{ID: "loc-senopati", Name: "Kedai Senopati", AllocationStrategy: domain.StrategyHybrid, IsActive: true},
		{ID: "loc-menteng", Name: "Kedai Menteng", AllocationStrategy: domain.StrategyIndependent, IsActive: true},
		{ID: "loc-kemang", Name: "Kedai Kemang", AllocationStrategy: domain.StrategyCentralized, IsActive: true},
	} {
		s.locations[loc.ID] = loc
	}

	cap30 := decimal.NewFromInt(30)
	cap60 := decimal.NewFromInt(60)
	s.locationStock["loc-senopati"] = map[string]domain.LocationStockRecord{
		"ing-beans": {LocationID: "loc-senopati", IngredientID: "ing-beans", ReorderThreshold: decimal.NewFromInt(6), MaxCapacity: &cap30},
		"ing-milk":  {LocationID: "loc-senopati", IngredientID: "ing-milk", ReorderThreshold: decimal.NewFromInt(12), MaxCapacity: &cap60},
	}
	s.locationStock["loc-menteng"] = map[string]domain.LocationStockRecord{
		"ing-beans": {LocationID: "loc-menteng", IngredientID: "ing-beans", ReorderThreshold: decimal.NewFromInt(5)},
		"ing-milk":  {LocationID: "loc-menteng", IngredientID: "ing-milk", ReorderThreshold: decimal.NewFromInt(10)},
		"ing-sugar": {LocationID: "loc-menteng", IngredientID: "ing-sugar", ReorderThreshold: decimal.NewFromInt(4)},
	}

	seed := func(locationID *string, ingredientID string, qty int64) {
		_, _, err := s.applyEntryLocked(domain.StockLedgerEntry{
			IngredientID: ingredientID,
			LocationID:   locationID,
			DeltaUnits:   decimal.NewFromInt(qty),
			Reason:       domain.ReasonRestock,
			ActorID:      "seed",
			OccurredAt:   seededAt,
		})
		if err != nil {
			log.Fatalf("[memory-store] seed stock %s: %v", ingredientID, err)
		}
	}
	seed(nil, "ing-beans", 120)
	seed(nil, "ing-milk", 90)
	seed(nil, "ing-sugar", 60)
	seed(nil, "ing-syrup", 40)
	seed(nil, "ing-cups", 5000)

	senopati := "loc-senopati"
	menteng := "loc-menteng"
	seed(&senopati, "ing-beans", 18)
	seed(&senopati, "ing-milk", 35)
	seed(&menteng, "ing-beans", 12)
	seed(&menteng, "ing-milk", 28)
	seed(&menteng, "ing-sugar", 9)

	return s
}

func (s *Store) UpsertCurrency(_ context.Context, currency domain.Currency) (*domain.Currency, error) {
	currency.Code = strings.ToUpper(strings.TrimSpace(currency.Code))
	if len(currency.Code) != 3 || currency.MinorUnitDigits < 0 || currency.MinorUnitDigits > 4 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.currencies[currency.Code]; ok {
		currency.CreatedAt = existing.CreatedAt
	} else if currency.CreatedAt.IsZero() {
		currency.CreatedAt = time.Now().UTC()
	}
	if currency.IsBase {
		for code, other := range s.currencies {
			if other.IsBase && code != currency.Code {
				other.IsBase = false
				s.currencies[code] = other
			}
		}
	}
	s.currencies[currency.Code] = currency
	saved := currency
	return &saved, nil
}

func (s *Store) GetCurrency(_ context.Context, code string) (*domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	currency, ok := s.currencies[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := currency
	return &found, nil
}

func (s *Store) ListCurrencies(_ context.Context) ([]domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	currencies := make([]domain.Currency, 0, len(s.currencies))
	for _, c := range s.currencies {
		currencies = append(currencies, c)
	}
	slices.SortFunc(currencies, func(a, b domain.Currency) int {
		return strings.Compare(a.Code, b.Code)
	})
	return currencies, nil
}

func (s *Store) SetCurrencyActive(_ context.Context, code string, active bool) (*domain.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currency, ok := s.currencies[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	if currency.IsBase && !active {
		return nil, fmt.Errorf("%w: base currency cannot be deactivated", store.ErrInvalidRequest)
	}
	currency.Active = active
	s.currencies[currency.Code] = currency
	saved := currency
	return &saved, nil
}

func (s *Store) BaseCurrency(_ context.Context) (*domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.currencies {
		if c.IsBase {
			base := c
			return &base, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) AddExchangeRate(_ context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error) {
	if !rate.Rate.IsPositive() || rate.FromCode == rate.ToCode {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.currencies[rate.FromCode]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.currencies[rate.ToCode]; !ok {
		return nil, store.ErrNotFound
	}
	if rate.ID == "" {
		rate.ID = xid.New("rate")
	}
	if rate.EffectiveAt.IsZero() {
		rate.EffectiveAt = time.Now().UTC()
	}
	s.rates = append(s.rates, rate)
	saved := rate
	return &saved, nil
}

func (s *Store) ResolveRate(_ context.Context, fromCode string, toCode string, asOf time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.ExchangeRate
	for i := range s.rates {
		r := s.rates[i]
		if !r.Active || r.FromCode != fromCode || r.ToCode != toCode || r.EffectiveAt.After(asOf) {
			continue
		}
		if best == nil || r.EffectiveAt.After(best.EffectiveAt) {
			best = &s.rates[i]
		}
	}
	if best == nil {
		return decimal.Zero, fmt.Errorf("%w: %s->%s as of %s", store.ErrRateNotFound, fromCode, toCode, asOf.Format(time.RFC3339))
	}
	return best.Rate, nil
}

func (s *Store) UpsertIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if ingredient.ID == "" || ingredient.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ingredients[ingredient.ID] = ingredient
	saved := ingredient
	return &saved, nil
}

func (s *Store) GetIngredient(_ context.Context, id string) (*domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ingredient, ok := s.ingredients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := ingredient
	return &found, nil
}

func (s *Store) ListIngredients(_ context.Context) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ingredients := make([]domain.Ingredient, 0, len(s.ingredients))
	for _, ing := range s.ingredients {
		ingredients = append(ingredients, ing)
	}
	slices.SortFunc(ingredients, func(a, b domain.Ingredient) int {
		return strings.Compare(a.ID, b.ID)
	})
	return ingredients, nil
}

func (s *Store) UpsertLocation(_ context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.ID == "central" || !domain.ValidStrategy(location.AllocationStrategy) {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.locations[location.ID] = location
	saved := location
	return &saved, nil
}

func (s *Store) GetLocation(_ context.Context, id string) (*domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	location, ok := s.locations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := location
	return &found, nil
}

func (s *Store) ListLocations(_ context.Context) ([]domain.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locations := make([]domain.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		locations = append(locations, loc)
	}
	slices.SortFunc(locations, func(a, b domain.Location) int {
		return strings.Compare(a.ID, b.ID)
	})
	return locations, nil
}

func (s *Store) GetCentralStock(_ context.Context, ingredientID string) (domain.CentralStockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.centralStock[ingredientID]
	if !ok {
		return domain.CentralStockRecord{IngredientID: ingredientID}, nil
	}
	return rec, nil
}

func (s *Store) GetLocationStock(_ context.Context, locationID string, ingredientID string) (domain.LocationStockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.locations[locationID]; !ok {
		return domain.LocationStockRecord{}, store.ErrNotFound
	}
	rec, ok := s.locationStock[locationID][ingredientID]
	if !ok {
		return domain.LocationStockRecord{LocationID: locationID, IngredientID: ingredientID}, nil
	}
	return rec, nil
}

func (s *Store) ListLocationStock(_ context.Context, locationID string) ([]domain.LocationStockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.locations[locationID]; !ok {
		return nil, store.ErrNotFound
	}
	records := make([]domain.LocationStockRecord, 0, len(s.locationStock[locationID]))
	for _, rec := range s.locationStock[locationID] {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b domain.LocationStockRecord) int {
		return strings.Compare(a.IngredientID, b.IngredientID)
	})
	return records, nil
}

func (s *Store) SetLocationStockPolicy(_ context.Context, record domain.LocationStockRecord) (*domain.LocationStockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[record.LocationID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.ingredients[record.IngredientID]; !ok {
		return nil, store.ErrNotFound
	}

	existing := s.locationStock[record.LocationID][record.IngredientID]
	if record.MaxCapacity != nil && record.MaxCapacity.LessThan(existing.CurrentUnits) {
		return nil, fmt.Errorf("%w: max capacity below current stock", store.ErrInvalidRequest)
	}
	existing.LocationID = record.LocationID
	existing.IngredientID = record.IngredientID
	existing.ReorderThreshold = record.ReorderThreshold
	existing.MaxCapacity = record.MaxCapacity

	if s.locationStock[record.LocationID] == nil {
		s.locationStock[record.LocationID] = make(map[string]domain.LocationStockRecord)
	}
	s.locationStock[record.LocationID][record.IngredientID] = existing
	saved := existing
	return &saved, nil
}

// applyEntryLocked appends a ledger entry and updates the matching counter.
// Caller must hold the write lock (or be the sole owner during seeding).
func (s *Store) applyEntryLocked(entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, bool, error) {
	if entry.IdempotencyKey != "" {
		if idx, ok := s.ledgerByIdem[entry.IdempotencyKey]; ok {
			existing := s.ledger[idx]
			return &existing, true, nil
		}
	}

	if entry.DeltaUnits.IsZero() || !domain.ValidReason(entry.Reason) {
		return nil, false, store.ErrInvalidRequest
	}
	if _, ok := s.ingredients[entry.IngredientID]; !ok {
		return nil, false, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, entry.IngredientID)
	}

	if entry.LocationID == nil {
		rec := s.centralStock[entry.IngredientID]
		rec.IngredientID = entry.IngredientID
		newTotal := rec.TotalUnits.Add(entry.DeltaUnits)
		if newTotal.IsNegative() || newTotal.LessThan(rec.AllocatedUnits) {
			return nil, false, fmt.Errorf("%w: central pool %s has %s available, delta %s",
				store.ErrInsufficientStock, entry.IngredientID, rec.AvailableUnits(), entry.DeltaUnits)
		}
		rec.TotalUnits = newTotal
		s.centralStock[entry.IngredientID] = rec
	} else {
		locationID := *entry.LocationID
		if _, ok := s.locations[locationID]; !ok {
			return nil, false, fmt.Errorf("%w: location %s", store.ErrNotFound, locationID)
		}
		if s.locationStock[locationID] == nil {
			s.locationStock[locationID] = make(map[string]domain.LocationStockRecord)
		}
		rec := s.locationStock[locationID][entry.IngredientID]
		rec.LocationID = locationID
		rec.IngredientID = entry.IngredientID
		newCurrent := rec.CurrentUnits.Add(entry.DeltaUnits)
		if newCurrent.IsNegative() {
			return nil, false, fmt.Errorf("%w: %s at %s has %s, delta %s",
				store.ErrInsufficientStock, entry.IngredientID, locationID, rec.CurrentUnits, entry.DeltaUnits)
		}
		if entry.DeltaUnits.IsPositive() && rec.MaxCapacity != nil && newCurrent.GreaterThan(*rec.MaxCapacity) {
			return nil, false, fmt.Errorf("%w: %s at %s capacity %s, would hold %s",
				store.ErrOverCapacity, entry.IngredientID, locationID, rec.MaxCapacity, newCurrent)
		}
		rec.CurrentUnits = newCurrent
		s.locationStock[locationID][entry.IngredientID] = rec
	}

	if entry.ID == "" {
		entry.ID = xid.New("sl")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	s.ledger = append(s.ledger, entry)
	if entry.IdempotencyKey != "" {
		s.ledgerByIdem[entry.IdempotencyKey] = len(s.ledger) - 1
	}
	applied := entry
	return &applied, false, nil
}

func (s *Store) ApplyLedgerEntry(_ context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyEntryLocked(entry)
}

func (s *Store) FindLedgerEntryByIdempotency(_ context.Context, key string) (*domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.ledgerByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing := s.ledger[idx]
	return &existing, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter domain.LedgerFilter) ([]domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for i := len(s.ledger) - 1; i >= 0 && len(entries) < limit; i-- {
		entry := s.ledger[i]
		if filter.IngredientID != "" && entry.IngredientID != filter.IngredientID {
			continue
		}
		if filter.CentralOnly && entry.LocationID != nil {
			continue
		}
		if filter.LocationID != nil && (entry.LocationID == nil || *entry.LocationID != *filter.LocationID) {
			continue
		}
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		if !filter.From.IsZero() && entry.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.OccurredAt.Before(filter.To) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) RebuildStockCounters(_ context.Context, ingredientID string) (domain.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ingredients[ingredientID]; !ok {
		return domain.ReconcileResult{}, store.ErrNotFound
	}

	centralSum := decimal.Zero
	locationSums := make(map[string]decimal.Decimal)
	for _, entry := range s.ledger {
		if entry.IngredientID != ingredientID {
			continue
		}
		if entry.LocationID == nil {
			centralSum = centralSum.Add(entry.DeltaUnits)
		} else {
			locationSums[*entry.LocationID] = locationSums[*entry.LocationID].Add(entry.DeltaUnits)
		}
	}

	expectedAllocated := decimal.Zero
	for _, t := range s.transfersByID {
		if t.IngredientID == ingredientID && t.State == domain.TransferApproved && t.FromLocationID == nil {
			expectedAllocated = expectedAllocated.Add(t.QuantityRequested)
		}
	}

	result := domain.ReconcileResult{IngredientID: ingredientID, CheckedAt: time.Now().UTC()}

	central := s.centralStock[ingredientID]
	central.IngredientID = ingredientID
	if !central.TotalUnits.Equal(centralSum) {
		result.Repairs = append(result.Repairs, domain.CounterRepair{Before: central.TotalUnits, After: centralSum})
		central.TotalUnits = centralSum
	}
	central.AllocatedUnits = expectedAllocated
	s.centralStock[ingredientID] = central

	// Cover both locations that have a record and locations that only
	// appear in the ledger (record lost or never materialized).
	seen := make(map[string]bool, len(locationSums))
	for locationID, sum := range locationSums {
		seen[locationID] = true
		s.repairLocationCounterLocked(locationID, ingredientID, sum, &result)
	}
	for locationID, records := range s.locationStock {
		if seen[locationID] {
			continue
		}
		if _, ok := records[ingredientID]; ok {
			s.repairLocationCounterLocked(locationID, ingredientID, decimal.Zero, &result)
		}
	}

	return result, nil
}

func (s *Store) repairLocationCounterLocked(locationID string, ingredientID string, expected decimal.Decimal, result *domain.ReconcileResult) {
	if s.locationStock[locationID] == nil {
		s.locationStock[locationID] = make(map[string]domain.LocationStockRecord)
	}
	rec := s.locationStock[locationID][ingredientID]
	rec.LocationID = locationID
	rec.IngredientID = ingredientID
	if !rec.CurrentUnits.Equal(expected) {
		locID := locationID
		result.Repairs = append(result.Repairs, domain.CounterRepair{LocationID: &locID, Before: rec.CurrentUnits, After: expected})
		rec.CurrentUnits = expected
	}
	s.locationStock[locationID][ingredientID] = rec
}

func (s *Store) CreateTransfer(_ context.Context, transfer domain.Transfer) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ingredients[transfer.IngredientID]; !ok {
		return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, transfer.IngredientID)
	}
	if _, ok := s.locations[transfer.ToLocationID]; !ok {
		return nil, fmt.Errorf("%w: location %s", store.ErrNotFound, transfer.ToLocationID)
	}
	if transfer.FromLocationID != nil {
		if _, ok := s.locations[*transfer.FromLocationID]; !ok {
			return nil, fmt.Errorf("%w: location %s", store.ErrNotFound, *transfer.FromLocationID)
		}
	}
	if !transfer.QuantityRequested.IsPositive() {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.transferByNumber[transfer.TransferNumber]; exists {
		return nil, fmt.Errorf("%w: transfer number %s already exists", store.ErrInvalidRequest, transfer.TransferNumber)
	}

	if transfer.ID == "" {
		transfer.ID = xid.New("trf")
	}
	transfer.State = domain.TransferRequested
	if transfer.RequestedAt.IsZero() {
		transfer.RequestedAt = time.Now().UTC()
	}
	s.transfersByID[transfer.ID] = transfer
	s.transferByNumber[transfer.TransferNumber] = transfer.ID
	created := transfer
	return &created, nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transfer, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := transfer
	return &found, nil
}

func (s *Store) GetTransferByNumber(_ context.Context, number string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transferByNumber[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	transfer := s.transfersByID[id]
	return &transfer, nil
}

func (s *Store) ListTransfers(_ context.Context, locationID string, state string, limit int) ([]domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	transfers := make([]domain.Transfer, 0, limit)
	for _, t := range s.transfersByID {
		if state != "" && t.State != state {
			continue
		}
		if locationID != "" {
			fromMatches := t.FromLocationID != nil && *t.FromLocationID == locationID
			if !fromMatches && t.ToLocationID != locationID {
				continue
			}
		}
		transfers = append(transfers, t)
	}
	slices.SortFunc(transfers, func(a, b domain.Transfer) int {
		if a.RequestedAt.Equal(b.RequestedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.RequestedAt.After(b.RequestedAt) {
			return -1
		}
		return 1
	})
	if len(transfers) > limit {
		transfers = transfers[:limit]
	}
	return transfers, nil
}

func (s *Store) ApproveTransfer(_ context.Context, id string, approvedBy string, at time.Time) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if transfer.State != domain.TransferRequested {
		return nil, fmt.Errorf("%w: approve from %s", store.ErrInvalidTransition, transfer.State)
	}

	// A central-sourced transfer reserves the requested quantity so the pool
	// cannot be sold out from under a promised shipment. No ledger entry:
	// stock has not moved.
	if transfer.FromLocationID == nil {
		rec := s.centralStock[transfer.IngredientID]
		if rec.AvailableUnits().LessThan(transfer.QuantityRequested) {
			return nil, fmt.Errorf("%w: central pool %s has %s available, requested %s",
				store.ErrInsufficientStock, transfer.IngredientID, rec.AvailableUnits(), transfer.QuantityRequested)
		}
		rec.IngredientID = transfer.IngredientID
		rec.AllocatedUnits = rec.AllocatedUnits.Add(transfer.QuantityRequested)
		s.centralStock[transfer.IngredientID] = rec
	}

	transfer.State = domain.TransferApproved
	transfer.ApprovedBy = approvedBy
	transfer.ApprovedAt = &at
	s.transfersByID[id] = transfer
	saved := transfer
	return &saved, nil
}

func (s *Store) CancelTransfer(_ context.Context, id string, at time.Time) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if transfer.State != domain.TransferRequested && transfer.State != domain.TransferApproved {
		return nil, fmt.Errorf("%w: cancel from %s", store.ErrInvalidTransition, transfer.State)
	}

	if transfer.State == domain.TransferApproved && transfer.FromLocationID == nil {
		rec := s.centralStock[transfer.IngredientID]
		rec.AllocatedUnits = rec.AllocatedUnits.Sub(transfer.QuantityRequested)
		if rec.AllocatedUnits.IsNegative() {
			rec.AllocatedUnits = decimal.Zero
		}
		s.centralStock[transfer.IngredientID] = rec
	}

	transfer.State = domain.TransferCancelled
	transfer.CancelledAt = &at
	s.transfersByID[id] = transfer
	saved := transfer
	return &saved, nil
}

func (s *Store) ShipTransfer(_ context.Context, id string, shippedBy string, quantitySent decimal.Decimal, at time.Time) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if transfer.State != domain.TransferApproved {
		return nil, fmt.Errorf("%w: ship from %s", store.ErrInvalidTransition, transfer.State)
	}
	if !quantitySent.IsPositive() || quantitySent.GreaterThan(transfer.QuantityRequested) {
		return nil, fmt.Errorf("%w: quantity sent must be in (0, %s]", store.ErrInvalidRequest, transfer.QuantityRequested)
	}

	// Release the approval reservation before debiting so the availability
	// check inside applyEntryLocked sees the pool this shipment may draw on.
	if transfer.FromLocationID == nil {
		rec := s.centralStock[transfer.IngredientID]
		released := rec.AllocatedUnits.Sub(transfer.QuantityRequested)
		if released.IsNegative() {
			released = decimal.Zero
		}
		rec.AllocatedUnits = released
		s.centralStock[transfer.IngredientID] = rec
	}

	_, _, err := s.applyEntryLocked(domain.StockLedgerEntry{
		IngredientID:      transfer.IngredientID,
		LocationID:        transfer.FromLocationID,
		DeltaUnits:        quantitySent.Neg(),
		Reason:            domain.ReasonTransferOut,
		RelatedTransferID: transfer.ID,
		ActorID:           shippedBy,
		IdempotencyKey:    "ship-" + transfer.ID,
		OccurredAt:        at,
	})
	if err != nil {
		// Restore the reservation; the transfer stays approved.
		if transfer.FromLocationID == nil {
			rec := s.centralStock[transfer.IngredientID]
			rec.AllocatedUnits = rec.AllocatedUnits.Add(transfer.QuantityRequested)
			s.centralStock[transfer.IngredientID] = rec
		}
		return nil, err
	}

	transfer.State = domain.TransferShipped
	transfer.ShippedBy = shippedBy
	transfer.ShippedAt = &at
	transfer.QuantitySent = &quantitySent
	s.transfersByID[id] = transfer
	saved := transfer
	return &saved, nil
}

func (s *Store) ReceiveTransfer(_ context.Context, id string, receivedBy string, quantityReceived decimal.Decimal, at time.Time) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if transfer.State != domain.TransferShipped {
		return nil, fmt.Errorf("%w: receive from %s", store.ErrInvalidTransition, transfer.State)
	}
	if !quantityReceived.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	toLocation := transfer.ToLocationID
	_, _, err := s.applyEntryLocked(domain.StockLedgerEntry{
		IngredientID:      transfer.IngredientID,
		LocationID:        &toLocation,
		DeltaUnits:        quantityReceived,
		Reason:            domain.ReasonTransferIn,
		RelatedTransferID: transfer.ID,
		ActorID:           receivedBy,
		IdempotencyKey:    "receive-" + transfer.ID,
		OccurredAt:        at,
	})
	if err != nil {
		return nil, err
	}

	transfer.State = domain.TransferReceived
	transfer.ReceivedBy = receivedBy
	transfer.ReceivedAt = &at
	transfer.QuantityReceived = &quantityReceived
	s.transfersByID[id] = transfer
	saved := transfer
	return &saved, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
