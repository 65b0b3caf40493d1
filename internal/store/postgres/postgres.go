package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
	"stokkita/backend/internal/xid"
)

// Store is the PostgreSQL Repository. Counter guards live in the SQL
// itself: conditional UPDATE ... WHERE clauses reject a write that would
// drive a counter negative or past capacity, so there is no
// check-then-act window inside a transaction.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertCurrency(ctx context.Context, currency domain.Currency) (*domain.Currency, error) {
	currency.Code = strings.ToUpper(strings.TrimSpace(currency.Code))
	if len(currency.Code) != 3 || currency.MinorUnitDigits < 0 || currency.MinorUnitDigits > 4 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if currency.IsBase {
		if _, err := tx.ExecContext(ctx, `
			UPDATE currencies SET is_base = false WHERE code <> $1 AND is_base = true
		`, currency.Code); err != nil {
			return nil, err
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO currencies (code, symbol, name, minor_unit_digits, is_base, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (code) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			minor_unit_digits = EXCLUDED.minor_unit_digits,
			is_base = EXCLUDED.is_base,
			active = EXCLUDED.active
		RETURNING created_at
	`, currency.Code, currency.Symbol, currency.Name, currency.MinorUnitDigits, currency.IsBase, currency.Active).Scan(&currency.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := currency
	return &saved, nil
}

func (s *Store) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	var currency domain.Currency
	err := s.db.QueryRowContext(ctx, `
		SELECT code, symbol, name, minor_unit_digits, is_base, active, created_at
		FROM currencies
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code))).Scan(
		&currency.Code, &currency.Symbol, &currency.Name, &currency.MinorUnitDigits,
		&currency.IsBase, &currency.Active, &currency.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &currency, nil
}

func (s *Store) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, symbol, name, minor_unit_digits, is_base, active, created_at
		FROM currencies
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	currencies := make([]domain.Currency, 0, 16)
	for rows.Next() {
		var c domain.Currency
		if err := rows.Scan(&c.Code, &c.Symbol, &c.Name, &c.MinorUnitDigits, &c.IsBase, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	return currencies, rows.Err()
}

func (s *Store) SetCurrencyActive(ctx context.Context, code string, active bool) (*domain.Currency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !active {
		var isBase bool
		err := s.db.QueryRowContext(ctx, `SELECT is_base FROM currencies WHERE code = $1`, code).Scan(&isBase)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if isBase {
			return nil, fmt.Errorf("%w: base currency cannot be deactivated", store.ErrInvalidRequest)
		}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE currencies SET active = $2 WHERE code = $1`, code, active)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCurrency(ctx, code)
}

func (s *Store) BaseCurrency(ctx context.Context) (*domain.Currency, error) {
	var currency domain.Currency
	err := s.db.QueryRowContext(ctx, `
		SELECT code, symbol, name, minor_unit_digits, is_base, active, created_at
		FROM currencies
		WHERE is_base = true
	`).Scan(&currency.Code, &currency.Symbol, &currency.Name, &currency.MinorUnitDigits,
		&currency.IsBase, &currency.Active, &currency.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &currency, nil
}

func (s *Store) AddExchangeRate(ctx context.Context, rate domain.ExchangeRate) (*domain.ExchangeRate, error) {
	if !rate.Rate.IsPositive() || rate.FromCode == rate.ToCode {
		return nil, store.ErrInvalidRequest
	}
	if rate.ID == "" {
		rate.ID = xid.New("rate")
	}
	if rate.EffectiveAt.IsZero() {
		rate.EffectiveAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_rates (id, from_code, to_code, rate, effective_at, active)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rate.ID, rate.FromCode, rate.ToCode, rate.Rate, rate.EffectiveAt, rate.Active)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	saved := rate
	return &saved, nil
}

func (s *Store) ResolveRate(ctx context.Context, fromCode string, toCode string, asOf time.Time) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT rate
		FROM exchange_rates
		WHERE from_code = $1 AND to_code = $2 AND active = true AND effective_at <= $3
		ORDER BY effective_at DESC
		LIMIT 1
	`, fromCode, toCode, asOf).Scan(&rate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %s->%s as of %s", store.ErrRateNotFound, fromCode, toCode, asOf.Format(time.RFC3339))
		}
		return decimal.Zero, err
	}
	return rate, nil
}

func (s *Store) UpsertIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if ingredient.ID == "" || ingredient.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingredients (id, name, unit, reorder_level)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			reorder_level = EXCLUDED.reorder_level
	`, ingredient.ID, ingredient.Name, ingredient.Unit, ingredient.ReorderLevel)
	if err != nil {
		return nil, err
	}
	saved := ingredient
	return &saved, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error) {
	var ingredient domain.Ingredient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, reorder_level FROM ingredients WHERE id = $1
	`, id).Scan(&ingredient.ID, &ingredient.Name, &ingredient.Unit, &ingredient.ReorderLevel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ingredient, nil
}

func (s *Store) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, reorder_level FROM ingredients ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ingredients := make([]domain.Ingredient, 0, 32)
	for rows.Next() {
		var ing domain.Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.ReorderLevel); err != nil {
			return nil, err
		}
		ingredients = append(ingredients, ing)
	}
	return ingredients, rows.Err()
}

func (s *Store) UpsertLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	if location.ID == "" || location.ID == "central" || !domain.ValidStrategy(location.AllocationStrategy) {
		return nil, store.ErrInvalidRequest
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, allocation_strategy, is_active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			allocation_strategy = EXCLUDED.allocation_strategy,
			is_active = EXCLUDED.is_active
	`, location.ID, location.Name, location.AllocationStrategy, location.IsActive)
	if err != nil {
		return nil, err
	}
	saved := location
	return &saved, nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (*domain.Location, error) {
	var location domain.Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, allocation_strategy, is_active FROM locations WHERE id = $1
	`, id).Scan(&location.ID, &location.Name, &location.AllocationStrategy, &location.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &location, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]domain.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, allocation_strategy, is_active FROM locations ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]domain.Location, 0, 16)
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.AllocationStrategy, &loc.IsActive); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (s *Store) GetCentralStock(ctx context.Context, ingredientID string) (domain.CentralStockRecord, error) {
	rec := domain.CentralStockRecord{IngredientID: ingredientID}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_units, allocated_units FROM central_stock WHERE ingredient_id = $1
	`, ingredientID).Scan(&rec.TotalUnits, &rec.AllocatedUnits)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.CentralStockRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetLocationStock(ctx context.Context, locationID string, ingredientID string) (domain.LocationStockRecord, error) {
	if _, err := s.GetLocation(ctx, locationID); err != nil {
		return domain.LocationStockRecord{}, err
	}

	rec := domain.LocationStockRecord{LocationID: locationID, IngredientID: ingredientID}
	var maxCapacity decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, `
		SELECT current_units, reorder_threshold, max_capacity
		FROM location_stock
		WHERE location_id = $1 AND ingredient_id = $2
	`, locationID, ingredientID).Scan(&rec.CurrentUnits, &rec.ReorderThreshold, &maxCapacity)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.LocationStockRecord{}, err
	}
	if maxCapacity.Valid {
		rec.MaxCapacity = &maxCapacity.Decimal
	}
	return rec, nil
}

func (s *Store) ListLocationStock(ctx context.Context, locationID string) ([]domain.LocationStockRecord, error) {
	if _, err := s.GetLocation(ctx, locationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ingredient_id, current_units, reorder_threshold, max_capacity
		FROM location_stock
		WHERE location_id = $1
		ORDER BY ingredient_id
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.LocationStockRecord, 0, 32)
	for rows.Next() {
		rec := domain.LocationStockRecord{LocationID: locationID}
		var maxCapacity decimal.NullDecimal
		if err := rows.Scan(&rec.IngredientID, &rec.CurrentUnits, &rec.ReorderThreshold, &maxCapacity); err != nil {
			return nil, err
		}
		if maxCapacity.Valid {
			rec.MaxCapacity = &maxCapacity.Decimal
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) SetLocationStockPolicy(ctx context.Context, record domain.LocationStockRecord) (*domain.LocationStockRecord, error) {
	if _, err := s.GetLocation(ctx, record.LocationID); err != nil {
		return nil, err
	}
	if _, err := s.GetIngredient(ctx, record.IngredientID); err != nil {
		return nil, err
	}

	var maxCapacity decimal.NullDecimal
	if record.MaxCapacity != nil {
		maxCapacity = decimal.NullDecimal{Decimal: *record.MaxCapacity, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO location_stock (location_id, ingredient_id, current_units, reorder_threshold, max_capacity)
		VALUES ($1,$2,0,$3,$4)
		ON CONFLICT (location_id, ingredient_id) DO UPDATE SET
			reorder_threshold = EXCLUDED.reorder_threshold,
			max_capacity = EXCLUDED.max_capacity
		WHERE EXCLUDED.max_capacity IS NULL OR location_stock.current_units <= EXCLUDED.max_capacity
	`, record.LocationID, record.IngredientID, record.ReorderThreshold, maxCapacity)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: max capacity below current stock", store.ErrInvalidRequest)
	}

	saved, err := s.GetLocationStock(ctx, record.LocationID, record.IngredientID)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// applyLedgerEntryTx writes one ledger row and moves the matching counter
// inside the caller's transaction. The counter guard is the WHERE clause;
// zero rows affected means the write was rejected.
func (s *Store) applyLedgerEntryTx(ctx context.Context, tx *sql.Tx, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, bool, error) {
	if entry.IdempotencyKey != "" {
		existing, err := findLedgerEntryTx(ctx, tx, entry.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	if entry.DeltaUnits.IsZero() || !domain.ValidReason(entry.Reason) {
		return nil, false, store.ErrInvalidRequest
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ingredients WHERE id = $1)`, entry.IngredientID).Scan(&exists); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, entry.IngredientID)
	}

	if entry.LocationID == nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO central_stock (ingredient_id, total_units, allocated_units)
			VALUES ($1, 0, 0)
			ON CONFLICT (ingredient_id) DO NOTHING
		`, entry.IngredientID); err != nil {
			return nil, false, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE central_stock
			SET total_units = total_units + $2
			WHERE ingredient_id = $1
				AND total_units + $2 >= 0
				AND total_units + $2 >= allocated_units
		`, entry.IngredientID, entry.DeltaUnits)
		if err != nil {
			return nil, false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, false, fmt.Errorf("%w: central pool %s, delta %s", store.ErrInsufficientStock, entry.IngredientID, entry.DeltaUnits)
		}
	} else {
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1)`, *entry.LocationID).Scan(&exists); err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, fmt.Errorf("%w: location %s", store.ErrNotFound, *entry.LocationID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO location_stock (location_id, ingredient_id, current_units, reorder_threshold)
			VALUES ($1, $2, 0, 0)
			ON CONFLICT (location_id, ingredient_id) DO NOTHING
		`, *entry.LocationID, entry.IngredientID); err != nil {
			return nil, false, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE location_stock
			SET current_units = current_units + $3
			WHERE location_id = $1 AND ingredient_id = $2
				AND current_units + $3 >= 0
				AND (max_capacity IS NULL OR $3 <= 0 OR current_units + $3 <= max_capacity)
		`, *entry.LocationID, entry.IngredientID, entry.DeltaUnits)
		if err != nil {
			return nil, false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if entry.DeltaUnits.IsPositive() {
				return nil, false, fmt.Errorf("%w: %s at %s", store.ErrOverCapacity, entry.IngredientID, *entry.LocationID)
			}
			return nil, false, fmt.Errorf("%w: %s at %s, delta %s", store.ErrInsufficientStock, entry.IngredientID, *entry.LocationID, entry.DeltaUnits)
		}
	}

	if entry.ID == "" {
		entry.ID = xid.New("sl")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger
			(id, ingredient_id, location_id, delta_units, reason, related_order_id,
			 related_transfer_id, actor_id, note, idempotency_key, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.IngredientID, entry.LocationID, entry.DeltaUnits, entry.Reason,
		nullIfEmpty(entry.RelatedOrderID), nullIfEmpty(entry.RelatedTransferID),
		nullIfEmpty(entry.ActorID), nullIfEmpty(entry.Note),
		nullIfEmpty(entry.IdempotencyKey), entry.OccurredAt)
	if err != nil {
		return nil, false, err
	}

	applied := entry
	return &applied, false, nil
}

func (s *Store) ApplyLedgerEntry(ctx context.Context, entry domain.StockLedgerEntry) (*domain.StockLedgerEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	applied, duplicate, err := s.applyLedgerEntryTx(ctx, tx, entry)
	if err != nil {
		// A concurrent writer may have raced us to the idempotency key.
		if isUniqueViolation(err) && entry.IdempotencyKey != "" {
			_ = tx.Rollback()
			existing, findErr := s.FindLedgerEntryByIdempotency(ctx, entry.IdempotencyKey)
			if findErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return applied, duplicate, nil
}

func findLedgerEntryTx(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key string) (*domain.StockLedgerEntry, error) {
	var entry domain.StockLedgerEntry
	var locationID sql.NullString
	var relatedOrderID, relatedTransferID, actorID, note, idemKey sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, ingredient_id, location_id, delta_units, reason, related_order_id,
			related_transfer_id, actor_id, note, idempotency_key, occurred_at
		FROM stock_ledger
		WHERE idempotency_key = $1
	`, key).Scan(&entry.ID, &entry.IngredientID, &locationID, &entry.DeltaUnits, &entry.Reason,
		&relatedOrderID, &relatedTransferID, &actorID, &note, &idemKey, &entry.OccurredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if locationID.Valid {
		entry.LocationID = &locationID.String
	}
	entry.RelatedOrderID = relatedOrderID.String
	entry.RelatedTransferID = relatedTransferID.String
	entry.ActorID = actorID.String
	entry.Note = note.String
	entry.IdempotencyKey = idemKey.String
	return &entry, nil
}

func (s *Store) FindLedgerEntryByIdempotency(ctx context.Context, key string) (*domain.StockLedgerEntry, error) {
	return findLedgerEntryTx(ctx, s.db, key)
}

func (s *Store) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.StockLedgerEntry, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IngredientID != "" {
		conditions = append(conditions, "ingredient_id = "+arg(filter.IngredientID))
	}
	if filter.CentralOnly {
		conditions = append(conditions, "location_id IS NULL")
	} else if filter.LocationID != nil {
		conditions = append(conditions, "location_id = "+arg(*filter.LocationID))
	}
	if filter.Reason != "" {
		conditions = append(conditions, "reason = "+arg(filter.Reason))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "occurred_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "occurred_at < "+arg(filter.To))
	}

	query := `
		SELECT id, ingredient_id, location_id, delta_units, reason, related_order_id,
			related_transfer_id, actor_id, note, idempotency_key, occurred_at
		FROM stock_ledger`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.StockLedgerEntry
		var locationID sql.NullString
		var relatedOrderID, relatedTransferID, actorID, note, idemKey sql.NullString
		if err := rows.Scan(&entry.ID, &entry.IngredientID, &locationID, &entry.DeltaUnits, &entry.Reason,
			&relatedOrderID, &relatedTransferID, &actorID, &note, &idemKey, &entry.OccurredAt); err != nil {
			return nil, err
		}
		if locationID.Valid {
			entry.LocationID = &locationID.String
		}
		entry.RelatedOrderID = relatedOrderID.String
		entry.RelatedTransferID = relatedTransferID.String
		entry.ActorID = actorID.String
		entry.Note = note.String
		entry.IdempotencyKey = idemKey.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) RebuildStockCounters(ctx context.Context, ingredientID string) (domain.ReconcileResult, error) {
	if _, err := s.GetIngredient(ctx, ingredientID); err != nil {
		return domain.ReconcileResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	defer tx.Rollback()

	result := domain.ReconcileResult{IngredientID: ingredientID, CheckedAt: time.Now().UTC()}

	var centralSum decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_units), 0)
		FROM stock_ledger
		WHERE ingredient_id = $1 AND location_id IS NULL
	`, ingredientID).Scan(&centralSum); err != nil {
		return domain.ReconcileResult{}, err
	}

	var expectedAllocated decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_requested), 0)
		FROM transfers
		WHERE ingredient_id = $1 AND state = $2 AND from_location_id IS NULL
	`, ingredientID, domain.TransferApproved).Scan(&expectedAllocated); err != nil {
		return domain.ReconcileResult{}, err
	}

	var centralBefore decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT total_units FROM central_stock WHERE ingredient_id = $1 FOR UPDATE
	`, ingredientID).Scan(&centralBefore)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.ReconcileResult{}, err
	}
	if !centralBefore.Equal(centralSum) {
		result.Repairs = append(result.Repairs, domain.CounterRepair{Before: centralBefore, After: centralSum})
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO central_stock (ingredient_id, total_units, allocated_units)
		VALUES ($1, $2, $3)
		ON CONFLICT (ingredient_id) DO UPDATE SET
			total_units = EXCLUDED.total_units,
			allocated_units = EXCLUDED.allocated_units
	`, ingredientID, centralSum, expectedAllocated); err != nil {
		return domain.ReconcileResult{}, err
	}

	// Every location that appears in the ledger or already has a record.
	rows, err := tx.QueryContext(ctx, `
		SELECT holder.location_id,
			COALESCE(counter.current_units, 0),
			COALESCE(ledger.total, 0)
		FROM (
			SELECT location_id FROM stock_ledger WHERE ingredient_id = $1 AND location_id IS NOT NULL
			UNION
			SELECT location_id FROM location_stock WHERE ingredient_id = $1
		) holder
		LEFT JOIN location_stock counter
			ON counter.location_id = holder.location_id AND counter.ingredient_id = $1
		LEFT JOIN (
			SELECT location_id, SUM(delta_units) AS total
			FROM stock_ledger
			WHERE ingredient_id = $1 AND location_id IS NOT NULL
			GROUP BY location_id
		) ledger ON ledger.location_id = holder.location_id
	`, ingredientID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	type locationFix struct {
		locationID string
		expected   decimal.Decimal
	}
	var fixes []locationFix
	for rows.Next() {
		var locationID string
		var before, expected decimal.Decimal
		if err := rows.Scan(&locationID, &before, &expected); err != nil {
			rows.Close()
			return domain.ReconcileResult{}, err
		}
		if !before.Equal(expected) {
			locID := locationID
			result.Repairs = append(result.Repairs, domain.CounterRepair{LocationID: &locID, Before: before, After: expected})
			fixes = append(fixes, locationFix{locationID: locationID, expected: expected})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return domain.ReconcileResult{}, err
	}
	rows.Close()

	for _, fix := range fixes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO location_stock (location_id, ingredient_id, current_units, reorder_threshold)
			VALUES ($1, $2, $3, 0)
			ON CONFLICT (location_id, ingredient_id) DO UPDATE SET
				current_units = EXCLUDED.current_units
		`, fix.locationID, ingredientID, fix.expected); err != nil {
			return domain.ReconcileResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ReconcileResult{}, err
	}
	return result, nil
}

func (s *Store) CreateTransfer(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, error) {
	if !transfer.QuantityRequested.IsPositive() {
		return nil, store.ErrInvalidRequest
	}
	if transfer.ID == "" {
		transfer.ID = xid.New("trf")
	}
	transfer.State = domain.TransferRequested
	if transfer.RequestedAt.IsZero() {
		transfer.RequestedAt = time.Now().UTC()
	}

	var costMinor any
	var costCurrency any
	if transfer.UnitCost != nil {
		costMinor = transfer.UnitCost.MinorUnits
		costCurrency = transfer.UnitCost.Currency
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers
			(id, transfer_number, from_location_id, to_location_id, ingredient_id,
			 quantity_requested, unit_cost_minor, unit_cost_currency, state, requested_by, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, transfer.ID, transfer.TransferNumber, transfer.FromLocationID, transfer.ToLocationID,
		transfer.IngredientID, transfer.QuantityRequested, costMinor, costCurrency,
		transfer.State, transfer.RequestedBy, transfer.RequestedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: transfer number %s already exists", store.ErrInvalidRequest, transfer.TransferNumber)
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	created := transfer
	return &created, nil
}

const transferColumns = `
	id, transfer_number, from_location_id, to_location_id, ingredient_id,
	quantity_requested, quantity_sent, quantity_received, unit_cost_minor, unit_cost_currency,
	state, requested_by, approved_by, shipped_by, received_by,
	requested_at, approved_at, shipped_at, received_at, cancelled_at`

func scanTransfer(scan func(dest ...any) error) (*domain.Transfer, error) {
	var t domain.Transfer
	var fromLocationID sql.NullString
	var sent, received decimal.NullDecimal
	var costMinor sql.NullInt64
	var costCurrency sql.NullString
	var approvedBy, shippedBy, receivedBy sql.NullString
	var approvedAt, shippedAt, receivedAt, cancelledAt sql.NullTime

	err := scan(&t.ID, &t.TransferNumber, &fromLocationID, &t.ToLocationID, &t.IngredientID,
		&t.QuantityRequested, &sent, &received, &costMinor, &costCurrency,
		&t.State, &t.RequestedBy, &approvedBy, &shippedBy, &receivedBy,
		&t.RequestedAt, &approvedAt, &shippedAt, &receivedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	if fromLocationID.Valid {
		t.FromLocationID = &fromLocationID.String
	}
	if sent.Valid {
		t.QuantitySent = &sent.Decimal
	}
	if received.Valid {
		t.QuantityReceived = &received.Decimal
	}
	if costMinor.Valid && costCurrency.Valid {
		cost := domain.NewMoney(costMinor.Int64, costCurrency.String)
		t.UnitCost = &cost
	}
	t.ApprovedBy = approvedBy.String
	t.ShippedBy = shippedBy.String
	t.ReceivedBy = receivedBy.String
	if approvedAt.Valid {
		t.ApprovedAt = &approvedAt.Time
	}
	if shippedAt.Valid {
		t.ShippedAt = &shippedAt.Time
	}
	if receivedAt.Valid {
		t.ReceivedAt = &receivedAt.Time
	}
	if cancelledAt.Valid {
		t.CancelledAt = &cancelledAt.Time
	}
	return &t, nil
}

func (s *Store) getTransferTx(ctx context.Context, tx *sql.Tx, id string, forUpdate bool) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	transfer, err := scanTransfer(tx.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return transfer, err
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := scanTransfer(s.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers WHERE id = $1
	`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return transfer, err
}

func (s *Store) GetTransferByNumber(ctx context.Context, number string) (*domain.Transfer, error) {
	transfer, err := scanTransfer(s.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers WHERE transfer_number = $1
	`, number).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return transfer, err
}

func (s *Store) ListTransfers(ctx context.Context, locationID string, state string, limit int) ([]domain.Transfer, error) {
	if limit < 1 {
		limit = 100
	}

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if state != "" {
		conditions = append(conditions, "state = "+arg(state))
	}
	if locationID != "" {
		p := arg(locationID)
		conditions = append(conditions, "(from_location_id = "+p+" OR to_location_id = "+p+")")
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY requested_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0, limit)
	for rows.Next() {
		transfer, err := scanTransfer(rows.Scan)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

func (s *Store) ApproveTransfer(ctx context.Context, id string, approvedBy string, at time.Time) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	transfer, err := s.getTransferTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if transfer.State != domain.TransferRequested {
		return nil, fmt.Errorf("%w: approve from %s", store.ErrInvalidTransition, transfer.State)
	}

	if transfer.FromLocationID == nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO central_stock (ingredient_id, total_units, allocated_units)
			VALUES ($1, 0, 0)
			ON CONFLICT (ingredient_id) DO NOTHING
		`, transfer.IngredientID); err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE central_stock
			SET allocated_units = allocated_units + $2
			WHERE ingredient_id = $1 AND total_units - allocated_units >= $2
		`, transfer.IngredientID, transfer.QuantityRequested)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: central pool %s cannot cover %s",
				store.ErrInsufficientStock, transfer.IngredientID, transfer.QuantityRequested)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = $2, approved_by = $3, approved_at = $4 WHERE id = $1
	`, id, domain.TransferApproved, approvedBy, at); err != nil {
		return nil, err
	}

	transfer, err = s.getTransferTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *Store) CancelTransfer(ctx context.Context, id string, at time.Time) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	transfer, err := s.getTransferTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if transfer.State != domain.TransferRequested && transfer.State != domain.TransferApproved {
		return nil, fmt.Errorf("%w: cancel from %s", store.ErrInvalidTransition, transfer.State)
	}

	if transfer.State == domain.TransferApproved && transfer.FromLocationID == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE central_stock
			SET allocated_units = GREATEST(allocated_units - $2, 0)
			WHERE ingredient_id = $1
		`, transfer.IngredientID, transfer.QuantityRequested); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = $2, cancelled_at = $3 WHERE id = $1
	`, id, domain.TransferCancelled, at); err != nil {
		return nil, err
	}

	transfer, err = s.getTransferTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *Store) ShipTransfer(ctx context.Context, id string, shippedBy string, quantitySent decimal.Decimal, at time.Time) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	transfer, err := s.getTransferTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if transfer.State != domain.TransferApproved {
		return nil, fmt.Errorf("%w: ship from %s", store.ErrInvalidTransition, transfer.State)
	}
	if !quantitySent.IsPositive() || quantitySent.GreaterThan(transfer.QuantityRequested) {
		return nil, fmt.Errorf("%w: quantity sent must be in (0, %s]", store.ErrInvalidRequest, transfer.QuantityRequested)
	}

	// Release the approval reservation first so the debit's availability
	// guard sees the quantity this shipment may draw on.
	if transfer.FromLocationID == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE central_stock
			SET allocated_units = GREATEST(allocated_units - $2, 0)
			WHERE ingredient_id = $1
		`, transfer.IngredientID, transfer.QuantityRequested); err != nil {
			return nil, err
		}
	}

	if _, _, err := s.applyLedgerEntryTx(ctx, tx, domain.StockLedgerEntry{
		IngredientID:      transfer.IngredientID,
		LocationID:        transfer.FromLocationID,
		DeltaUnits:        quantitySent.Neg(),
		Reason:            domain.ReasonTransferOut,
		RelatedTransferID: transfer.ID,
		ActorID:           shippedBy,
		IdempotencyKey:    "ship-" + transfer.ID,
		OccurredAt:        at,
	}); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = $2, shipped_by = $3, shipped_at = $4, quantity_sent = $5 WHERE id = $1
	`, id, domain.TransferShipped, shippedBy, at, quantitySent); err != nil {
		return nil, err
	}

	transfer, err = s.getTransferTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *Store) ReceiveTransfer(ctx context.Context, id string, receivedBy string, quantityReceived decimal.Decimal, at time.Time) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	transfer, err := s.getTransferTx(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if transfer.State != domain.TransferShipped {
		return nil, fmt.Errorf("%w: receive from %s", store.ErrInvalidTransition, transfer.State)
	}
	if !quantityReceived.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	toLocation := transfer.ToLocationID
	if _, _, err := s.applyLedgerEntryTx(ctx, tx, domain.StockLedgerEntry{
		IngredientID:      transfer.IngredientID,
		LocationID:        &toLocation,
		DeltaUnits:        quantityReceived,
		Reason:            domain.ReasonTransferIn,
		RelatedTransferID: transfer.ID,
		ActorID:           receivedBy,
		IdempotencyKey:    "receive-" + transfer.ID,
		OccurredAt:        at,
	}); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transfers SET state = $2, received_by = $3, received_at = $4, quantity_received = $5 WHERE id = $1
	`, id, domain.TransferReceived, receivedBy, at, quantityReceived); err != nil {
		return nil, err
	}

	transfer, err = s.getTransferTx(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
