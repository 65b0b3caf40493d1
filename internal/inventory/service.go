package inventory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stokkita/backend/internal/cache"
	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/store"
)

type contextKey string

const actorContextKey contextKey = "actor"

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}

// Service is the single entry point for stock reads and writes. It owns the
// per-key lock table: one key per ingredient-and-holder pair, so deductions
// for the same pair serialize while unrelated pairs proceed concurrently.
// The repository makes each individual write atomic; the locks are what
// make check-then-write sequences (plan a deduction, then apply it) safe.
type Service struct {
	repo     store.Repository
	cache    cache.StockCache
	cacheTTL time.Duration
	locks    *lockTable
}

func New(repo store.Repository, stockCache cache.StockCache, cacheTTL time.Duration) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	return &Service{
		repo:     repo,
		cache:    stockCache,
		cacheTTL: cacheTTL,
		locks:    newLockTable(),
	}
}

// stockKey identifies one ingredient-and-holder pair in the lock table.
// The central pool uses the reserved holder name "central"; UpsertLocation
// rejects that id so a location can never share the pool's keys.
func stockKey(ingredientID string, holder *string) string {
	if holder == nil {
		return ingredientID + "|central"
	}
	return ingredientID + "|" + *holder
}

func cacheKey(locationID string, ingredientID string) string {
	return "pos:stock:" + ingredientID + ":" + locationID
}

func (s *Service) activeLocation(ctx context.Context, locationID string) (*domain.Location, Strategy, error) {
	location, err := s.repo.GetLocation(ctx, locationID)
	if err != nil {
		return nil, nil, fmt.Errorf("location %s: %w", locationID, err)
	}
	if !location.IsActive {
		return nil, nil, fmt.Errorf("%w: location %s is inactive", store.ErrInvalidRequest, locationID)
	}
	strategy, err := StrategyFor(*location)
	if err != nil {
		return nil, nil, err
	}
	return location, strategy, nil
}

// AvailableStock answers "can this branch sell N units right now" through
// the branch's allocation strategy, with a short-TTL cached snapshot in
// front of the counters. The answer is advisory: only a deduction under
// the stock lock is authoritative.
func (s *Service) AvailableStock(ctx context.Context, locationID string, ingredientID string) (domain.StockLevelResponse, error) {
	_, strategy, err := s.activeLocation(ctx, locationID)
	if err != nil {
		return domain.StockLevelResponse{}, err
	}
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return domain.StockLevelResponse{}, fmt.Errorf("ingredient %s: %w", ingredientID, err)
	}

	resp := domain.StockLevelResponse{
		LocationID:   locationID,
		IngredientID: ingredientID,
		Strategy:     strategy.Name(),
	}

	key := cacheKey(locationID, ingredientID)
	if snap, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		resp.AvailableUnits = snap.AvailableUnits
		return resp, nil
	}

	available, err := strategy.Available(ctx, s.repo, locationID, ingredientID)
	if err != nil {
		return domain.StockLevelResponse{}, err
	}
	resp.AvailableUnits = available

	if err := s.cache.Set(ctx, key, &domain.StockSnapshot{
		AvailableUnits: available,
		CachedAt:       time.Now().UTC(),
	}, s.cacheTTL); err != nil {
		log.Printf("[inventory] stock cache set %s: %v", key, err)
	}
	return resp, nil
}

type plannedEntry struct {
	holder *string
	qty    decimal.Decimal
}

// planDeduction decides how much of a requirement each holder contributes,
// draining holders in the strategy's consumption order. Must run while the
// holders' stock locks are held, or the plan can go stale before apply.
func (s *Service) planDeduction(ctx context.Context, holders []*string, ingredientID string, qty decimal.Decimal) ([]plannedEntry, error) {
	remaining := qty
	plan := make([]plannedEntry, 0, len(holders))
	for _, holder := range holders {
		if !remaining.IsPositive() {
			break
		}
		available, err := holderAvailable(ctx, s.repo, holder, ingredientID)
		if err != nil {
			return nil, err
		}
		take := decimal.Min(remaining, available)
		if take.IsPositive() {
			plan = append(plan, plannedEntry{holder: holder, qty: take})
			remaining = remaining.Sub(take)
		}
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: %s short by %s", store.ErrInsufficientStock, ingredientID, remaining)
	}
	return plan, nil
}

// replayEntries returns the ledger entries previously written for an
// idempotency key, probing the per-entry derived keys until the first miss.
func (s *Service) replayEntries(ctx context.Context, key string) ([]domain.StockLedgerEntry, bool) {
	var entries []domain.StockLedgerEntry
	for i := 0; ; i++ {
		entry, err := s.repo.FindLedgerEntryByIdempotency(ctx, fmt.Sprintf("%s:%d", key, i))
		if err != nil {
			break
		}
		entries = append(entries, *entry)
	}
	return entries, len(entries) > 0
}

// Deduct consumes stock for one ingredient at a branch, routed through the
// branch's allocation strategy. The operation is all or nothing: a
// shortfall leaves no entries behind. Transfer reasons are not accepted
// here; transfer ledger entries only ever come out of the workflow.
func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResponse, error) {
	if !req.Quantity.IsPositive() {
		return domain.DeductResponse{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonSale
	}
	switch reason {
	case domain.ReasonSale, domain.ReasonWaste, domain.ReasonAdjustment:
	default:
		return domain.DeductResponse{}, fmt.Errorf("%w: reason %q not allowed for deduction", store.ErrInvalidRequest, reason)
	}

	if req.IdempotencyKey != "" {
		if entries, ok := s.replayEntries(ctx, req.IdempotencyKey); ok {
			return domain.DeductResponse{Entries: entries, Duplicate: true}, nil
		}
	}

	_, strategy, err := s.activeLocation(ctx, req.LocationID)
	if err != nil {
		return domain.DeductResponse{}, err
	}
	if _, err := s.repo.GetIngredient(ctx, req.IngredientID); err != nil {
		return domain.DeductResponse{}, fmt.Errorf("ingredient %s: %w", req.IngredientID, err)
	}

	holders := strategy.Holders(req.LocationID)
	release, err := s.lockHolders(ctx, map[string][]*string{req.IngredientID: holders})
	if err != nil {
		return domain.DeductResponse{}, err
	}
	defer release()

	plan, err := s.planDeduction(ctx, holders, req.IngredientID, req.Quantity)
	if err != nil {
		return domain.DeductResponse{}, err
	}

	actor, _ := ActorFromContext(ctx)
	now := time.Now().UTC()
	resp := domain.DeductResponse{}
	for i, p := range plan {
		entry := domain.StockLedgerEntry{
			IngredientID:   req.IngredientID,
			LocationID:     p.holder,
			DeltaUnits:     p.qty.Neg(),
			Reason:         reason,
			RelatedOrderID: req.RelatedOrderID,
			ActorID:        actor.Username,
			OccurredAt:     now,
		}
		if req.IdempotencyKey != "" {
			entry.IdempotencyKey = fmt.Sprintf("%s:%d", req.IdempotencyKey, i)
		}
		applied, duplicate, err := s.repo.ApplyLedgerEntry(ctx, entry)
		if err != nil {
			return domain.DeductResponse{}, err
		}
		resp.Entries = append(resp.Entries, *applied)
		resp.Duplicate = resp.Duplicate || duplicate
	}

	s.invalidateStock(ctx, req.IngredientID)
	log.Printf("[inventory] deduct %s x%s at %s by %s (%d entries)",
		req.IngredientID, req.Quantity, req.LocationID, actor.Username, len(resp.Entries))
	return resp, nil
}

// DeductRecipe consumes every ingredient of one prepared item in a single
// all-or-nothing operation. All involved stock locks are taken up front in
// ascending key order, every line is planned under the locks, and only
// then does anything get written, so a shortfall in the last ingredient
// leaves the first untouched.
func (s *Service) DeductRecipe(ctx context.Context, req domain.DeductRecipeRequest) (domain.DeductResponse, error) {
	if len(req.Lines) == 0 {
		return domain.DeductResponse{}, fmt.Errorf("%w: recipe has no lines", store.ErrInvalidRequest)
	}

	// Merge duplicate ingredient lines so the plan sees one requirement
	// per ingredient.
	required := make(map[string]decimal.Decimal, len(req.Lines))
	for _, line := range req.Lines {
		if !line.Quantity.IsPositive() {
			return domain.DeductResponse{}, fmt.Errorf("%w: quantity must be positive for %s", store.ErrInvalidRequest, line.IngredientID)
		}
		required[line.IngredientID] = required[line.IngredientID].Add(line.Quantity)
	}

	if req.IdempotencyKey != "" {
		if entries, ok := s.replayEntries(ctx, req.IdempotencyKey); ok {
			return domain.DeductResponse{Entries: entries, Duplicate: true}, nil
		}
	}

	_, strategy, err := s.activeLocation(ctx, req.LocationID)
	if err != nil {
		return domain.DeductResponse{}, err
	}

	ingredientIDs := make([]string, 0, len(required))
	for ingredientID := range required {
		if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
			return domain.DeductResponse{}, fmt.Errorf("ingredient %s: %w", ingredientID, err)
		}
		ingredientIDs = append(ingredientIDs, ingredientID)
	}
	slices.Sort(ingredientIDs)

	holders := strategy.Holders(req.LocationID)
	holdersByIngredient := make(map[string][]*string, len(ingredientIDs))
	for _, ingredientID := range ingredientIDs {
		holdersByIngredient[ingredientID] = holders
	}
	release, err := s.lockHolders(ctx, holdersByIngredient)
	if err != nil {
		return domain.DeductResponse{}, err
	}
	defer release()

	type linePlan struct {
		ingredientID string
		entries      []plannedEntry
	}
	plans := make([]linePlan, 0, len(ingredientIDs))
	for _, ingredientID := range ingredientIDs {
		plan, err := s.planDeduction(ctx, holders, ingredientID, required[ingredientID])
		if err != nil {
			return domain.DeductResponse{}, err
		}
		plans = append(plans, linePlan{ingredientID: ingredientID, entries: plan})
	}

	actor, _ := ActorFromContext(ctx)
	now := time.Now().UTC()
	resp := domain.DeductResponse{}
	i := 0
	for _, lp := range plans {
		for _, p := range lp.entries {
			entry := domain.StockLedgerEntry{
				IngredientID:   lp.ingredientID,
				LocationID:     p.holder,
				DeltaUnits:     p.qty.Neg(),
				Reason:         domain.ReasonSale,
				RelatedOrderID: req.RelatedOrderID,
				ActorID:        actor.Username,
				OccurredAt:     now,
			}
			if req.IdempotencyKey != "" {
				entry.IdempotencyKey = fmt.Sprintf("%s:%d", req.IdempotencyKey, i)
			}
			applied, duplicate, err := s.repo.ApplyLedgerEntry(ctx, entry)
			if err != nil {
				return domain.DeductResponse{}, err
			}
			resp.Entries = append(resp.Entries, *applied)
			resp.Duplicate = resp.Duplicate || duplicate
			i++
		}
	}

	for _, ingredientID := range ingredientIDs {
		s.invalidateStock(ctx, ingredientID)
	}
	log.Printf("[inventory] recipe deduct at %s by %s: %d ingredients, %d entries",
		req.LocationID, actor.Username, len(ingredientIDs), len(resp.Entries))
	return resp, nil
}

// lockHolders acquires the stock locks for every (ingredient, holder) pair,
// deduplicated and sorted so concurrent multi-key holds never deadlock.
func (s *Service) lockHolders(ctx context.Context, holdersByIngredient map[string][]*string) (func(), error) {
	keys := make([]string, 0, len(holdersByIngredient)*2)
	for ingredientID, holders := range holdersByIngredient {
		for _, holder := range holders {
			keys = append(keys, stockKey(ingredientID, holder))
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return s.locks.acquireAll(ctx, keys)
}

// Restock credits a holder. LocationID nil targets the central pool.
func (s *Service) Restock(ctx context.Context, req domain.StockMutationRequest) (*domain.StockLedgerEntry, bool, error) {
	if !req.Quantity.IsPositive() {
		return nil, false, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	return s.mutate(ctx, domain.ReasonRestock, req, req.Quantity)
}

// RecordWaste debits spoiled or damaged stock from a holder.
func (s *Service) RecordWaste(ctx context.Context, req domain.StockMutationRequest) (*domain.StockLedgerEntry, bool, error) {
	if !req.Quantity.IsPositive() {
		return nil, false, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	return s.mutate(ctx, domain.ReasonWaste, req, req.Quantity.Neg())
}

// RecordAdjustment applies a signed correction, e.g. after a physical count.
func (s *Service) RecordAdjustment(ctx context.Context, req domain.StockMutationRequest) (*domain.StockLedgerEntry, bool, error) {
	if req.Quantity.IsZero() {
		return nil, false, fmt.Errorf("%w: adjustment delta must be non-zero", store.ErrInvalidRequest)
	}
	return s.mutate(ctx, domain.ReasonAdjustment, req, req.Quantity)
}

func (s *Service) mutate(ctx context.Context, reason string, req domain.StockMutationRequest, delta decimal.Decimal) (*domain.StockLedgerEntry, bool, error) {
	if _, err := s.repo.GetIngredient(ctx, req.IngredientID); err != nil {
		return nil, false, fmt.Errorf("ingredient %s: %w", req.IngredientID, err)
	}
	if req.LocationID != nil {
		if _, err := s.repo.GetLocation(ctx, *req.LocationID); err != nil {
			return nil, false, fmt.Errorf("location %s: %w", *req.LocationID, err)
		}
	}

	release, err := s.locks.acquire(ctx, stockKey(req.IngredientID, req.LocationID))
	if err != nil {
		return nil, false, err
	}
	defer release()

	actor, _ := ActorFromContext(ctx)
	applied, duplicate, err := s.repo.ApplyLedgerEntry(ctx, domain.StockLedgerEntry{
		IngredientID:   req.IngredientID,
		LocationID:     req.LocationID,
		DeltaUnits:     delta,
		Reason:         reason,
		ActorID:        actor.Username,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}

	s.invalidateStock(ctx, req.IngredientID)
	log.Printf("[inventory] %s %s delta %s by %s", reason, req.IngredientID, delta, actor.Username)
	return applied, duplicate, nil
}

// invalidateStock drops cached snapshots of an ingredient for every
// location. A central write changes availability for every centralized
// branch at once, so per-location invalidation would under-delete.
func (s *Service) invalidateStock(ctx context.Context, ingredientID string) {
	locations, err := s.repo.ListLocations(ctx)
	if err != nil {
		return
	}
	keys := make([]string, 0, len(locations))
	for _, loc := range locations {
		keys = append(keys, cacheKey(loc.ID, ingredientID))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Printf("[inventory] stock cache invalidate %s: %v", ingredientID, err)
	}
}

func newTransferNumber(now time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("TRF-%s-%06d", now.Format("20060102"), now.UnixNano()%1000000)
	}
	return fmt.Sprintf("TRF-%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(buf)))
}

// RequestTransfer opens a transfer in the requested state. No stock moves
// and nothing is reserved yet.
func (s *Service) RequestTransfer(ctx context.Context, input domain.TransferRequestInput) (*domain.Transfer, error) {
	if !input.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if input.FromLocationID != nil && *input.FromLocationID == input.ToLocationID {
		return nil, fmt.Errorf("%w: transfer source and destination are the same", store.ErrInvalidRequest)
	}
	if _, _, err := s.activeLocation(ctx, input.ToLocationID); err != nil {
		return nil, err
	}
	if input.FromLocationID != nil {
		if _, _, err := s.activeLocation(ctx, *input.FromLocationID); err != nil {
			return nil, err
		}
	}
	if _, err := s.repo.GetIngredient(ctx, input.IngredientID); err != nil {
		return nil, fmt.Errorf("ingredient %s: %w", input.IngredientID, err)
	}
	if input.UnitCost != nil {
		if input.UnitCost.IsNegative() {
			return nil, fmt.Errorf("%w: unit cost cannot be negative", store.ErrInvalidRequest)
		}
		if _, err := s.repo.GetCurrency(ctx, input.UnitCost.Currency); err != nil {
			return nil, fmt.Errorf("unit cost currency %s: %w", input.UnitCost.Currency, err)
		}
	}

	actor, _ := ActorFromContext(ctx)
	now := time.Now().UTC()
	transfer, err := s.repo.CreateTransfer(ctx, domain.Transfer{
		TransferNumber:    newTransferNumber(now),
		FromLocationID:    input.FromLocationID,
		ToLocationID:      input.ToLocationID,
		IngredientID:      input.IngredientID,
		QuantityRequested: input.Quantity,
		UnitCost:          input.UnitCost,
		RequestedBy:       actor.Username,
		RequestedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[inventory] transfer %s requested: %s x%s -> %s by %s",
		transfer.TransferNumber, transfer.IngredientID, transfer.QuantityRequested, transfer.ToLocationID, actor.Username)
	return transfer, nil
}

// ApproveTransfer moves a transfer to approved. For a central-sourced
// transfer this reserves the requested quantity in the pool; availability
// drops even though no ledger entry exists yet.
func (s *Service) ApproveTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.acquire(ctx, stockKey(transfer.IngredientID, transfer.FromLocationID))
	if err != nil {
		return nil, err
	}
	defer release()

	actor, _ := ActorFromContext(ctx)
	approved, err := s.repo.ApproveTransfer(ctx, id, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, approved.IngredientID)
	log.Printf("[inventory] transfer %s approved by %s", approved.TransferNumber, actor.Username)
	return approved, nil
}

// CancelTransfer aborts a transfer that has not shipped. A reservation
// made at approval is released; a shipped transfer cannot be cancelled
// and must be reconciled with a reverse transfer instead.
func (s *Service) CancelTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.acquire(ctx, stockKey(transfer.IngredientID, transfer.FromLocationID))
	if err != nil {
		return nil, err
	}
	defer release()

	cancelled, err := s.repo.CancelTransfer(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, cancelled.IngredientID)
	actor, _ := ActorFromContext(ctx)
	log.Printf("[inventory] transfer %s cancelled by %s", cancelled.TransferNumber, actor.Username)
	return cancelled, nil
}

// ShipTransfer debits the source holder by the quantity actually sent,
// which may be less than requested. The repository writes the transfer_out
// ledger entry and the state change together.
func (s *Service) ShipTransfer(ctx context.Context, id string, quantitySent decimal.Decimal) (*domain.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.acquire(ctx, stockKey(transfer.IngredientID, transfer.FromLocationID))
	if err != nil {
		return nil, err
	}
	defer release()

	actor, _ := ActorFromContext(ctx)
	shipped, err := s.repo.ShipTransfer(ctx, id, actor.Username, quantitySent, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, shipped.IngredientID)
	log.Printf("[inventory] transfer %s shipped x%s by %s", shipped.TransferNumber, quantitySent, actor.Username)
	return shipped, nil
}

// ReceiveTransfer credits the destination by the quantity actually
// received. A sent/received delta stays visible on the transfer; recording
// the in-transit loss as waste is the operator's follow-up call.
func (s *Service) ReceiveTransfer(ctx context.Context, id string, quantityReceived decimal.Decimal) (*domain.Transfer, error) {
	transfer, err := s.repo.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	toLocation := transfer.ToLocationID
	release, err := s.locks.acquire(ctx, stockKey(transfer.IngredientID, &toLocation))
	if err != nil {
		return nil, err
	}
	defer release()

	actor, _ := ActorFromContext(ctx)
	received, err := s.repo.ReceiveTransfer(ctx, id, actor.Username, quantityReceived, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, received.IngredientID)
	log.Printf("[inventory] transfer %s received x%s by %s", received.TransferNumber, quantityReceived, actor.Username)
	return received, nil
}

func (s *Service) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

func (s *Service) GetTransferByNumber(ctx context.Context, number string) (*domain.Transfer, error) {
	return s.repo.GetTransferByNumber(ctx, number)
}

func (s *Service) ListTransfers(ctx context.Context, locationID string, state string, limit int) ([]domain.Transfer, error) {
	if state != "" {
		switch state {
		case domain.TransferRequested, domain.TransferApproved, domain.TransferShipped, domain.TransferReceived, domain.TransferCancelled:
		default:
			return nil, fmt.Errorf("%w: unknown transfer state %q", store.ErrInvalidRequest, state)
		}
	}
	return s.repo.ListTransfers(ctx, locationID, state, limit)
}

func (s *Service) LedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.StockLedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx, filter)
}

// Reconcile replays the ledger for one ingredient and rewrites any counter
// that drifted. All of the ingredient's stock locks are held for the
// duration so no write can race the replay.
func (s *Service) Reconcile(ctx context.Context, ingredientID string) (domain.ReconcileResult, error) {
	locations, err := s.repo.ListLocations(ctx)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	holders := make([]*string, 0, len(locations)+1)
	holders = append(holders, nil)
	for i := range locations {
		holders = append(holders, &locations[i].ID)
	}
	release, err := s.lockHolders(ctx, map[string][]*string{ingredientID: holders})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	defer release()

	result, err := s.repo.RebuildStockCounters(ctx, ingredientID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	s.invalidateStock(ctx, ingredientID)
	if len(result.Repairs) > 0 {
		log.Printf("[inventory] reconcile %s repaired %d counters", ingredientID, len(result.Repairs))
	}
	return result, nil
}

func (s *Service) UpsertIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if ingredient.ReorderLevel.IsNegative() {
		return nil, fmt.Errorf("%w: reorder level cannot be negative", store.ErrInvalidRequest)
	}
	return s.repo.UpsertIngredient(ctx, ingredient)
}

func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	return s.repo.ListIngredients(ctx)
}

func (s *Service) UpsertLocation(ctx context.Context, location domain.Location) (*domain.Location, error) {
	// "central" is the pool's holder name in lock and ledger keys.
	if location.ID == "central" {
		return nil, fmt.Errorf("%w: location id %q is reserved", store.ErrInvalidRequest, location.ID)
	}
	return s.repo.UpsertLocation(ctx, location)
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	return s.repo.ListLocations(ctx)
}

func (s *Service) ListLocationStock(ctx context.Context, locationID string) ([]domain.LocationStockRecord, error) {
	return s.repo.ListLocationStock(ctx, locationID)
}

// SetStockPolicy updates a branch record's reorder threshold and max
// capacity without touching the counter.
func (s *Service) SetStockPolicy(ctx context.Context, record domain.LocationStockRecord) (*domain.LocationStockRecord, error) {
	if record.ReorderThreshold.IsNegative() {
		return nil, fmt.Errorf("%w: reorder threshold cannot be negative", store.ErrInvalidRequest)
	}
	if record.MaxCapacity != nil && !record.MaxCapacity.IsPositive() {
		return nil, fmt.Errorf("%w: max capacity must be positive", store.ErrInvalidRequest)
	}
	return s.repo.SetLocationStockPolicy(ctx, record)
}

// Repo exposes the underlying repository for collaborators that manage
// auth accounts (the HTTP layer's AuthManager).
func (s *Service) Repo() store.Repository {
	return s.repo
}
