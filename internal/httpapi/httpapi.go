package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"stokkita/backend/internal/domain"
	"stokkita/backend/internal/fx"
	"stokkita/backend/internal/inventory"
	"stokkita/backend/internal/replenish"
	"stokkita/backend/internal/store"
)

type API struct {
	inventory     *inventory.Service
	fx            *fx.Service
	advisor       *replenish.Advisor
	auth          *AuthManager
	allowedOrigin string
	deductTimeout time.Duration
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(inv *inventory.Service, fxSvc *fx.Service, advisor *replenish.Advisor, auth *AuthManager, allowedOrigin string, deductTimeout time.Duration) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if deductTimeout <= 0 {
		deductTimeout = 3 * time.Second
	}
	return &API{
		inventory:     inv,
		fx:            fxSvc,
		advisor:       advisor,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		deductTimeout: deductTimeout,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

// generateCSRFToken returns a token valid for the current hour bucket.
func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/stock/available", a.requireAuth(a.handleStockAvailable, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/deduct", a.requireAuth(a.handleStockDeduct, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/deduct-recipe", a.requireAuth(a.handleStockDeductRecipe, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/restock", a.requireAuth(a.handleStockRestock, "admin"))
	mux.HandleFunc("/api/v1/stock/waste", a.requireAuth(a.handleStockWaste, "admin"))
	mux.HandleFunc("/api/v1/stock/adjustment", a.requireAuth(a.handleStockAdjustment, "admin"))
	mux.HandleFunc("/api/v1/stock/levels", a.requireAuth(a.handleStockLevels, "cashier", "admin"))
	mux.HandleFunc("/api/v1/stock/policy", a.requireAuth(a.handleStockPolicy, "admin"))
	mux.HandleFunc("/api/v1/stock/ledger", a.requireAuth(a.handleLedger, "admin"))
	mux.HandleFunc("/api/v1/stock/reconcile", a.requireAuth(a.handleReconcile, "admin"))

	mux.HandleFunc("/api/v1/transfers", a.requireAuth(a.handleTransfers, "cashier", "admin"))
	mux.HandleFunc("/api/v1/transfers/", a.requireAuth(a.handleTransferActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/currencies", a.requireAuth(a.handleCurrencies, "cashier", "admin"))
	mux.HandleFunc("/api/v1/currencies/", a.requireAuth(a.handleCurrencyActions, "admin"))
	mux.HandleFunc("/api/v1/rates", a.requireAuth(a.handleRates, "admin"))
	mux.HandleFunc("/api/v1/money/convert", a.requireAuth(a.handleConvert, "cashier", "admin"))
	mux.HandleFunc("/api/v1/money/quote", a.requireAuth(a.handleQuote, "cashier", "admin"))

	mux.HandleFunc("/api/v1/replenishment/suggestions", a.requireAuth(a.handleReplenishment, "admin"))

	mux.HandleFunc("/api/v1/ingredients", a.requireAuth(a.handleIngredients, "cashier", "admin"))
	mux.HandleFunc("/api/v1/locations", a.requireAuth(a.handleLocations, "cashier", "admin"))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(inventory.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation. Login is
// excluded because it is called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces CSRF token validation for state-changing methods (POST/PUT/PATCH).
// Returns false and writes an error response if validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleStockAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	ingredientID := strings.TrimSpace(r.URL.Query().Get("ingredient_id"))
	if locationID == "" || ingredientID == "" {
		writeError(w, http.StatusBadRequest, errors.New("location_id and ingredient_id are required"))
		return
	}

	level, err := a.inventory.AvailableStock(r.Context(), locationID, ingredientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleStockDeduct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.DeductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.deductTimeout)
	defer cancel()

	resp, err := a.inventory.Deduct(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockDeductRecipe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.DeductRecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.deductTimeout)
	defer cancel()

	resp, err := a.inventory.DeductRecipe(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockRestock(w http.ResponseWriter, r *http.Request) {
	a.handleMutation(w, r, a.inventory.Restock)
}

func (a *API) handleStockWaste(w http.ResponseWriter, r *http.Request) {
	a.handleMutation(w, r, a.inventory.RecordWaste)
}

func (a *API) handleStockAdjustment(w http.ResponseWriter, r *http.Request) {
	a.handleMutation(w, r, a.inventory.RecordAdjustment)
}

func (a *API) handleMutation(w http.ResponseWriter, r *http.Request, apply func(context.Context, domain.StockMutationRequest) (*domain.StockLedgerEntry, bool, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.StockMutationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, duplicate, err := apply(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":     entry,
		"duplicate": duplicate,
	})
}

func (a *API) handleStockLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	if locationID == "" {
		writeError(w, http.StatusBadRequest, errors.New("location_id is required"))
		return
	}

	records, err := a.inventory.ListLocationStock(r.Context(), locationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) handleStockPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.LocationStockRecord
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := a.inventory.SetStockPolicy(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	filter := domain.LedgerFilter{
		IngredientID: strings.TrimSpace(query.Get("ingredient_id")),
		Reason:       strings.TrimSpace(query.Get("reason")),
		Limit:        parsePositiveLimit(query.Get("limit"), 100, 500),
	}
	if location := strings.TrimSpace(query.Get("location_id")); location != "" {
		if location == "central" {
			filter.CentralOnly = true
		} else {
			filter.LocationID = &location
		}
	}
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = ts
		}
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = ts
		}
	}

	entries, err := a.inventory.LedgerEntries(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		IngredientID string `json:"ingredient_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.IngredientID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("ingredient_id is required"))
		return
	}

	result, err := a.inventory.Reconcile(r.Context(), req.IngredientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		transfers, err := a.inventory.ListTransfers(r.Context(),
			strings.TrimSpace(query.Get("location_id")),
			strings.TrimSpace(query.Get("state")),
			parsePositiveLimit(query.Get("limit"), 100, 500))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.TransferListResponse{Transfers: transfers})
	case http.MethodPost:
		var req domain.TransferRequestInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		transfer, err := a.inventory.RequestTransfer(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.TransferResponse{Transfer: *transfer})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleTransferActions serves /api/v1/transfers/{id} and the transition
// endpoints /api/v1/transfers/{id}/(approve|ship|receive|cancel).
func (a *API) handleTransferActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/transfers/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, errors.New("transfer id required"))
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	transferID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		transfer, err := a.inventory.GetTransfer(r.Context(), transferID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.TransferResponse{Transfer: *transfer})
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	actor, _ := inventory.ActorFromContext(r.Context())
	action := parts[1]

	var transfer *domain.Transfer
	var err error
	switch action {
	case "approve":
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		transfer, err = a.inventory.ApproveTransfer(r.Context(), transferID)
	case "cancel":
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		transfer, err = a.inventory.CancelTransfer(r.Context(), transferID)
	case "ship":
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		var req domain.ShipTransferRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		transfer, err = a.inventory.ShipTransfer(r.Context(), transferID, req.QuantitySent)
	case "receive":
		var req domain.ReceiveTransferRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		transfer, err = a.inventory.ReceiveTransfer(r.Context(), transferID, req.QuantityReceived)
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown transfer action"))
		return
	}

	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.TransferResponse{Transfer: *transfer})
}

func (a *API) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		currencies, err := a.fx.ListCurrencies(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currencies": currencies})
	case http.MethodPost:
		actor, _ := inventory.ActorFromContext(r.Context())
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		var req struct {
			Currencies []domain.Currency `json:"currencies"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		imported, err := a.fx.ImportCurrencies(r.Context(), req.Currencies)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currencies": imported})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleCurrencyActions serves /api/v1/currencies/{code}/(activate|deactivate).
func (a *API) handleCurrencyActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/currencies/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid currency action path"))
		return
	}

	var currency *domain.Currency
	var err error
	switch parts[1] {
	case "activate":
		currency, err = a.fx.ActivateCurrency(r.Context(), parts[0])
	case "deactivate":
		currency, err = a.fx.DeactivateCurrency(r.Context(), parts[0])
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown currency action"))
		return
	}

	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": currency})
}

func (a *API) handleRates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ExchangeRate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rate, err := a.fx.AddRate(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rate": rate})
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ConvertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	result, rateUsed, err := a.fx.Convert(r.Context(), domain.NewMoney(req.MinorUnits, req.Currency), req.ToCurrency, asOf)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	formatted, err := a.fx.Format(r.Context(), result)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ConvertResponse{
		Result:    result,
		Formatted: formatted,
		RateUsed:  rateUsed,
	})
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ConvertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	quote, err := a.fx.Quote(r.Context(), domain.NewMoney(req.MinorUnits, req.Currency), req.ToCurrency, asOf)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleReplenishment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	if locationID == "" {
		writeError(w, http.StatusBadRequest, errors.New("location_id is required"))
		return
	}

	resp, err := a.advisor.SuggestForLocation(r.Context(), locationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIngredients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ingredients, err := a.inventory.ListIngredients(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ingredients": ingredients})
	case http.MethodPost:
		actor, _ := inventory.ActorFromContext(r.Context())
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		var req domain.Ingredient
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ingredient, err := a.inventory.UpsertIngredient(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ingredient": ingredient})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		locations, err := a.inventory.ListLocations(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
	case http.MethodPost:
		actor, _ := inventory.ActorFromContext(r.Context())
		if actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("admin role required"))
			return
		}
		var req domain.Location
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		location, err := a.inventory.UpsertLocation(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"location": location})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers()})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(req)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Enforce CSRF protection for all state-changing requests.
		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps domain sentinel errors to HTTP statuses. Conflicts
// (insufficient stock, capacity, workflow violations) are 409 so clients can
// distinguish "retry with less" from validation failures.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrOverCapacity),
		errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, store.ErrRateNotFound),
		errors.Is(err, store.ErrInvalidRequest):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
