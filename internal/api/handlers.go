package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/settlement/internal/auth"
	"github.com/xtrntr/settlement/internal/db"
	"github.com/xtrntr/settlement/internal/models"
	"github.com/xtrntr/settlement/internal/settlement"
)

// Version is reported by the welcome endpoint
const Version = "1.0.0"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type ctxKey string

const operatorIDKey ctxKey = "operator_id"

// Settler runs settlement sagas
type Settler interface {
	SettleOrder(ctx context.Context, in settlement.Input) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
}

// Store serves reference data and order history
type Store interface {
	CreateAsset(ctx context.Context, symbol, name string) (*models.Asset, error)
	GetAsset(ctx context.Context, id int64) (*models.Asset, error)
	FindAssetBySymbol(ctx context.Context, symbol string) (*models.Asset, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)
	FindOrCreateUser(ctx context.Context, wallet string) (*models.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*models.User, error)
	ListOrders(ctx context.Context, limit, offset int) ([]models.Order, error)
	GetUserOrders(ctx context.Context, wallet string) ([]models.Order, error)
}

// Funds is the custodial side exposed over HTTP
type Funds interface {
	Deposit(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) (decimal.Decimal, error)
	Balances(ctx context.Context, userID int64) ([]models.Balance, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Settler     Settler
	Store       Store
	Funds       Funds
	AuthService *auth.AuthService
	// Feed serves the live order event stream, if set.
	Feed http.Handler
	Log  *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(settler Settler, store Store, funds Funds, authService *auth.AuthService, feed http.Handler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Settler: settler, Store: store, Funds: funds, AuthService: authService, Feed: feed, Log: log}
}

// Routes builds the router. Middlewares run before every route.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)

	r.Get("/", h.Welcome)
	if h.Feed != nil {
		r.Handle("/ws", h.Feed)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/assets", h.ListAssets)
	r.Get("/assets/{id}", h.GetAsset)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/users/{wallet}/orders", h.GetUserOrders)
	r.Get("/users/{wallet}/balances", h.GetUserBalances)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/assets", h.CreateAsset)
		r.Post("/users", h.CreateUser)
		r.Post("/orders", h.SettleOrder)
		r.Post("/users/{wallet}/deposits", h.Deposit)
	})
	return r
}

type envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Message: message, Data: data})
}

// fail maps an error class to a response. A failed order is returned along with the message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, order *models.Order) {
	switch {
	case settlement.ErrOrderFailed.Has(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), order)
	case settlement.ErrInvalidOrder.Has(err), auth.ErrInvalidInput.Has(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case settlement.ErrUnknownAsset.Has(err), db.ErrNotFound.Has(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case db.ErrConflict.Has(err):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case auth.ErrInvalidCredentials.Has(err):
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
		h.Log.Debug("request canceled", zap.String("path", r.URL.Path))
	default:
		h.Log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Welcome reports the service name and version
func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "settlement",
		"version": Version,
	})
}

// Register handles operator registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required", nil)
		return
	}

	op, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       op.ID,
		"username": op.Username,
	})
}

// Login handles operator login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required", nil)
			return
		}

		// Remove "Bearer " prefix if present
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		operatorID, err := h.AuthService.GetOperatorFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorID returns the authenticated operator of a request
func OperatorID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}

// ListAssets lists every asset
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Store.ListAssets(r.Context())
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset retrieves one asset by id
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	asset, err := h.Store.GetAsset(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// CreateAsset registers a new tradable asset
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	req.Symbol = strings.TrimSpace(req.Symbol)
	if req.Symbol == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "Symbol and name required", nil)
		return
	}

	asset, err := h.Store.CreateAsset(r.Context(), req.Symbol, req.Name)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// CreateUser finds or creates the user of a wallet
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		writeError(w, http.StatusBadRequest, "Wallet address required", nil)
		return
	}

	user, err := h.Store.FindOrCreateUser(r.Context(), req.WalletAddress)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// SettleOrder runs a settlement and responds once the order is terminal
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletAddress   string          `json:"wallet_address"`
		AssetSymbol     string          `json:"asset_symbol"`
		Type            string          `json:"type"`
		Amount          decimal.Decimal `json:"amount"`
		Price           decimal.Decimal `json:"price"`
		TransactionHash string          `json:"transaction_hash"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	orderType, ok := models.ParseOrderType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "Type must be 'BUY' or 'SELL'", nil)
		return
	}

	order, err := h.Settler.SettleOrder(r.Context(), settlement.Input{
		WalletAddress:   req.WalletAddress,
		AssetSymbol:     req.AssetSymbol,
		Type:            orderType,
		Amount:          req.Amount,
		Price:           req.Price,
		TransactionHash: req.TransactionHash,
		Source:          "api",
	})
	if err != nil {
		h.fail(w, r, err, order)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders pages through all orders, newest first
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	orders, err := h.Store.ListOrders(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder retrieves one order by id
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	order, err := h.Settler.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetUserOrders retrieves the orders of a wallet
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.GetUserOrders(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserBalances lists the custodial balances of a wallet
func (h *Handler) GetUserBalances(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByWallet(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	balances, err := h.Funds.Balances(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if balances == nil {
		balances = []models.Balance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// Deposit funds a wallet at the custodian
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetSymbol string          `json:"asset_symbol"`
		Amount      decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive", nil)
		return
	}

	asset, err := h.Store.FindAssetBySymbol(r.Context(), req.AssetSymbol)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	user, err := h.Store.FindOrCreateUser(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}
	balance, err := h.Funds.Deposit(r.Context(), user.ID, asset.Symbol, req.Amount)
	if err != nil {
		h.fail(w, r, err, nil)
		return
	}

	h.Log.Info("deposit recorded",
		zap.String("wallet", user.WalletAddress),
		zap.String("asset", asset.Symbol),
		zap.Stringer("amount", req.Amount))
	writeJSON(w, http.StatusOK, models.Balance{UserID: user.ID, AssetSymbol: asset.Symbol, Amount: balance})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid ID", nil)
		return 0, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", nil)
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset", nil)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
