package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/seal"
)

// Engine is the subset of *seal.Engine the handlers call.
type Engine interface {
	Create(ctx context.Context, req models.CreateRequest, caller models.Caller) (models.CreateResult, error)
	Disclose(ctx context.Context, id string, caller models.Caller) (*models.SealView, error)
	Pulse(ctx context.Context, req models.PulseRequest, caller models.Caller) (models.PulseResult, error)
	UnlockNow(ctx context.Context, req models.ActionRequest, caller models.Caller) error
	Burn(ctx context.Context, req models.ActionRequest, caller models.Caller) error
	PulseStatus(ctx context.Context, token string, caller models.Caller) (models.PulseStatus, error)
	VerifyReceipt(r models.Receipt) bool
}

var _ Engine = (*seal.Engine)(nil)

type Handler struct {
	engine Engine
	logger *slog.Logger

	baseURL      string
	maxBodyBytes int64
	// detailed errors are shown outside production only
	detailed bool
	health   func() map[string]string
}

type HandlerOptions struct {
	BaseURL      string
	MaxBodyBytes int64
	Production   bool
	// Health adds component states to the /health response. A component
	// reporting "open" marks the service degraded.
	Health func() map[string]string
}

func NewHandler(engine Engine, logger *slog.Logger, opts HandlerOptions) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		engine:       engine,
		logger:       logger,
		baseURL:      opts.BaseURL,
		maxBodyBytes: opts.MaxBodyBytes,
		detailed:     !opts.Production,
		health:       opts.Health,
	}
}

type CreateSealRequest struct {
	EncryptedBlob        []byte    `json:"encrypted_blob"`
	KeyShare             []byte    `json:"key_share"`
	IV                   string    `json:"iv"`
	UnlockTime           time.Time `json:"unlock_time"`
	UnlockMessage        string    `json:"unlock_message,omitempty"`
	IsDMS                bool      `json:"is_dms,omitempty"`
	PulseIntervalSeconds int64     `json:"pulse_interval_seconds,omitempty"`
	IsEphemeral          bool      `json:"is_ephemeral,omitempty"`
	MaxViews             *int      `json:"max_views,omitempty"`
	ExpiresAfterDays     int       `json:"expires_after_days,omitempty"`
}

type CreateSealResponse struct {
	SealID      string         `json:"seal_id"`
	URL         string         `json:"url"`
	IV          string         `json:"iv"`
	ActionToken string         `json:"action_token,omitempty"`
	Receipt     models.Receipt `json:"receipt"`
}

type SealResponse struct {
	ID              string        `json:"id"`
	Status          models.Status `json:"status"`
	Mode            models.Mode   `json:"mode"`
	UnlockTime      time.Time     `json:"unlock_time"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	BlobHash        string        `json:"blob_hash,omitempty"`
	AccessCount     int           `json:"access_count"`
	ViewCount       int           `json:"view_count,omitempty"`
	MaxViews        *int          `json:"max_views,omitempty"`
	RemainingViews  *int          `json:"remaining_views,omitempty"`
	FirstViewedAt   *time.Time    `json:"first_viewed_at,omitempty"`
	KeyShare        []byte        `json:"key_share,omitempty"`
	IV              string        `json:"iv,omitempty"`
	EncryptedBlob   []byte        `json:"encrypted_blob,omitempty"`
	UnlockMessage   string        `json:"unlock_message,omitempty"`
}

type PulseRequest struct {
	Token              string `json:"token"`
	NewIntervalSeconds int64  `json:"new_interval_seconds,omitempty"`
	OperationNonce     string `json:"operation_nonce,omitempty"`
}

type PulseResponse struct {
	NewUnlockTime time.Time `json:"new_unlock_time"`
	NewToken      string    `json:"new_token"`
}

type ActionRequest struct {
	Token          string `json:"token"`
	OperationNonce string `json:"operation_nonce,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type PulseStatusResponse struct {
	SealID               string     `json:"seal_id"`
	UnlockTime           time.Time  `json:"unlock_time"`
	TimeRemainingMs      int64      `json:"time_remaining_ms"`
	PulseIntervalSeconds int64      `json:"pulse_interval_seconds"`
	LastPulseAt          *time.Time `json:"last_pulse_at,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

type VerifyReceiptResponse struct {
	Valid bool `json:"valid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if h.health != nil {
		for name, state := range h.health() {
			resp[name] = state
			if state == "open" {
				resp["status"] = "degraded"
			}
		}
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) CreateSeal(w http.ResponseWriter, r *http.Request) {
	var req CreateSealRequest
	if !h.decode(w, r, &req) {
		return
	}

	interval, ok := h.duration(w, req.PulseIntervalSeconds, time.Second, "pulse_interval_seconds")
	if !ok {
		return
	}
	expiresAfter, ok := h.duration(w, int64(req.ExpiresAfterDays), 24*time.Hour, "expires_after_days")
	if !ok {
		return
	}

	res, err := h.engine.Create(r.Context(), models.CreateRequest{
		EncryptedBlob: req.EncryptedBlob,
		KeyShare:      req.KeyShare,
		IV:            req.IV,
		UnlockTime:    req.UnlockTime,
		UnlockMessage: req.UnlockMessage,
		IsDMS:         req.IsDMS,
		PulseInterval: interval,
		IsEphemeral:   req.IsEphemeral,
		MaxViews:      req.MaxViews,
		ExpiresAfter:  expiresAfter,
	}, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateSealResponse{
		SealID:      res.SealID,
		URL:         h.baseURL + "/api/seals/" + res.SealID,
		IV:          res.IV,
		ActionToken: res.ActionToken,
		Receipt:     res.Receipt,
	})
}

func (h *Handler) GetSeal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.engine.Disclose(r.Context(), id, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	if view.Status == models.StatusExhausted {
		status = http.StatusGone
	}
	h.json(w, status, SealResponse{
		ID:              view.ID,
		Status:          view.Status,
		Mode:            view.Mode,
		UnlockTime:      view.UnlockTime,
		TimeRemainingMs: view.TimeRemaining.Milliseconds(),
		BlobHash:        view.BlobHash,
		AccessCount:     view.AccessCount,
		ViewCount:       view.ViewCount,
		MaxViews:        view.MaxViews,
		RemainingViews:  view.RemainingViews,
		FirstViewedAt:   view.FirstViewedAt,
		KeyShare:        view.KeyShare,
		IV:              view.IV,
		EncryptedBlob:   view.Blob,
		UnlockMessage:   view.UnlockMessage,
	})
}

func (h *Handler) Pulse(w http.ResponseWriter, r *http.Request) {
	var req PulseRequest
	if !h.decode(w, r, &req) {
		return
	}

	newInterval, ok := h.duration(w, req.NewIntervalSeconds, time.Second, "new_interval_seconds")
	if !ok {
		return
	}

	res, err := h.engine.Pulse(r.Context(), models.PulseRequest{
		Token:          req.Token,
		NewInterval:    newInterval,
		OperationNonce: req.OperationNonce,
	}, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, PulseResponse{NewUnlockTime: res.NewUnlockTime, NewToken: res.NewToken})
}

func (h *Handler) PulseStatus(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	st, err := h.engine.PulseStatus(r.Context(), req.Token, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, PulseStatusResponse{
		SealID:               st.SealID,
		UnlockTime:           st.UnlockTime,
		TimeRemainingMs:      st.TimeRemaining.Milliseconds(),
		PulseIntervalSeconds: int64(st.PulseInterval / time.Second),
		LastPulseAt:          st.LastPulseAt,
		ExpiresAt:            st.ExpiresAt,
	})
}

func (h *Handler) UnlockNow(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.engine.UnlockNow(r.Context(), models.ActionRequest{Token: req.Token, OperationNonce: req.OperationNonce}, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, StatusResponse{Status: "unlocked"})
}

func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.engine.Burn(r.Context(), models.ActionRequest{Token: req.Token, OperationNonce: req.OperationNonce}, callerFrom(r))
	if err != nil {
		h.handleEngineError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, StatusResponse{Status: "burned"})
}

func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req models.Receipt
	if !h.decode(w, r, &req) {
		return
	}
	h.json(w, http.StatusOK, VerifyReceiptResponse{Valid: h.engine.VerifyReceipt(req)})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// duration converts a count of units from a request, rejecting counts whose
// product would overflow time.Duration.
func (h *Handler) duration(w http.ResponseWriter, n int64, unit time.Duration, field string) (time.Duration, bool) {
	limit := int64(math.MaxInt64 / unit)
	if n > limit || n < -limit {
		h.json(w, http.StatusBadRequest, ErrorResponse{
			Error: field + " is out of range",
			Kind:  string(seal.KindInvalidInput),
		})
		return 0, false
	}
	return time.Duration(n) * unit, true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := seal.KindOf(err)
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "kind", string(kind), "error", err)
	}
	if kind == seal.KindUnavailable || kind == seal.KindStorageTransient {
		w.Header().Set("Retry-After", "5")
	}

	message := kind.Message()
	if h.detailed {
		message = err.Error()
	}
	h.json(w, status, ErrorResponse{Error: message, Kind: string(kind)})
}

func statusFor(kind seal.Kind) int {
	switch kind {
	case seal.KindInvalidInput:
		return http.StatusBadRequest
	case seal.KindInvalidToken:
		return http.StatusUnauthorized
	case seal.KindNotFound:
		return http.StatusNotFound
	case seal.KindStorageTransient, seal.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func callerFrom(r *http.Request) models.Caller {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	fp := r.Header.Get("User-Agent") + "|" + r.Header.Get("Accept-Language")
	return models.Caller{IP: ip, Fingerprint: crypto.Hash([]byte(fp))[:16]}
}
