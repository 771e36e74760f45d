package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DefaultMaxBytes is the largest accepted save body.
const DefaultMaxBytes = 50 << 20

// ErrUnauthorized is returned when a save carries a missing or wrong token.
var ErrUnauthorized = errors.New("canvas: unauthorized")

// HashToken creates a bcrypt hash suitable for canvas.save_token_hash.
//
// Precondition: token must be non-empty and at most 72 bytes.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing save token: %w", err)
	}
	return string(hash), nil
}

// Handler serves POST /canvas/save and GET /canvas/load.
type Handler struct {
	store     Store
	maxBytes  int64
	tokenHash []byte
	logger    *zap.Logger
}

// NewHandler creates a Handler. An empty tokenHash leaves saving open.
//
// Precondition: store and logger must be non-nil.
// Postcondition: a non-positive maxBytes is replaced by DefaultMaxBytes.
func NewHandler(store Store, maxBytes int64, tokenHash string, logger *zap.Logger) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	h := &Handler{store: store, maxBytes: maxBytes, logger: logger}
	if tokenHash != "" {
		h.tokenHash = []byte(tokenHash)
	}
	return h
}

// Authorize checks the request's bearer token against the configured hash.
//
// Postcondition: Returns nil when no hash is configured or the token matches,
// ErrUnauthorized otherwise.
func (h *Handler) Authorize(r *http.Request) error {
	if h.tokenHash == nil {
		return nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// Save stores the request body as the latest canvas and answers 201 with the body.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.Authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "canvas state too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "canvas state must be JSON", http.StatusBadRequest)
		return
	}

	if err := h.store.Save(r.Context(), body); err != nil {
		h.logger.Error("saving canvas state", zap.Error(err))
		http.Error(w, "failed to save canvas state", http.StatusInternalServerError)
		return
	}
	h.logger.Info("canvas state saved", zap.Int("bytes", len(body)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// Load answers with the latest canvas, or [] when nothing has been saved.
func (h *Handler) Load(w http.ResponseWriter, r *http.Request) {
	state, err := h.store.Latest(r.Context())
	switch {
	case errors.Is(err, ErrNoState):
		state = json.RawMessage("[]")
	case err != nil:
		h.logger.Error("loading canvas state", zap.Error(err))
		http.Error(w, "failed to load canvas state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}
