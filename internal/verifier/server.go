package verifier

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxPayloadBytes = 1 << 20

// Handler mounts the verifier's HTTP surface. The transport stays
// thin: it extracts the bearer key and the live HTTP context and maps
// the pipeline result onto status codes.
type Handler struct {
	v *Verifier
}

func NewHandler(v *Verifier) *Handler {
	return &Handler{v: v}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verify", h.handleVerify)
	r.Get("/health", h.handleHealth)
	return r
}

type successBody struct {
	OK         bool   `json:"ok"`
	Remaining  int    `json:"remaining"`
	Idempotent bool   `json:"idempotent"`
	WindowUsed string `json:"windowUsed"`
}

type denialBody struct {
	Error      string `json:"error"`
	Remaining  int    `json:"remaining"`
	WindowUsed string `json:"windowUsed"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: KindServerError})
		return
	}

	res := h.v.Spend(r.Context(), &Request{
		APIKey:  bearerToken(r),
		Payload: payload,
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    payload,
	})

	switch {
	case res.OK:
		writeJSON(w, res.Status, successBody{
			OK:         true,
			Remaining:  res.Remaining,
			Idempotent: res.Idempotent,
			WindowUsed: res.WindowUsed,
		})
	case res.ErrKind == KindLimitExceeded:
		writeJSON(w, res.Status, denialBody{
			Error:      KindLimitExceeded,
			Remaining:  0,
			WindowUsed: res.WindowUsed,
		})
	default:
		writeJSON(w, res.Status, errorBody{Error: res.ErrKind})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"ts":    time.Now().UnixMilli(),
		"build": h.v.cfg.Build,
		"mode":  h.v.cfg.Mode,
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
