package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// Handler is the HTTP receiver for GitHub webhook deliveries.
// Infrastructure only: size limits, signature verification, and
// response shaping; event semantics live in the Processor.
type Handler struct {
	proc     *Processor
	secret   string
	maxBody  int64
	required bool // reject unsigned deliveries when no secret is set
	logger   *slog.Logger
}

// NewHandler builds the receiver. An empty secret disables signature
// verification unless required is set, in which case deliveries are
// refused outright.
func NewHandler(proc *Processor, secret string, required bool) *Handler {
	return &Handler{
		proc:     proc,
		secret:   secret,
		maxBody:  MaxBodyBytes(),
		required: required,
		logger:   slog.Default(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > h.maxBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	githubEvent := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if h.secret == "" {
		if h.required {
			http.Error(w, "webhook signature verification not configured", http.StatusForbidden)
			return
		}
		h.logger.Warn("webhook accepted without signature verification")
	} else if !VerifySignature(h.secret, body, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	result, err := h.proc.Dispatch(r.Context(), githubEvent, deliveryID, body)
	if err != nil {
		h.logger.Error("webhook dispatch failed",
			"github_event", githubEvent, "delivery_id", deliveryID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result) //nolint:errcheck
}
