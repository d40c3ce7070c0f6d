package node

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/sugar-network/sugar/internal/auth"
	"github.com/sugar-network/sugar/internal/db"
)

type errorResponse struct {
	Error   string `json:"error"`
	Request string `json:"request"`
	Nonce   int64  `json:"nonce,omitempty"`
}

// statusFor maps store and auth sentinels onto the HTTP taxonomy.
func statusFor(err error) int {
	var nonceErr *auth.NonceError
	switch {
	case errors.Is(err, db.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrExists):
		return http.StatusConflict
	case errors.Is(err, db.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUnauthorized), errors.As(err, &nonceErr):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:   err.Error(),
		Request: r.Method + " " + r.URL.Path,
	}
	var nonceErr *auth.NonceError
	if errors.As(err, &nonceErr) {
		resp.Nonce = nonceErr.Nonce
	}
	if status == http.StatusInternalServerError {
		log.Printf("node: %s %s: %v", r.Method, r.URL.Path, err)
		resp.Error = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
