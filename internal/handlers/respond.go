package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/utils"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(data)
}

// responder writes the {error, ...context} bodies shared by every handler.
type responder struct {
	logr       *zap.Logger
	production bool
}

// fail maps err onto a status. Client errors echo their message and context;
// server errors only say what failed, plus the cause outside production.
func (h responder) fail(w http.ResponseWriter, r *http.Request, err error, what string) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{}

	var ae *apperr.Error
	if status < http.StatusInternalServerError && errors.As(err, &ae) {
		for k, v := range ae.Context {
			body[k] = v
		}
		body["error"] = ae.Message
		h.logr.Debug(what, zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, status, body)
		return
	}

	h.logr.Error(what, zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
	body["error"] = what
	if !h.production {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

// decodeBody reads a size-limited JSON body into dst and validates it.
func decodeBody[T any](w http.ResponseWriter, r *http.Request, dst *T) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apperr.Validation("request body too large", "limit_bytes", mbe.Limit)
		}
		return apperr.Validation("invalid JSON body: " + err.Error())
	}
	return utils.Validate(*dst)
}
