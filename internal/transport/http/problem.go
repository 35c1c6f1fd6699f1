package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"cdr.dev/slog/v3"

	"example.com/uniques/internal/cache"
	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
	"example.com/uniques/internal/uniques"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

// writeError maps the service error taxonomy onto problem responses.
func (d *ServerDeps) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe domain.FieldError
	switch {
	case errors.As(err, &fe):
		WriteProblem(w, http.StatusBadRequest, "validation failed", err.Error(),
			map[string][]string{fe.Field: {fe.Msg}})
	case errors.Is(err, uniques.ErrOutOfRange):
		WriteProblem(w, http.StatusBadRequest, "out of range", err.Error(), nil)
	case errors.Is(err, cache.ErrWarmInProgress):
		WriteProblem(w, http.StatusConflict, "rebuild in progress", err.Error(), nil)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, cache.ErrBackend), errors.Is(err, cache.ErrRebuildFailed):
		d.Logger.Warn(r.Context(), "backend unavailable", slog.F("path", r.URL.Path), slog.Error(err))
		WriteProblem(w, http.StatusServiceUnavailable, "backend unavailable", "please retry", nil)
	default:
		d.Logger.Error(r.Context(), "request failed", slog.F("path", r.URL.Path), slog.Error(err))
		WriteProblem(w, http.StatusInternalServerError, "internal error", "", nil)
	}
}
