package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("could not write response", "err", err)
	}
}

func statusOf(kind tracker.Kind) int {
	switch kind {
	case tracker.KindValidation:
		return http.StatusBadRequest
	case tracker.KindUnauthenticated:
		return http.StatusUnauthorized
	case tracker.KindForbidden:
		return http.StatusForbidden
	case tracker.KindNotFound:
		return http.StatusNotFound
	case tracker.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto its status. Internal errors are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, err error) {
	e := tracker.AsError(err)
	if e.Kind == tracker.KindInternal {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, statusOf(e.Kind), errorBody{Error: e.Message, Code: e.Code})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return tracker.Validation("invalid_body", "request body is required")
		}
		return tracker.Validation("invalid_body", "request body is not valid JSON")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, tracker.Validation("invalid_"+name, name+" must be a non-negative integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, tracker.Validation("invalid_"+name, name+" must be true or false")
	}
	return b, nil
}

func pageRequest(r *http.Request) (page tracker.PageRequest, err error) {
	if page.Page, err = queryInt(r, "page", 1); err != nil {
		return page, err
	}
	if page.PerPage, err = queryInt(r, "per_page", tracker.DefaultPerPage); err != nil {
		return page, err
	}
	return page, nil
}
