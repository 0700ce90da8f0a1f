// Package httputil holds the JSON responses and query parsing shared by the
// monitor handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
)

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK is WriteJSON with 200.
func WriteJSONOK(w http.ResponseWriter, data any) { WriteJSON(w, http.StatusOK, data) }

// WriteJSONError writes {"error": msg}.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// ParamError reports a malformed or out of range query parameter.
type ParamError struct {
	Name string
	Err  error
}

func (e *ParamError) Error() string { return fmt.Sprintf("invalid '%s' parameter", e.Name) }

func (e *ParamError) Unwrap() error { return e.Err }

func query[T any](r *http.Request, name string, def T, parse func(string) (T, error)) (T, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := parse(s)
	if err != nil {
		return def, &ParamError{Name: name, Err: err}
	}
	return v, nil
}

// QueryFloat parses a finite float parameter, returning def when absent.
func QueryFloat(r *http.Request, name string, def float64) (float64, error) {
	return query(r, name, def, func(s string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = fmt.Errorf("%s is not finite", s)
		}
		return v, err
	})
}

// QueryInt parses an integer parameter within [lo, hi], returning def when
// absent.
func QueryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	return query(r, name, def, func(s string) (int, error) {
		v, err := strconv.Atoi(s)
		if err == nil && (v < lo || v > hi) {
			err = fmt.Errorf("%d outside [%d, %d]", v, lo, hi)
		}
		return v, err
	})
}

// QueryBool parses a boolean parameter, returning def when absent.
func QueryBool(r *http.Request, name string, def bool) (bool, error) {
	return query(r, name, def, strconv.ParseBool)
}
