package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bloks/cmd/internal/apperr"

	"github.com/go-chi/render"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Cache-Control", "no-store")
	render.Status(r, status)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeAppError maps an apperr kind to its status, wire code and public message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, apperr.HTTPStatus(err), apperr.Code(err), apperr.PublicMessage(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
