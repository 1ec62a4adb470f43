package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/middleware"
	"github.com/unpload/unpload/internal/trash"
)

// maxJSONBody bounds request bodies of the JSON endpoints
const maxJSONBody = 1 << 20

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError is the client-facing part of a failure
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

var (
	errRouteNotFound  = apperr.NotFound(apperr.CodeNotFound, "route not found")
	errInvalidBody    = apperr.Validation("invalid request body")
	errRateLimited    = apperr.New(apperr.KindRateLimited, apperr.CodeRateLimited, "too many requests, slow down")
	errInternalPublic = &APIError{Code: apperr.CodeInternal, Message: "internal server error"}
)

// statusFor maps an error kind to its HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case apperr.KindIO:
		return http.StatusServiceUnavailable
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		s.logger.WithError(err).Debug("Failed to encode response")
	}
}

// publicError returns the status and client-facing body for err. Only the
// typed message is exposed; causes stay in the logs.
func publicError(err error) (int, *APIError) {
	status := http.StatusInternalServerError
	body := errInternalPublic

	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
		status = statusFor(e.Kind)
		body = &APIError{Code: e.Code, Message: e.Message}
	}

	var purgeErr *trash.PurgeError
	if errors.As(err, &purgeErr) {
		body = &APIError{
			Code:    apperr.CodePurgeIncomplete,
			Message: "some items could not be purged, retry to finish",
			Details: purgeErr.Report,
		}
	}
	return status, body
}

// writeError renders err in the error envelope
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorDetails(w, r, err, nil)
}

// writeErrorDetails is writeError with extra details for the client
func (s *Server) writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	status, body := publicError(err)
	if details != nil {
		body = &APIError{Code: body.Code, Message: body.Message, Details: details}
	}

	entry := s.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"code":       body.Code,
		"request_id": middleware.RequestIDFrom(r.Context()),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("API error")
	} else {
		entry.Debug("API error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: body})
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

// optionalID decodes a JSON field that may be absent, null or a string. set
// is false when the field was absent.
func optionalID(raw json.RawMessage) (id *string, set bool, err error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if string(raw) == "null" {
		return nil, true, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, errInvalidBody
	}
	if v == "" {
		return nil, true, nil
	}
	return &v, true, nil
}

// queryID returns a query parameter as an optional id; empty means root
func queryID(r *http.Request, name string) *string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	return &v
}
