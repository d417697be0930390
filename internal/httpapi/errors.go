package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
)

// problem is the error body of every failed request.
type problem struct {
	Error problemDetail `json:"error"`
}

type problemDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Point   string `json:"point,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var ioErr *engine.IoError
	if !errors.As(err, &ioErr) {
		return http.StatusInternalServerError
	}
	switch ioErr.Code {
	case engine.ErrCodeUnknownPoint:
		return http.StatusNotFound
	case engine.ErrCodeTypeMismatch:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeNotRunning:
		return http.StatusServiceUnavailable
	case engine.ErrCodeBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail := problemDetail{Code: "INTERNAL", Message: err.Error()}
	var ioErr *engine.IoError
	if errors.As(err, &ioErr) {
		detail = problemDetail{Code: string(ioErr.Code), Message: ioErr.Message, Point: ioErr.Point}
		if ioErr.Err != nil {
			detail.Message += ": " + ioErr.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("http request failed", "status", status, "error", err)
	}
	writeJSON(w, status, problem{Error: detail})
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: problemDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
