package autoerr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the error half of the uniform HTTP envelope.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Envelope is the uniform response body for every bridge endpoint.
type Envelope struct {
	OK       bool            `json:"ok"`
	Status   string          `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// OKEnvelope builds a success envelope with an optional output payload.
func OKEnvelope(status string, output json.RawMessage) Envelope {
	return Envelope{OK: true, Status: status, Output: output}
}

// FailEnvelope builds an error envelope from a coded error.
func FailEnvelope(err error) Envelope {
	var body ErrorBody
	var e *Error
	if errors.As(err, &e) {
		body = ErrorBody{Code: e.Code, Message: e.Message, Action: e.Action}
	} else {
		body = ErrorBody{Code: CodeInternal, Message: err.Error()}
	}
	return Envelope{OK: false, Status: "error", Error: &body}
}

// WriteJSON writes an envelope with the HTTP status derived from its code.
func (env Envelope) WriteJSON(w http.ResponseWriter) {
	status := http.StatusOK
	if env.Error != nil {
		status = HTTPStatus(env.Error.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
