// Package response writes the JSON bodies shared by every API handler.
package response

import (
	"encoding/json"
	"net/http"
)

const contentTypeJSON = "application/json"

var encodeFailureBody = []byte(`{"error":{"code":"INTERNAL_SERVER_ERROR","message":"failed to encode response"}}` + "\n")

// JSON writes data with status. The body is encoded before the header is
// sent, so an unencodable value turns into a 500 instead of a truncated body.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailureBody)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}

// Accepted writes a 202 carrying data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes an empty 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
