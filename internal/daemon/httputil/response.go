package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Protocol result codes. The scheduler treats any code other than 200
// as a failure; transport status is always HTTP 200.
const (
	CodeSuccess = 200
	CodeFailure = 500
)

// Reply is the envelope every executor endpoint answers with.
type Reply struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg,omitempty"`
	Content any    `json:"content,omitempty"`
}

// OK returns a success reply with no content.
func OK() Reply {
	return Reply{Code: CodeSuccess}
}

// OKMsg returns a success reply with a message.
func OKMsg(msg string) Reply {
	return Reply{Code: CodeSuccess, Msg: msg}
}

// OKContent returns a success reply carrying content.
func OKContent(content any) Reply {
	return Reply{Code: CodeSuccess, Content: content}
}

// Fail returns a failure reply with a message.
func Fail(msg string) Reply {
	return Reply{Code: CodeFailure, Msg: msg}
}

// WriteReply writes the envelope. Errors are signalled in-band through
// the code field, never through the HTTP status.
func WriteReply(w http.ResponseWriter, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}
