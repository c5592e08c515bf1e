// Package respond writes the {success, message, data?} envelope spec §7
// pins for every API response. The teacher's handlers call an identically
// named package that was not part of the retrieved source; this
// implementation is authored fresh against the spec's wire shape.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/wb-go/wbf/zlog"
)

// envelope is the wire-exact shape spec §7 requires.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to encode response body")
	}
}

// OK writes a 200 with data attached.
func OK(w http.ResponseWriter, data interface{}) {
	write(w, http.StatusOK, envelope{Success: true, Data: data})
}

// Fail writes status with err's message and success=false.
func Fail(w http.ResponseWriter, status int, err error) {
	write(w, status, envelope{Success: false, Message: err.Error()})
}
