package response

import (
	"encoding/json"
	"net/http"
)

// V1Response is the common envelope of every API reply
type V1Response struct {
	Success  bool        `json:"success"`
	Messages []string    `json:"messages"`
	Result   interface{} `json:"result"`
}

// WriteResponse writes a successful reply with the given result
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V1Response{
		Success:  true,
		Messages: []string{},
		Result:   result,
	})
}

// WriteError writes a failed reply with the error's status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	messages := e.Messages
	if len(messages) == 0 && e.Message != "" {
		messages = []string{e.Message}
	}
	json.NewEncoder(w).Encode(V1Response{
		Success:  false,
		Messages: messages,
		Result:   e.Result,
	})
}
