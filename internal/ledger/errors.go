package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxMessage bounds error bodies kept in StatusError.Message.
const maxMessage = 256

// ErrStateConflict matches ledger rejections caused by the client acting on
// outdated balance or energy, e.g. after another device spent them.
var ErrStateConflict = errors.New("ledger: state conflict")

// StatusError is a non-2xx response from the ledger.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("ledger %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// HTTPStatus exposes the status for retry classification.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Is lets errors.Is(err, ErrStateConflict) detect conflicts.
func (e *StatusError) Is(target error) bool {
	return target == ErrStateConflict && e.conflict()
}

func (e *StatusError) conflict() bool {
	switch e.StatusCode {
	case http.StatusConflict:
		return true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		msg := strings.ToLower(e.Message)
		return strings.Contains(msg, "insufficient") || strings.Contains(msg, "mismatch")
	default:
		return false
	}
}

// DecodeError is a 2xx response whose body could not be decoded. The ledger
// accepted the request; only its answer is unreadable.
type DecodeError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ledger %s: error decoding response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HTTPStatus reports the 2xx status, so the error is never retried.
func (e *DecodeError) HTTPStatus() int {
	return e.StatusCode
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessage {
		cut := maxMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
