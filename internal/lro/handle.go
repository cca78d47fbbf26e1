// Package lro drives remote long-running operations to completion.
//
// A submission answered with 202 Accepted yields a Handle (poll URL plus the
// server-suggested interval). The Poller checks the handle at that fixed
// interval until the operation reports Succeeded or Failed, or until its wait
// budget runs out, then fetches the composite result.
package lro

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/shiki/internal/remote"
)

// DefaultRetryAfter is used when a submission carries no usable Retry-After.
const DefaultRetryAfter = 30 * time.Second

const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// Handle references a server-side long-running job.
type Handle struct {
	PollURL    string
	RetryAfter time.Duration
}

// HandleFromResponse builds a Handle from a 202 Accepted reply. The poll URL
// comes from Location; the interval from Retry-After in whole seconds, falling
// back to def when absent, non-numeric, negative or too large for a Duration.
func HandleFromResponse(resp *remote.Response, def time.Duration) (Handle, error) {
	loc := strings.TrimSpace(resp.Header.Get("Location"))
	if loc == "" {
		return Handle{}, remote.Errorf(remote.KindOperationFailed, "accepted response carried no Location header")
	}
	return Handle{PollURL: loc, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), def)}, nil
}

func parseRetryAfter(v string, def time.Duration) time.Duration {
	if def < 0 {
		def = DefaultRetryAfter
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 || n > maxRetryAfterSeconds {
		return def
	}
	return time.Duration(n) * time.Second
}

// State is the remote's view of an operation.
type State string

// Terminal states end polling; anything else counts as still running.
const (
	StateNotStarted State = "NotStarted"
	StateRunning    State = "Running"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
)

// Status is one poll observation.
type Status struct {
	State           State           `json:"status"`
	PercentComplete *int            `json:"percentComplete,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
}

// Terminal reports whether no further polling should happen.
func (s Status) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// ErrorMessage extracts a human-readable message from the embedded error,
// which services report either as a bare string or as an object with
// errorCode/message fields. Returns "" when there is none.
func (s Status) ErrorMessage() string {
	raw := bytes.TrimSpace(s.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var obj struct {
		ErrorCode string `json:"errorCode"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		code := obj.ErrorCode
		if code == "" {
			code = obj.Code
		}
		switch {
		case code != "" && obj.Message != "":
			return code + ": " + obj.Message
		case obj.Message != "":
			return obj.Message
		case code != "":
			return code
		}
	}
	return string(raw)
}
