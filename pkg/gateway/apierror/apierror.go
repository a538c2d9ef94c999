// Package apierror maps errors to the JSON error envelope and HTTP status.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

var statusByType = map[core.ErrorType]int{
	core.ErrInvalidRequest:       http.StatusBadRequest,
	core.ErrAuthentication:       http.StatusUnauthorized,
	core.ErrPermission:           http.StatusForbidden,
	core.ErrPermissionDenied:     http.StatusForbidden,
	core.ErrNotFound:             http.StatusNotFound,
	core.ErrConflict:             http.StatusConflict,
	core.ErrBusy:                 http.StatusConflict,
	core.ErrRateLimit:            http.StatusTooManyRequests,
	core.ErrConfigurationMissing: http.StatusUnprocessableEntity,
	core.ErrUpstream:             http.StatusBadGateway,
	core.ErrTransport:            http.StatusBadGateway,
	core.ErrConnectTimeout:       http.StatusGatewayTimeout,
	core.ErrReplyTimeout:         http.StatusGatewayTimeout,
	core.ErrAPI:                  http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error type; unknown types are 500.
func StatusFor(t core.ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// sentinels are plain errors from lower layers with a fixed public rendering.
var sentinels = []struct {
	err    error
	typ    core.ErrorType
	msg    string
	code   string
	status int
}{
	{context.DeadlineExceeded, core.ErrAPI, "request timeout", "", http.StatusGatewayTimeout},
	{context.Canceled, core.ErrAPI, "request cancelled", "cancelled", http.StatusRequestTimeout},
	{store.ErrNotFound, core.ErrNotFound, "not found", "", http.StatusNotFound},
	{store.ErrConflict, core.ErrConflict, "already exists", "", http.StatusConflict},
}

// FromError converts err into the public error and its status. Details of
// unrecognized errors are not exposed.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var ce *core.Error
	if errors.As(err, &ce) && ce != nil {
		out := *ce
		out.RequestID = requestID
		return &out, StatusFor(ce.Type)
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   "request body too large",
			RequestID: requestID,
		}, http.StatusRequestEntityTooLarge
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return &core.Error{Type: s.typ, Message: s.msg, Code: s.code, RequestID: requestID}, s.status
		}
	}

	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write renders err as the JSON envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	ce, status := FromError(err, requestID)
	WriteError(w, status, ce)
}

func WriteError(w http.ResponseWriter, status int, ce *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}
