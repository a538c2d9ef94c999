package handlers

import (
	"net/http"

	"github.com/vango-go/voice-orchestrator/pkg/core"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ce := core.NewNotFoundError("no route for " + r.Method + " " + r.URL.Path)
	ce.RequestID = requestIDFromContext(r)
	apierror.WriteError(w, http.StatusNotFound, ce)
}
