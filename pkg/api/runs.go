package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/billrun/pkg/audit"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/middleware"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// triggerRun handles POST /v1/billing/runs. An empty body runs every due
// and retry-eligible subscription.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		httputil.WriteServiceUnavailable(w, "billing scheduler not configured")
		return
	}

	caller, ok := middleware.GetCaller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "caller required")
		return
	}

	var req billing.RunRequest
	if err := httputil.ParseOptionalJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	req.Caller = caller

	summary, err := s.scheduler.Run(r.Context(), req)
	if err != nil {
		status := runErrorStatus(err)
		event := runAuditEvent(r, req, audit.EventTypeRunRejected, audit.EventStatusFailure, status)
		event.ErrorMessage = err.Error()

		switch status {
		case http.StatusForbidden:
			event.Status = audit.EventStatusDenied
			httputil.WriteForbidden(w, err.Error())
		case http.StatusBadRequest:
			httputil.WriteBadRequest(w, err.Error())
		case http.StatusNotFound:
			httputil.WriteNotFoundError(w, err.Error())
		default:
			event.EventType = audit.EventTypeRunFailed
			observability.FromContext(r.Context()).WithField("caller", caller.String()).
				WithError(err).Error("billing run failed")
			httputil.WriteInternalError(w, err)
		}
		s.recordAudit(r, event)
		return
	}

	event := runAuditEvent(r, req, audit.EventTypeRunTriggered, audit.EventStatusSuccess, http.StatusOK)
	event.Metadata["run_id"] = summary.RunID
	event.Metadata["processed"] = summary.Processed
	event.Metadata["succeeded"] = summary.Succeeded
	event.Metadata["failed"] = summary.Failed
	event.Metadata["skipped"] = summary.Skipped
	s.recordAudit(r, event)

	httputil.WriteSuccess(w, summary)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func runAuditEvent(r *http.Request, req billing.RunRequest, eventType audit.EventType, status audit.EventStatus, code int) *audit.AuditEvent {
	event := audit.NewRequestEvent(r, eventType, status)
	event.StatusCode = code
	switch {
	case req.SubscriptionID != "":
		event.ResourceType = audit.ResourceTypeSubscription
		event.ResourceID = req.SubscriptionID
	case req.AccountID != "":
		event.ResourceType = audit.ResourceTypeAccount
		event.ResourceID = req.AccountID
	default:
		event.ResourceType = audit.ResourceTypeRun
	}
	return event
}
