package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/billrun/pkg/audit"
	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/gateway"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// receiveWebhook handles POST /v1/billing/webhooks/{gateway}. Verified events
// are acknowledged with 200 whether applied or discarded; only a ledger
// failure answers 500 so the gateway redelivers.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "gateway")
	if !ok {
		return
	}
	event := audit.NewRequestEvent(r, audit.EventTypeWebhookReconciled, audit.EventStatusSuccess)
	event.Metadata["gateway"] = name

	status := s.handleWebhook(w, r, gateway.Kind(name), event)

	event.StatusCode = status
	s.recordAudit(r, event)
	s.otelMetrics.RecordWebhookDelivery(r.Context(), name, status)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, kind gateway.Kind, event *audit.AuditEvent) int {
	logger := observability.FromContext(r.Context()).WithField("gateway", string(kind))
	reject := func(status audit.EventStatus, message string) {
		event.EventType = audit.EventTypeWebhookRejected
		event.Status = status
		event.Message = message
	}

	parser, ok := s.gateways.Parser(kind)
	if !ok {
		reject(audit.EventStatusFailure, "unknown gateway")
		httputil.WriteBadRequest(w, "unknown gateway: "+string(kind))
		return http.StatusBadRequest
	}
	if s.reconciler == nil {
		reject(audit.EventStatusFailure, "reconciler not configured")
		httputil.WriteServiceUnavailable(w, "webhook reconciler not configured")
		return http.StatusServiceUnavailable
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		reject(audit.EventStatusFailure, "unreadable body")
		httputil.WriteBadRequest(w, "failed to read request body")
		return http.StatusBadRequest
	}

	ev, err := parser.ParseEvent(payload, r.Header.Get(parser.SignatureHeader()))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			reject(audit.EventStatusDenied, "invalid signature")
			logger.Warn("webhook signature verification failed")
			httputil.WriteBadRequest(w, "invalid signature")
		} else {
			reject(audit.EventStatusFailure, "malformed event")
			logger.WithError(err).Warn("malformed webhook payload")
			httputil.WriteBadRequest(w, "malformed event")
		}
		return http.StatusBadRequest
	}
	event.ResourceType = audit.ResourceTypeTransaction
	event.ResourceID = ev.TransactionID
	event.Metadata["gateway_event_id"] = ev.ID
	event.Metadata["gateway_status"] = string(ev.Status)

	res, err := s.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		event.EventType = audit.EventTypeWebhookFailed
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = err.Error()
		if errors.Is(err, billing.ErrChargeInFlight) {
			// the gateway redelivers on 5xx once the charge is recorded
			w.Header().Set("Retry-After", "5")
			httputil.WriteServiceUnavailable(w, "charge in progress for subscription; retry later")
			return http.StatusServiceUnavailable
		}
		httputil.WriteInternalError(w, err)
		return http.StatusInternalServerError
	}

	event.Message = string(res.Action)
	event.Metadata["reason"] = res.Reason
	event.Metadata["subscription_id"] = res.SubscriptionID
	httputil.WriteSuccess(w, res)
	return http.StatusOK
}
