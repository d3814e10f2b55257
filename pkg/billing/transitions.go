package billing

import "time"

// applySuccess advances the period from the old period end, never from now,
// and clears all dunning state.
func applySuccess(s *Subscription, transactionID string, now time.Time) *Subscription {
	next := s.Clone()
	next.CurrentPeriodStart = s.CurrentPeriodEnd
	next.CurrentPeriodEnd = s.BillingCycle.Advance(s.CurrentPeriodEnd)
	next.Status = SubscriptionStatusActive
	next.PaymentFailureCount = 0
	next.LastPaymentError = nil
	next.GracePeriodEnd = nil
	next.NextRetryDate = nil
	next.CancelAtPeriodEnd = false
	next.PaymentPending = false
	next.ProrationAmount.Valid = false
	if transactionID != "" {
		next.LatestPaymentID = stringPtr(transactionID)
	}
	next.UpdatedAt = now
	return next
}

// applyPending marks an accepted bank transfer as awaiting settlement. The
// period and dunning state are untouched until the webhook resolves it.
func applyPending(s *Subscription, transactionID string, now time.Time) *Subscription {
	next := s.Clone()
	next.PaymentPending = true
	next.LatestPaymentID = stringPtr(transactionID)
	next.UpdatedAt = now
	return next
}

// applyFailure counts one failed attempt. transactionID is empty when the
// gateway never issued one, in which case no transaction is current.
func applyFailure(p RetryPolicy, s *Subscription, transactionID, reason string, now time.Time) *Subscription {
	d := p.OnFailure(DunningOf(s), reason, now)

	next := s.Clone()
	next.Status = d.Status
	next.PaymentFailureCount = d.FailureCount
	next.GracePeriodEnd = d.GracePeriodEnd
	next.NextRetryDate = d.NextRetryDate
	next.LastPaymentError = d.LastError
	next.PaymentPending = false
	if transactionID != "" {
		next.LatestPaymentID = stringPtr(transactionID)
	} else {
		next.LatestPaymentID = nil
	}
	next.UpdatedAt = now
	return next
}

// applyManualRequired moves a subscription without an automated processor to unpaid
func applyManualRequired(s *Subscription, now time.Time) *Subscription {
	next := s.Clone()
	next.Status = SubscriptionStatusUnpaid
	next.LastPaymentError = stringPtr(ErrManualPayment.Error())
	next.NextRetryDate = nil
	next.UpdatedAt = now
	return next
}
