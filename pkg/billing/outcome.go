package billing

import "github.com/platinummonkey/billrun/pkg/gateway"

// Trigger is why a charge is being attempted
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
	TriggerManual    Trigger = "manual"
)

// bypassesDueCheck reports whether the not-yet-due guard is skipped
func (t Trigger) bypassesDueCheck() bool {
	return t == TriggerManual || t == TriggerRetry
}

// OutcomeResult classifies an outcome for run summaries
type OutcomeResult string

const (
	OutcomeSucceeded OutcomeResult = "succeeded"
	OutcomePending   OutcomeResult = "pending"
	OutcomeFailed    OutcomeResult = "failed"
	OutcomeSkipped   OutcomeResult = "skipped"
)

// Outcome is the per-subscription result of one orchestration
type Outcome struct {
	SubscriptionID string             `json:"subscription_id"`
	AccountID      string             `json:"account_id"`
	Trigger        Trigger            `json:"trigger"`
	Result         OutcomeResult      `json:"result"`
	Reason         string             `json:"reason"`
	Message        string             `json:"message,omitempty"`
	TransactionID  string             `json:"transaction_id,omitempty"`
	Method         gateway.Method     `json:"payment_method,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
}

func newOutcome(sub *Subscription, trigger Trigger) *Outcome {
	return &Outcome{
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		Trigger:        trigger,
		Status:         sub.Status,
	}
}

func (o *Outcome) finish(result OutcomeResult, reason, message string) *Outcome {
	o.Result = result
	o.Reason = reason
	o.Message = message
	return o
}

func (o *Outcome) skip(reason string) *Outcome {
	return o.finish(OutcomeSkipped, reason, "")
}

func (o *Outcome) fail(reason, message string) *Outcome {
	return o.finish(OutcomeFailed, reason, message)
}
