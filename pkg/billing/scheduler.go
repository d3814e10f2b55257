package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/billrun/pkg/async"
	"github.com/platinummonkey/billrun/pkg/auth"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// Charger is the part of the orchestrator the scheduler depends on
type Charger interface {
	Charge(ctx context.Context, sub *Subscription, account *AccountPaymentConfig, trigger Trigger) *Outcome
}

// SchedulerConfig configures billing runs
type SchedulerConfig struct {
	Policy RetryPolicy
	// Workers bounds the number of subscriptions charged concurrently.
	Workers int
	// RunTimeout bounds a whole run. Zero means no limit.
	RunTimeout time.Duration
	Now        func() time.Time
}

// RunRequest selects what a billing run charges. At most one of
// SubscriptionID and AccountID may be set.
type RunRequest struct {
	Caller         auth.Caller `json:"-"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	AccountID      string      `json:"account_id,omitempty"`
}

// RunSummary reports a billing run. Pending charges count as succeeded.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Caller     string     `json:"caller"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Processed  int        `json:"processed"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Results    []*Outcome `json:"results"`
}

func (s *RunSummary) add(o *Outcome) {
	s.Processed++
	switch o.Result {
	case OutcomeSucceeded, OutcomePending:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
	s.Results = append(s.Results, o)
}

// Scheduler selects subscriptions that need charging and fans them out to
// the orchestrator. It never mutates subscription state itself.
type Scheduler struct {
	store      Store
	charger    Charger
	policy     RetryPolicy
	workers    int
	runTimeout time.Duration
	now        func() time.Time
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// NewScheduler creates a scheduler
func NewScheduler(store Store, charger Charger, cfg SchedulerConfig, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy.MaxFailures == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Scheduler{
		store:      store,
		charger:    charger,
		policy:     cfg.Policy,
		workers:    cfg.Workers,
		runTimeout: cfg.RunTimeout,
		now:        cfg.Now,
		logger:     logger,
		metrics:    metrics,
		tracer:     observability.Tracer("billing"),
	}
}

type candidate struct {
	sub     *Subscription
	trigger Trigger
}

// Run executes one billing run. Errors are returned only for rejected
// requests and selection failures; per-subscription problems are reported
// in the summary.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if !req.Caller.CanTriggerRuns() {
		return nil, ErrUnauthorized
	}
	if req.SubscriptionID != "" && req.AccountID != "" {
		return nil, ErrInvalidTarget
	}

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		Caller:    req.Caller.String(),
		StartedAt: s.now(),
		Results:   []*Outcome{},
	}

	ctx, span := s.tracer.Start(ctx, "billing.Run", trace.WithAttributes(
		attribute.String("billing.run_id", summary.RunID),
		attribute.String("billing.caller", summary.Caller),
	))
	defer span.End()

	logger := s.logger.WithFields(map[string]interface{}{
		"run_id": summary.RunID,
		"caller": summary.Caller,
	})

	start := time.Now()
	candidates, err := s.selectCandidates(ctx, req, summary.StartedAt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logger.Infof("billing run selected %d subscriptions", len(candidates))

	outcomes := make([]*Outcome, len(candidates))
	errs := async.ForEach(ctx, s.workers, len(candidates), func(ctx context.Context, i int) error {
		outcomes[i] = s.process(ctx, candidates[i])
		return nil
	})

	for i, c := range candidates {
		out := outcomes[i]
		if errs != nil && errs[i] != nil {
			out = newOutcome(c.sub, c.trigger).fail(ReasonUnexpectedError, errs[i].Error())
			logger.WithSubscription(c.sub.ID, c.sub.AccountID).WithError(errs[i]).Error("charge aborted")
		}
		summary.add(out)
	}
	summary.FinishedAt = s.now()

	span.SetAttributes(
		attribute.Int("billing.processed", summary.Processed),
		attribute.Int("billing.succeeded", summary.Succeeded),
		attribute.Int("billing.failed", summary.Failed),
		attribute.Int("billing.skipped", summary.Skipped),
	)
	s.metrics.RecordRun(string(req.Caller.Kind), len(candidates), start)
	logger.WithFields(map[string]interface{}{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("billing run finished")

	return summary, nil
}

func (s *Scheduler) process(ctx context.Context, c candidate) *Outcome {
	account, err := s.store.GetAccountConfig(ctx, c.sub.AccountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return newOutcome(c.sub, c.trigger).fail(ReasonAccountConfigError, err.Error())
	}
	return s.charger.Charge(ctx, c.sub, account, c.trigger)
}

func (s *Scheduler) selectCandidates(ctx context.Context, req RunRequest, now time.Time) ([]candidate, error) {
	switch {
	case req.SubscriptionID != "":
		sub, err := s.store.GetSubscription(ctx, req.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription %s: %w", req.SubscriptionID, err)
		}
		return []candidate{{sub: sub, trigger: TriggerManual}}, nil

	case req.AccountID != "":
		subs, err := s.store.ListByAccount(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for account %s: %w", req.AccountID, err)
		}
		var out []candidate
		for _, sub := range subs {
			switch {
			case sub.Status == SubscriptionStatusActive && !sub.CancelAtPeriodEnd:
				out = append(out, candidate{sub: sub, trigger: TriggerScheduled})
			case s.policy.RetryEligible(sub, now):
				out = append(out, candidate{sub: sub, trigger: TriggerRetry})
			}
		}
		return out, nil
	}

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	retries, err := s.store.ListRetryCandidates(ctx, now, s.policy.MaxFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	seen := make(map[string]struct{}, len(due)+len(retries))
	var out []candidate
	add := func(sub *Subscription, trigger Trigger) {
		if _, ok := seen[sub.ID]; ok {
			return
		}
		seen[sub.ID] = struct{}{}
		out = append(out, candidate{sub: sub, trigger: trigger})
	}
	for _, sub := range due {
		if s.policy.Due(sub, now) {
			add(sub, TriggerScheduled)
		}
	}
	for _, sub := range retries {
		if s.policy.RetryEligible(sub, now) {
			add(sub, TriggerRetry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].sub.ID < out[j].sub.ID })
	return out, nil
}
