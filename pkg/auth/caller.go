package auth

import (
	"context"
	"errors"

	"github.com/platinummonkey/billrun/pkg/contextkeys"
)

// CallerKind is the class of principal triggering a billing run
type CallerKind string

const (
	CallerSystem    CallerKind = "system"
	CallerScheduler CallerKind = "scheduler"
	CallerOperator  CallerKind = "operator"
)

var (
	// ErrUnauthenticated is returned when no valid credentials are presented
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when credentials are valid but lack the operator role
	ErrForbidden = errors.New("forbidden")
)

// Caller is the authenticated principal of a billing run
type Caller struct {
	Kind    CallerKind `json:"kind"`
	Subject string     `json:"subject,omitempty"`
	Roles   []string   `json:"roles,omitempty"`
}

// SystemCaller is the identity of the in-process cron trigger
func SystemCaller() Caller {
	return Caller{Kind: CallerSystem, Subject: "cron"}
}

// SchedulerCaller is the identity granted to holders of the scheduler secret
func SchedulerCaller() Caller {
	return Caller{Kind: CallerScheduler, Subject: "scheduler"}
}

// CanTriggerRuns reports whether the caller may start a billing run
func (c Caller) CanTriggerRuns() bool {
	switch c.Kind {
	case CallerSystem, CallerScheduler:
		return true
	case CallerOperator:
		return c.Subject != ""
	default:
		return false
	}
}

// HasRole reports whether the caller carries role
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// String returns kind:subject for logs
func (c Caller) String() string {
	if c.Subject == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Subject
}

// WithCaller stores the caller in ctx
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return contextkeys.WithCaller(ctx, caller)
}

// CallerFromContext returns the caller stored by WithCaller
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(contextkeys.CallerKey).(Caller)
	return caller, ok
}
