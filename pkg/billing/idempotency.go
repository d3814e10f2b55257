package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billrun/pkg/gateway"
)

var idempotencyNamespace = uuid.MustParse("6f1c1c52-8d0e-5b7a-9a51-3c0f7b2e4d19")

// IdempotencyKey derives the gateway idempotency key for one logical
// attempt. It is stable for a subscription, billing period, dunning step and
// method, so a repeated attempt replays at the gateway instead of charging
// twice.
func IdempotencyKey(subscriptionID string, periodEnd time.Time, failureCount int, method gateway.Method) string {
	name := fmt.Sprintf("%s|%s|%d|%s", subscriptionID, periodEnd.UTC().Format(time.RFC3339Nano), failureCount, method)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
