// Package config provides application configuration management from
// environment variables and an optional YAML file.
//
// # Overview
//
// Defaults are applied first, then the YAML file named by
// BILLRUN_CONFIG_FILE, then environment variables. The result is
// validated before it is returned.
//
// # Configuration Structure
//
// Server settings:
//
//	BILLRUN_HOST="0.0.0.0"
//	BILLRUN_PORT="8080"
//	BILLRUN_HEALTH_PORT="9090"
//	BILLRUN_READ_TIMEOUT="15s"
//	BILLRUN_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	BILLRUN_STORAGE_DRIVER="postgres"  # postgres, memory
//	BILLRUN_POSTGRES_URL="postgres://localhost/billrun"
//	BILLRUN_POSTGRES_REPLICA_URLS="postgres://replica1/billrun,postgres://replica2/billrun"
//	BILLRUN_POSTGRES_MAX_CONNS="20"
//	BILLRUN_REDIS_URL="redis://localhost:6379"  # enables the shared charge lock
//	BILLRUN_ACCOUNT_CACHE_TTL="1m"
//
// Billing settings:
//
//	BILLRUN_SCHEDULE="*/15 * * * *"  # empty disables the in-process schedule
//	BILLRUN_WORKERS="4"
//	BILLRUN_GATEWAY_TIMEOUT="30s"
//	BILLRUN_RUN_TIMEOUT="10m"
//	BILLRUN_MAX_FAILURES="3"
//	BILLRUN_GRACE_PERIOD="168h"
//	BILLRUN_RETRY_INTERVAL="72h"
//
// Gateway and auth settings:
//
//	BILLRUN_STRIPE_SECRET_KEY="sk_live_..."
//	BILLRUN_STRIPE_WEBHOOK_SECRET="whsec_..."
//	BILLRUN_SCHEDULER_SECRET="..."
//	BILLRUN_OIDC_ISSUER_URL="https://auth.example.com"
//	BILLRUN_OIDC_AUDIENCE="billrun"
//	BILLRUN_OPERATOR_ROLE="billing-operator"
//
// Observability settings:
//
//	BILLRUN_LOG_LEVEL="info"  # debug, info, warn, error
//	BILLRUN_METRICS_ENABLED="true"
//	BILLRUN_OTEL_ENABLED="true"
//	BILLRUN_OTEL_ENDPOINT="otel-collector:4317"
//	BILLRUN_AUDIT_LOG_DIR="/var/log/billrun/audit"  # empty disables the audit trail
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	policy := cfg.Billing.RetryPolicy()
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
//   - pkg/billing: Uses the retry policy and worker settings
package config
