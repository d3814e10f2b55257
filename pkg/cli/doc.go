// Package cli provides the billrun operator command-line interface.
//
// # Commands
//
// run: trigger a billing run on a running server
//
//	billrun-cli run --server https://billing.internal --secret "$BILLRUN_SCHEDULER_SECRET"
//	billrun-cli run --subscription sub_123 \
//		--client-id ops-cli --client-secret "$SECRET" \
//		--token-url https://idp.example.com/oauth2/token
//
// With --client-id and --token-url the CLI obtains an operator token through
// the OAuth2 client credentials grant; otherwise it presents the scheduler
// secret.
//
// health: check server readiness
//
//	billrun-cli health --server http://localhost:9090
package cli
