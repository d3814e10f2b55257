// Package audit records who triggered billing runs and what became of
// gateway webhook deliveries.
//
// # Event Types
//
// Runs: run_triggered, run_rejected, run_failed
// Webhooks: reconciled, rejected, failed
//
// # Usage Example
//
//	logger, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: dir})
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	event := audit.NewRequestEvent(r, audit.EventTypeRunTriggered, audit.EventStatusSuccess)
//	event.ResourceType = audit.ResourceTypeRun
//	event.ResourceID = summary.RunID
//	logger.Log(ctx, event)
//
// Events are written as JSON lines to audit.log; full files are renamed
// with a timestamp and the oldest are removed beyond MaxFiles.
//
// # Related Packages
//
//   - pkg/api: Emits events for the trigger and webhook endpoints
//   - pkg/auth: Supplies the caller recorded on each event
package audit
