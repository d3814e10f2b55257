package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/billrun/pkg/billing"
)

func newRunCommand() *Command {
	cmd := &Command{
		Name:        "run",
		Description: "Trigger a billing run on the billrun server",
		Flags:       flag.NewFlagSet("run", flag.ContinueOnError),
	}

	server := cmd.Flags.String("server", getEnv("BILLRUN_URL", "http://localhost:8080"), "billrun API URL")
	subscription := cmd.Flags.String("subscription", "", "Only charge this subscription")
	account := cmd.Flags.String("account", "", "Only charge this account's subscriptions")
	format := cmd.Flags.String("format", "text", "Output format: text, json")
	timeout := cmd.Flags.Duration("timeout", 15*time.Minute, "Request timeout")
	verbose := cmd.Flags.Bool("verbose", false, "Enable debug logging")
	creds := addCredentialFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *subscription != "" && *account != "" {
			return fmt.Errorf("--subscription and --account are mutually exclusive")
		}
		if *format != "text" && *format != "json" {
			return fmt.Errorf("unsupported format: %s", *format)
		}

		logger := newLogger(*verbose)
		ctx := context.Background()
		client := creds.httpClient(ctx, *timeout)

		summary, raw, err := triggerRun(ctx, client, *server, billing.RunRequest{
			SubscriptionID: *subscription,
			AccountID:      *account,
		}, logger)
		if err != nil {
			return err
		}

		if *format == "json" {
			_, err := stdout.Write(raw)
			return err
		}
		printSummary(stdout, summary)
		if summary.Failed > 0 {
			logger.WithField("failed", summary.Failed).Warn("some charges failed")
		}
		return nil
	}

	return cmd
}

func triggerRun(ctx context.Context, client *http.Client, server string, req billing.RunRequest, logger *logrus.Logger) (*billing.RunSummary, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(server, "/") + "/v1/billing/runs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logger.WithFields(logrus.Fields{
		"url":          url,
		"subscription": req.SubscriptionID,
		"account":      req.AccountID,
	}).Debug("triggering billing run")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, nil, fmt.Errorf("billing run rejected (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, nil, fmt.Errorf("billing run rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var summary billing.RunSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &summary, raw, nil
}

func printSummary(w io.Writer, s *billing.RunSummary) {
	fmt.Fprintf(w, "Run %s by %s: %d processed, %d succeeded, %d failed, %d skipped\n",
		s.RunID, s.Caller, s.Processed, s.Succeeded, s.Failed, s.Skipped)
	if len(s.Results) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBSCRIPTION\tTRIGGER\tRESULT\tREASON\tSTATUS\tTRANSACTION")
	for _, o := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.SubscriptionID, o.Trigger, o.Result, o.Reason, o.Status, o.TransactionID)
	}
	tw.Flush()
}
