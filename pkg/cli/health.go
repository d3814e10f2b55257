package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/billrun/pkg/observability"
)

func newHealthCommand() *Command {
	cmd := &Command{
		Name:        "health",
		Description: "Check readiness of a billrun server",
		Flags:       flag.NewFlagSet("health", flag.ContinueOnError),
	}

	server := cmd.Flags.String("server", getEnv("BILLRUN_HEALTH_URL", "http://localhost:9090"), "billrun health URL")
	timeout := cmd.Flags.Duration("timeout", 10*time.Second, "Request timeout")
	verbose := cmd.Flags.Bool("verbose", false, "Enable debug logging")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		logger := newLogger(*verbose)

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()

		url := strings.TrimRight(*server, "/") + "/health/ready"
		logger.WithField("url", url).Debug("checking readiness")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		var status observability.HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("failed to decode health status: %w", err)
		}

		fmt.Fprintf(stdout, "status: %s\n", status.Status)
		names := make([]string, 0, len(status.Dependencies))
		for name := range status.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			dep := status.Dependencies[name]
			if dep.Message != "" {
				fmt.Fprintf(stdout, "  %s: %s (%s)\n", name, dep.Status, dep.Message)
			} else {
				fmt.Fprintf(stdout, "  %s: %s\n", name, dep.Status)
			}
		}

		if status.Status == observability.StatusUnhealthy {
			return fmt.Errorf("server is unhealthy")
		}
		return nil
	}

	return cmd
}
