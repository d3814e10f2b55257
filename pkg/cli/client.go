package cli

import (
	"context"
	"flag"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/billrun/pkg/auth"
)

// credentials selects how requests to the run endpoint authenticate: the
// scheduler secret, or an operator token from an OAuth2 client credentials
// grant.
type credentials struct {
	secret       *string
	clientID     *string
	clientSecret *string
	tokenURL     *string
	scopes       *string
}

func addCredentialFlags(fs *flag.FlagSet) *credentials {
	return &credentials{
		secret:       fs.String("secret", getEnv("BILLRUN_SCHEDULER_SECRET", ""), "Scheduler shared secret"),
		clientID:     fs.String("client-id", getEnv("BILLRUN_CLIENT_ID", ""), "OAuth2 client id for an operator token"),
		clientSecret: fs.String("client-secret", getEnv("BILLRUN_CLIENT_SECRET", ""), "OAuth2 client secret"),
		tokenURL:     fs.String("token-url", getEnv("BILLRUN_TOKEN_URL", ""), "OAuth2 token endpoint"),
		scopes:       fs.String("scopes", getEnv("BILLRUN_SCOPES", "openid"), "Comma-separated OAuth2 scopes"),
	}
}

func (c *credentials) useClientCredentials() bool {
	return *c.clientID != "" && *c.tokenURL != ""
}

// httpClient returns a client that authenticates every request
func (c *credentials) httpClient(ctx context.Context, timeout time.Duration) *http.Client {
	if c.useClientCredentials() {
		cfg := clientcredentials.Config{
			ClientID:     *c.clientID,
			ClientSecret: *c.clientSecret,
			TokenURL:     *c.tokenURL,
			Scopes:       splitScopes(*c.scopes),
		}
		client := cfg.Client(ctx)
		client.Timeout = timeout
		return client
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &secretTransport{
			secret: *c.secret,
			base:   http.DefaultTransport,
		},
	}
}

type secretTransport struct {
	secret string
	base   http.RoundTripper
}

func (t *secretTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.secret == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(auth.SchedulerSecretHeader, t.secret)
	return t.base.RoundTrip(clone)
}

func splitScopes(s string) []string {
	var scopes []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
