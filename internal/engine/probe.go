package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/health"
	"github.com/eugener/warden/internal/oauth"
	"github.com/eugener/warden/internal/upstream"
)

// NewProbeFunc builds the probe the health prober runs against each account:
// decrypt credentials, issue the provider's minimal validation request, and
// succeed iff the response is 2xx.
func NewProbeFunc(reg *upstream.Registry, tr *upstream.Transports, encKey []byte) health.ProbeFunc {
	return func(ctx context.Context, account *gateway.UpstreamAccount) (int64, error) {
		creds, err := oauth.DecryptCredentials(account.CredentialsEnc, encKey)
		if err != nil {
			return 0, err
		}
		ups, err := reg.Get(account.Provider)
		if err != nil {
			return 0, err
		}
		client, err := tr.Client(account.ProxyBinding)
		if err != nil {
			return 0, err
		}

		req, err := ups.ProbeRequest(ctx, creds)
		if err != nil {
			return 0, err
		}

		start := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return latency, err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)) //nolint:errcheck
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return latency, fmt.Errorf("probe returned %d", resp.StatusCode)
		}
		return latency, nil
	}
}

