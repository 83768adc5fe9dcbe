package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/dipcrawl/safeurl"
)

// maxHTTPResponseBody caps remote responses (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// httpConfig is the per-route JSON config.
type httpConfig struct {
	TimeoutMs    int64             `json:"timeout_ms"`
	ContentType  string            `json:"content_type"`
	Headers      map[string]string `json:"headers"`
	AllowPrivate bool              `json:"allow_private"`
}

// HTTPFactory creates Handlers that POST the payload to a remote endpoint.
// Static headers from the route config carry credentials
// ({"headers":{"Authorization":"Bearer ..."}}). Private addresses are refused
// unless the config sets allow_private.
func HTTPFactory() TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: config: %w", err)
			}
		}

		validate := safeurl.ValidateURL
		if cfg.AllowPrivate {
			validate = safeurl.AllowPrivate
		}
		if err := validate(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}

		timeout := 60 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		contentType := "application/json"
		if cfg.ContentType != "" {
			contentType = cfg.ContentType
		}

		client := &http.Client{Timeout: timeout}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := safeurl.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				if len(body) > 512 {
					body = body[:512]
				}
				return nil, &ErrRemoteStatus{Status: resp.StatusCode, Body: string(body)}
			}
			return body, nil
		}

		return handler, client.CloseIdleConnections, nil
	}
}
