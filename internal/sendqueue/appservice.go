package sendqueue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPAppserviceClient pushes transactions to registered bridges over HTTP,
// authenticating each request with an HMAC-SHA256 signature over the body
// keyed by the registration's shared secret, so a bridge can verify the
// push actually came from this homeserver.
type HTTPAppserviceClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPAppserviceClient constructs a client with the same 10s timeout
// convention used elsewhere for outbound HTTP pushes.
func NewHTTPAppserviceClient(logger *slog.Logger) *HTTPAppserviceClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAppserviceClient{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// PushEvents POSTs txn to reg.PushURL with an X-AmityVox-Signature header
// carrying the hex-encoded HMAC-SHA256 of the request body.
func (c *HTTPAppserviceClient) PushEvents(ctx context.Context, reg *AppserviceRegistration, txn AppserviceTransaction) error {
	if !reg.Enabled {
		return fmt.Errorf("sendqueue: appservice %q is disabled", reg.ID)
	}

	body, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("marshaling appservice transaction: %w", err)
	}

	mac := hmac.New(sha256.New, reg.HMACSecret)
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.PushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating appservice push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AmityVox-Appservice/1.0")
	req.Header.Set("X-AmityVox-Signature", signature)
	req.Header.Set("X-AmityVox-Txn-Id", txn.TxnID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing to appservice %q: %w", reg.ID, err)
	}
	defer resp.Body.Close()

	respPreview, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("appservice push rejected",
			slog.String("appservice_id", reg.ID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respPreview)),
		)
		return fmt.Errorf("appservice %q rejected push: HTTP %d", reg.ID, resp.StatusCode)
	}

	return nil
}
