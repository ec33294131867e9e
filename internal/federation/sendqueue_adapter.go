package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/amityvox/amityvox/internal/sendqueue"
)

// PDUEnqueuer is the narrow interface routeEvent and the DeliverTo* methods
// need from the outbound send queue. *sendqueue.Service satisfies it
// structurally; tests can supply a stub.
type PDUEnqueuer interface {
	SendPDU(ctx context.Context, domain string, pduID []byte) error
	SendPDUAppservice(ctx context.Context, appserviceID string, pduID []byte) error
}

// SetSendQueue wires the durable outbound dispatcher into the router. Until
// this is called, DeliverToAllPeers and DeliverToChannelPeers log and drop.
func (ss *SyncService) SetSendQueue(q PDUEnqueuer) {
	ss.sendQueue = q
}

// FederationClientAdapter lets the send queue deliver whole transactions
// through this instance's signing key and HTTP client without depending on
// the federation package itself.
type FederationClientAdapter struct {
	ss *SyncService
}

// NewFederationClientAdapter wraps ss so it satisfies sendqueue.FederationClient.
func NewFederationClientAdapter(ss *SyncService) *FederationClientAdapter {
	return &FederationClientAdapter{ss: ss}
}

// Domain returns this instance's federation domain.
func (a *FederationClientAdapter) Domain() string {
	return a.ss.fed.Domain()
}

// SendTransaction signs txn and POSTs it to the destination's transaction
// receive endpoint, mirroring the single-event delivery path in HandleInbox
// but carrying a whole batch in one request.
func (a *FederationClientAdapter) SendTransaction(ctx context.Context, domain string, txn sendqueue.FederationTransaction) error {
	signed, err := a.ss.fed.Sign(txn)
	if err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}

	body, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("marshaling signed transaction: %w", err)
	}

	url := fmt.Sprintf("https://%s/federation/v1/send", domain)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating transaction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AmityVox/1.0 (+federation)")

	resp, err := a.ss.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering transaction to %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transaction rejected by %s: status %d", domain, resp.StatusCode)
	}
	return nil
}

// HandleSendTransaction receives a batched transaction from a peer, verifying
// it the same way HandleInbox verifies single events, then applies every PDU
// in order.
func (a *FederationClientAdapter) HandleSendTransaction(w http.ResponseWriter, r *http.Request) {
	ss := a.ss
	signed, status, errMsg := ss.authenticateSignedRequest(r)
	if signed == nil {
		http.Error(w, errMsg, status)
		return
	}

	var txn sendqueue.FederationTransaction
	if err := json.Unmarshal(signed.Payload, &txn); err != nil {
		http.Error(w, "invalid transaction payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ss.fed.pool.Exec(ctx,
		`UPDATE instances SET last_seen_at = now() WHERE id = $1`, signed.SenderID)
	ss.fed.pool.Exec(ctx,
		`UPDATE federation_peers SET last_synced_at = now()
		 WHERE instance_id = $1 AND peer_id = $2`,
		ss.fed.instanceID, signed.SenderID)

	for _, pdu := range txn.PDUs {
		if err := ss.processFederatedMessage(ctx, signed.SenderID, pdu); err != nil {
			ss.logger.Warn("dropping unprocessable pdu in transaction",
				slog.String("txn_id", txn.TransactionID), slog.String("error", err.Error()))
			continue
		}
		ss.fed.IncrementPeerEventCount(ctx, signed.SenderID, false)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"transaction_id": txn.TransactionID})
}
