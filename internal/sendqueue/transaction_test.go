package sendqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

type fakeEventStore struct {
	pdus map[string]json.RawMessage
}

func (f *fakeEventStore) GetPDU(ctx context.Context, pduID []byte) (json.RawMessage, error) {
	return f.pdus[string(pduID)], nil
}

func (f *fakeEventStore) GetPDUJSON(ctx context.Context, pduID []byte) (json.RawMessage, error) {
	return f.pdus[string(pduID)], nil
}

func (f *fakeEventStore) ConvertToOutgoingFederation(raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

func TestTransactionID_DeterministicForSameIDs(t *testing.T) {
	ids := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if transactionID(ids) != transactionID(ids) {
		t.Fatal("expected transaction id to be deterministic")
	}
}

func TestTransactionID_DiffersOnOrder(t *testing.T) {
	a := [][]byte{[]byte("a"), []byte("b")}
	b := [][]byte{[]byte("b"), []byte("a")}
	if transactionID(a) == transactionID(b) {
		t.Fatal("expected transaction id to depend on pdu order")
	}
}

func TestBuildTransaction_Federation(t *testing.T) {
	store := &fakeEventStore{pdus: map[string]json.RawMessage{
		"pdu-1": json.RawMessage(`{"type":"MESSAGE_CREATE"}`),
	}}
	s := &Service{store: store, logger: slog.Default()}

	txnID, payload, err := s.buildTransaction(context.Background(), Server("remote.example.com"), [][]byte{[]byte("pdu-1")}, "home.example.com")
	if err != nil {
		t.Fatalf("buildTransaction: %v", err)
	}
	if txnID == "" {
		t.Fatal("expected non-empty transaction id")
	}

	txn, ok := payload.(FederationTransaction)
	if !ok {
		t.Fatalf("expected FederationTransaction payload, got %T", payload)
	}
	if txn.Origin != "home.example.com" {
		t.Fatalf("Origin = %q, want %q", txn.Origin, "home.example.com")
	}
	if len(txn.PDUs) != 1 {
		t.Fatalf("expected 1 pdu, got %d", len(txn.PDUs))
	}
}

func TestBuildTransaction_SkipsUnresolvablePDUs(t *testing.T) {
	store := &fakeEventStore{pdus: map[string]json.RawMessage{
		"pdu-1": json.RawMessage(`{"type":"MESSAGE_CREATE"}`),
	}}
	s := &Service{store: store, logger: slog.Default()}

	_, payload, err := s.buildTransaction(context.Background(), Server("remote.example.com"),
		[][]byte{[]byte("pdu-1"), []byte("missing")}, "home.example.com")
	if err != nil {
		t.Fatalf("buildTransaction: %v", err)
	}

	txn := payload.(FederationTransaction)
	if len(txn.PDUs) != 1 {
		t.Fatalf("expected unresolvable pdu to be skipped, got %d pdus", len(txn.PDUs))
	}
}

func TestBuildTransaction_Appservice(t *testing.T) {
	store := &fakeEventStore{pdus: map[string]json.RawMessage{
		"pdu-1": json.RawMessage(`{"type":"MESSAGE_CREATE"}`),
	}}
	s := &Service{store: store, logger: slog.Default()}

	txnID, payload, err := s.buildTransaction(context.Background(), Appservice("bridge-1"), [][]byte{[]byte("pdu-1")}, "home.example.com")
	if err != nil {
		t.Fatalf("buildTransaction: %v", err)
	}

	txn, ok := payload.(AppserviceTransaction)
	if !ok {
		t.Fatalf("expected AppserviceTransaction payload, got %T", payload)
	}
	if txn.TxnID != txnID {
		t.Fatalf("TxnID = %q, want %q", txn.TxnID, txnID)
	}
	if len(txn.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(txn.Events))
	}
}
