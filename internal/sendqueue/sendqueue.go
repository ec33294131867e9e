// Package sendqueue implements AmityVox's outbound federation sender: a
// durable, per-destination transaction dispatcher. It accepts references to
// locally persisted events destined for remote AmityVox instances or local
// appservice bridges, and guarantees that each referenced event is delivered
// exactly once per destination, in per-destination FIFO order, with bounded
// parallelism across destinations, coalesced into batched transactions, and
// with exponential-backoff retry after destination failure. The queue
// survives restarts without losing queued work: every enqueued reference and
// every in-flight reservation lives in BadgerDB, never only in memory.
package sendqueue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/semaphore"
)

// ErrUnknownDestination is returned when a composite key has no separator
// byte and so cannot be split into a destination and a PDU id.
var ErrUnknownDestination = errors.New("sendqueue: unknown destination encoding")

// ErrAlreadyReserved is returned internally when a reservation finds the
// destination's marker already present. (A reservation that loses a commit
// race instead surfaces as badger.ErrConflict; reserve treats both alike.)
var ErrAlreadyReserved = errors.New("sendqueue: destination already reserved")

// batchCap bounds the number of PDUs migrated into a single transaction.
// Design constant, not configuration — see spec.md §4.3.
const batchCap = 30

// defaultBackoffCeiling is the maximum backoff window before retries resume
// unconditionally.
const defaultBackoffCeiling = 24 * time.Hour

// Config holds the configuration for the send queue service.
type Config struct {
	// DataDir is the BadgerDB directory backing the pending/in_flight tables.
	DataDir string
	// MaxConcurrentRequests bounds the global outbound dispatch semaphore,
	// shared with the direct-request helpers (SendFederationRequest /
	// SendAppserviceRequest).
	MaxConcurrentRequests int64
	// BatchCap overrides the default batch size (30) if non-zero.
	BatchCap int
	// BackoffCeiling overrides the default 24h backoff ceiling if non-zero.
	BackoffCeiling time.Duration

	EventStore       EventStore
	Federation       FederationClient
	AppserviceClient AppserviceClient
	Registry         Registry
	Logger           *slog.Logger
}

// Service is the outbound federation sender. It owns the durable queue, the
// scheduler loop, and the enqueue API.
type Service struct {
	db     *badger.DB
	logger *slog.Logger

	store  EventStore
	fed    FederationClient
	appsvc AppserviceClient
	reg    Registry

	permits *semaphore.Weighted

	batchCap       int
	backoffCeiling time.Duration

	notifyCh chan struct{}
	doneCh   chan struct{}

	backoff *backoffTable

	// activeMu guards active, the set of destinations with a dispatch
	// currently in flight (at most one outstanding transaction per
	// destination at a time, enforcing per-destination FIFO — spec.md §4.2),
	// and pendingRetry, the PDU ids of a failed dispatch still waiting on its
	// destination's backoff window before being retried. The ids themselves
	// remain durably recorded in Badger's in_flight namespace the whole
	// time — pendingRetry only remembers which ones to redispatch without
	// re-scanning pending (which would re-batch new work ahead of a retry).
	activeMu     sync.Mutex
	active       map[Destination]bool
	pendingRetry map[Destination][][]byte

	resultCh chan dispatchResult
}

// New opens the BadgerDB queue at cfg.DataDir and constructs a Service. Call
// Start to launch the scheduler loop; Close releases the Badger handle.
func New(cfg Config) (*Service, error) {
	opts := badger.DefaultOptions(cfg.DataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchCapV := cfg.BatchCap
	if batchCapV <= 0 {
		batchCapV = batchCap
	}
	ceiling := cfg.BackoffCeiling
	if ceiling <= 0 {
		ceiling = defaultBackoffCeiling
	}
	permits := cfg.MaxConcurrentRequests
	if permits <= 0 {
		permits = 16
	}

	return &Service{
		db:             db,
		logger:         logger,
		store:          cfg.EventStore,
		fed:            cfg.Federation,
		appsvc:         cfg.AppserviceClient,
		reg:            cfg.Registry,
		permits:        semaphore.NewWeighted(permits),
		batchCap:       batchCapV,
		backoffCeiling: ceiling,
		notifyCh:       make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		backoff:        newBackoffTable(ceiling),
		active:         make(map[Destination]bool),
		pendingRetry:   make(map[Destination][][]byte),
		resultCh:       make(chan dispatchResult, 64),
	}, nil
}

// Close shuts down the BadgerDB handle. The scheduler loop, if started,
// should be stopped first by cancelling its context.
func (s *Service) Close() error {
	return s.db.Close()
}

// notifyPending wakes the scheduler loop, coalescing bursts of enqueues into
// a single wakeup — the scheduler always re-scans pending under the relevant
// prefix, so coalescing never drops work.
func (s *Service) notifyPending() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}
