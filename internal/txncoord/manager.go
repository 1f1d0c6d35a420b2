package txncoord

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/endpointd/internal/clock"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultDecisionRetention bounds how long a completed imported
// transaction is remembered so late terminator calls are answered with
// invalid_tx_state instead of unknown_xid.
const DefaultDecisionRetention = 10 * time.Minute

// Config configures a Manager.
type Config struct {
	Logger            pslog.Logger
	Clock             clock.Clock
	DecisionRetention time.Duration
}

// Manager owns every live global transaction, internal or imported.
type Manager struct {
	logger    pslog.Logger
	clock     clock.Clock
	retention time.Duration
	metrics   *txncoordMetrics

	mu   sync.Mutex
	txns map[string]*Transaction
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	logger := svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "txn.manager")
	retention := cfg.DecisionRetention
	if retention <= 0 {
		retention = DefaultDecisionRetention
	}
	return &Manager{
		logger:    logger,
		clock:     clock.Ensure(cfg.Clock),
		retention: retention,
		metrics:   newTxncoordMetrics(logger),
		txns:      make(map[string]*Transaction),
	}
}

// Begin starts an internal global transaction.
func (m *Manager) Begin(ctx context.Context) *Transaction {
	txn := m.newTransaction(NewXid(), core.TxKindGlobalInternal)
	m.mu.Lock()
	m.txns[txn.xid.String()] = txn
	m.mu.Unlock()
	m.metrics.recordBegin(ctx, txn.kind)
	m.logger.Trace("txn.begin", "xid", txn.xid.String(), "kind", string(txn.kind))
	return txn
}

// Import attaches the delivery to an externally owned transaction,
// creating the record on first sight. Only one delivery may be attached
// at a time; a second attempt fails with xid_in_use.
func (m *Manager) Import(ctx context.Context, xid Xid) (*Transaction, error) {
	if !xid.Valid() {
		return nil, core.InvalidTxState("import of null xid %s", xid)
	}
	key := xid.String()
	m.mu.Lock()
	m.sweepLocked()
	txn, ok := m.txns[key]
	created := false
	if !ok {
		txn = m.newTransaction(xid, core.TxKindGlobalImported)
		m.txns[key] = txn
		created = true
	}
	m.mu.Unlock()
	if txn.kind != core.TxKindGlobalImported {
		return nil, core.Failure{Code: core.CodeXidInUse, Detail: "xid " + key + " is owned by this engine"}
	}
	if err := txn.attach(); err != nil {
		return nil, err
	}
	if created {
		m.metrics.recordBegin(ctx, txn.kind)
	}
	m.logger.Trace("txn.import", "xid", key, "created", created)
	return txn, nil
}

// Detach ends the delivery's association with an imported transaction.
// The transaction stays live until its terminator completes it.
func (m *Manager) Detach(txn *Transaction) {
	if txn == nil {
		return
	}
	txn.detach()
}

// Lookup returns the transaction with the given xid.
func (m *Manager) Lookup(xid Xid) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[xid.String()]
	return txn, ok
}

// Active lists xids of transactions that have not completed, sorted.
func (m *Manager) Active() []Xid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Xid, 0, len(m.txns))
	for _, txn := range m.txns {
		if !txn.Status().completed() {
			out = append(out, txn.xid)
		}
	}
	sortXids(out)
	return out
}

// Terminator returns the completion interface external owners use to drive
// imported transactions.
func (m *Manager) Terminator() Terminator {
	return &terminator{mgr: m}
}

func (m *Manager) newTransaction(xid Xid, kind core.TxKind) *Transaction {
	txn := &Transaction{
		xid:       xid,
		kind:      kind,
		mgr:       m,
		createdAt: m.clock.Now(),
		status:    StatusActive,
	}
	txn.idle = sync.NewCond(&txn.mu)
	return txn
}

func (m *Manager) completed(ctx context.Context, txn *Transaction, outcome core.Outcome, participants int, duration time.Duration) {
	m.metrics.recordOutcome(ctx, txn.kind, outcome, participants, duration)
	m.logger.Debug("txn.complete",
		"xid", txn.xid.String(),
		"kind", string(txn.kind),
		"outcome", string(outcome),
		"participants", participants,
	)
	if txn.kind == core.TxKindGlobalInternal {
		m.mu.Lock()
		delete(m.txns, txn.xid.String())
		m.mu.Unlock()
	}
}

func (m *Manager) sweepLocked() {
	now := m.clock.Now()
	for key, txn := range m.txns {
		txn.mu.Lock()
		expired := txn.status.completed() && !txn.completedAt.IsZero() && now.Sub(txn.completedAt) >= m.retention
		txn.mu.Unlock()
		if expired {
			delete(m.txns, key)
		}
	}
}

func (m *Manager) forget(xid Xid) {
	m.mu.Lock()
	delete(m.txns, xid.String())
	m.mu.Unlock()
}

func sortXids(xids []Xid) {
	sort.Slice(xids, func(i, j int) bool { return xids[i].String() < xids[j].String() })
}
