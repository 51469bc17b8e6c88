package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/soledgic/soledgic/internal/audit"
	"github.com/soledgic/soledgic/internal/notify"
)

// memStore is an in-memory RepositoryPort. Writes are staged per transaction
// and applied on commit; LockAccount holds a per-account mutex until the
// transaction ends, mirroring SELECT ... FOR UPDATE.
type memStore struct {
	mu       sync.Mutex
	ledgers  map[uuid.UUID]Ledger
	accounts map[string]Account
	txns     map[uuid.UUID]Transaction
	refs     map[string]uuid.UUID
	entries  []Entry
	holds    map[string]HeldFund
	locks    map[uuid.UUID]*sync.Mutex

	// afterLock runs once an account lock is granted; tests use it to widen
	// race windows.
	afterLock func()
}

func newMemStore() *memStore {
	return &memStore{
		ledgers:  map[uuid.UUID]Ledger{},
		accounts: map[string]Account{},
		txns:     map[uuid.UUID]Transaction{},
		refs:     map[string]uuid.UUID{},
		holds:    map[string]HeldFund{},
		locks:    map[uuid.UUID]*sync.Mutex{},
	}
}

func (m *memStore) addLedger(settings Settings) uuid.UUID {
	id := uuid.New()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[id] = Ledger{ID: id, Name: "test", Status: "active", Mode: "marketplace", Settings: settings}
	return id
}

func (m *memStore) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func refKey(ledgerID uuid.UUID, ref string) string { return ledgerID.String() + "|" + ref }

func accountKey(ledgerID uuid.UUID, typ AccountType, entity string) string {
	return ledgerID.String() + "|" + string(typ) + "|" + entity
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memTx{store: m, statuses: map[uuid.UUID]statusUpdate{}, rails: map[uuid.UUID]railUpdate{}}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *memStore) GetLedger(ctx context.Context, id uuid.UUID) (Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[id]
	if !ok {
		return Ledger{}, ErrNotFound
	}
	return l, nil
}

func (m *memStore) FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[refKey(ledgerID, ref)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return m.txns[id], nil
}

func (m *memStore) CreatorBalance(ctx context.Context, ledgerID uuid.UUID, creatorID string) (int64, int64, error) {
	m.mu.Lock()
	acct, ok := m.accounts[accountKey(ledgerID, AccountCreatorBalance, creatorID)]
	m.mu.Unlock()
	if !ok {
		return 0, m.held(ledgerID, creatorID), nil
	}
	return m.balance(acct.ID), m.held(ledgerID, creatorID), nil
}

func (m *memStore) balance(accountID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		st := m.txns[e.TransactionID].Status
		if st == StatusVoided || st == StatusReversed {
			continue
		}
		if e.Direction == Credit {
			total += e.Amount
		} else {
			total -= e.Amount
		}
	}
	return total
}

func (m *memStore) held(ledgerID uuid.UUID, creatorID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, h := range m.holds {
		if h.LedgerID == ledgerID && h.CreatorID == creatorID && h.Status != "released" {
			total += h.Outstanding()
		}
	}
	return total
}

type statusUpdate struct {
	status     Status
	reversedBy uuid.UUID
}

type railUpdate struct {
	rail       RailStatus
	externalID string
}

type memTx struct {
	store    *memStore
	locked   []*sync.Mutex
	txns     []Transaction
	entries  []Entry
	statuses map[uuid.UUID]statusUpdate
	rails    map[uuid.UUID]railUpdate
	settings map[uuid.UUID]Settings
	newHolds []HeldFund
	upHolds  []HeldFund
}

func (t *memTx) release() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.locked[i].Unlock()
	}
}

func (t *memTx) commit() error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range t.txns {
		if _, ok := m.refs[refKey(txn.LedgerID, txn.ReferenceID)]; ok {
			return ErrReferenceConflict
		}
	}
	for _, txn := range t.txns {
		m.txns[txn.ID] = txn
		m.refs[refKey(txn.LedgerID, txn.ReferenceID)] = txn.ID
	}
	m.entries = append(m.entries, t.entries...)
	for id, up := range t.statuses {
		txn := m.txns[id]
		txn.Status = up.status
		if up.reversedBy != uuid.Nil {
			txn.ReversedBy = up.reversedBy
		}
		m.txns[id] = txn
	}
	for id, up := range t.rails {
		txn := m.txns[id]
		txn.RailStatus = up.rail
		if up.externalID != "" {
			txn.ExternalID = up.externalID
		}
		m.txns[id] = txn
	}
	for id, s := range t.settings {
		l := m.ledgers[id]
		l.Settings = s
		m.ledgers[id] = l
	}
	for _, h := range t.newHolds {
		m.holds[refKey(h.LedgerID, h.SourceRef)] = h
	}
	for _, h := range t.upHolds {
		m.holds[refKey(h.LedgerID, h.SourceRef)] = h
	}
	return nil
}

func (t *memTx) GetLedger(ctx context.Context, id uuid.UUID, forUpdate bool) (Ledger, error) {
	return t.store.GetLedger(ctx, id)
}

func (t *memTx) EnsureAccount(ctx context.Context, ledgerID uuid.UUID, typ AccountType, entityID string) (Account, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey(ledgerID, typ, entityID)
	if acct, ok := m.accounts[key]; ok {
		return acct, nil
	}
	acct := Account{ID: uuid.New(), LedgerID: ledgerID, Type: typ, EntityID: entityID, Name: string(typ)}
	m.accounts[key] = acct
	m.locks[acct.ID] = &sync.Mutex{}
	return acct, nil
}

func (t *memTx) LockAccount(ctx context.Context, accountID uuid.UUID) error {
	t.store.mu.Lock()
	lock, ok := t.store.locks[accountID]
	t.store.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	lock.Lock()
	t.locked = append(t.locked, lock)
	if t.store.afterLock != nil {
		t.store.afterLock()
	}
	return nil
}

func (t *memTx) FindByReference(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	return t.store.FindByReference(ctx, ledgerID, ref)
}

func (t *memTx) GetTransaction(ctx context.Context, ledgerID, id uuid.UUID, forUpdate bool) (Transaction, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok || txn.LedgerID != ledgerID {
		return Transaction{}, ErrNotFound
	}
	txn.Entries = nil
	for _, e := range m.entries {
		if e.TransactionID == id {
			txn.Entries = append(txn.Entries, e)
		}
	}
	return txn, nil
}

func (t *memTx) findLocked(match func(Transaction) bool) (Transaction, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []Transaction
	for _, txn := range m.txns {
		if match(txn) {
			found = append(found, txn)
		}
	}
	if len(found) == 0 {
		return Transaction{}, ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found[0], nil
}

func (t *memTx) FindPayoutForUpdate(ctx context.Context, ledgerID uuid.UUID, ref string) (Transaction, error) {
	return t.findLocked(func(txn Transaction) bool {
		return txn.LedgerID == ledgerID && txn.Type == TypePayout && (txn.ReferenceID == ref || txn.ID.String() == ref)
	})
}

func (t *memTx) FindRefundForUpdate(ctx context.Context, ledgerID uuid.UUID, resourceID, refundRef string) (Transaction, error) {
	return t.findLocked(func(txn Transaction) bool {
		if txn.LedgerID != ledgerID || txn.Type != TypeRefund {
			return false
		}
		if resourceID != "" && txn.ExternalID == resourceID {
			return true
		}
		if refundRef == "" {
			return false
		}
		ext, _ := txn.Metadata["external_refund_id"].(string)
		return ext == refundRef || txn.ReferenceID == refundRef
	})
}

func (t *memTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	t.txns = append(t.txns, txn)
	return nil
}

func (t *memTx) InsertEntries(ctx context.Context, entries []Entry) error {
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *memTx) AccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return t.store.balance(accountID), nil
}

func (t *memTx) HeldAmount(ctx context.Context, ledgerID uuid.UUID, creatorID string) (int64, error) {
	return t.store.held(ledgerID, creatorID), nil
}

func (t *memTx) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reversedBy uuid.UUID) error {
	t.statuses[id] = statusUpdate{status: status, reversedBy: reversedBy}
	return nil
}

func (t *memTx) UpdateRail(ctx context.Context, id uuid.UUID, rail RailStatus, externalID string) error {
	t.rails[id] = railUpdate{rail: rail, externalID: externalID}
	return nil
}

func (t *memTx) UpdateSettings(ctx context.Context, ledgerID uuid.UUID, settings Settings) error {
	if t.settings == nil {
		t.settings = map[uuid.UUID]Settings{}
	}
	t.settings[ledgerID] = settings
	return nil
}

func (t *memTx) InsertHold(ctx context.Context, hold HeldFund) (bool, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holds[refKey(hold.LedgerID, hold.SourceRef)]; ok {
		return false, nil
	}
	t.newHolds = append(t.newHolds, hold)
	return true, nil
}

func (t *memTx) GetHoldForUpdate(ctx context.Context, ledgerID uuid.UUID, sourceRef string) (HeldFund, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[refKey(ledgerID, sourceRef)]
	if !ok {
		return HeldFund{}, ErrNotFound
	}
	return h, nil
}

func (t *memTx) UpdateHold(ctx context.Context, hold HeldFund) error {
	t.upHolds = append(t.upHolds, hold)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Publish(ctx context.Context, evt notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return n.err
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAudit) Record(ctx context.Context, entry audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

var (
	_ RepositoryPort = (*memStore)(nil)
	_ TxRepository   = (*memTx)(nil)
)
