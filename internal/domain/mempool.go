package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Mempool aggregate event types.
const (
	EventMempoolTxsAdded   = "MempoolTransactionsAdded"
	EventMempoolTxsRemoved = "MempoolTransactionsRemoved"
	EventMempoolCleared    = "MempoolCleared"
)

// TxIDsPayload is the body of both add and remove events.
type TxIDsPayload struct {
	TxIDs []string `json:"txids"`
}

// mempoolSnapshot is the serialized Mempool state.
type mempoolSnapshot struct {
	TxIDs []string `json:"txids"`
}

// Mempool tracks the set of unconfirmed transaction ids.
type Mempool struct {
	Root
	txids map[string]struct{}
}

// NewMempool creates an empty Mempool aggregate.
func NewMempool(id string) *Mempool {
	return &Mempool{Root: newRoot(id), txids: make(map[string]struct{})}
}

// Size returns the number of tracked transactions.
func (m *Mempool) Size() int { return len(m.txids) }

// Has reports whether a txid is tracked.
func (m *Mempool) Has(txid string) bool {
	_, ok := m.txids[txid]
	return ok
}

// TxIDs returns the tracked ids in sorted order.
func (m *Mempool) TxIDs() []string {
	out := make([]string, 0, len(m.txids))
	for id := range m.txids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddTransactions raises a MempoolTransactionsAdded event for ids not yet
// tracked. Raising nothing when every id is already present keeps replays
// quiet.
func (m *Mempool) AddTransactions(requestID string, txids []string) error {
	fresh := make([]string, 0, len(txids))
	for _, id := range txids {
		if id == "" {
			continue
		}
		if _, ok := m.txids[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	payload, err := json.Marshal(&TxIDsPayload{TxIDs: fresh})
	if err != nil {
		return fmt.Errorf("marshal mempool add: %w", err)
	}
	return m.raise(m, EventMempoolTxsAdded, requestID, NoBlockHeight, payload)
}

// RemoveTransactions raises a MempoolTransactionsRemoved event for ids
// currently tracked, typically when a block confirms them. blockHeight
// records the confirming block, or NoBlockHeight.
func (m *Mempool) RemoveTransactions(requestID string, txids []string, blockHeight int64) error {
	present := make([]string, 0, len(txids))
	for _, id := range txids {
		if _, ok := m.txids[id]; ok {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	payload, err := json.Marshal(&TxIDsPayload{TxIDs: present})
	if err != nil {
		return fmt.Errorf("marshal mempool remove: %w", err)
	}
	return m.raise(m, EventMempoolTxsRemoved, requestID, blockHeight, payload)
}

// Clear raises a MempoolCleared event dropping every tracked id.
func (m *Mempool) Clear(requestID string) error {
	return m.raise(m, EventMempoolCleared, requestID, NoBlockHeight, nil)
}

// ApplyEvent replays one persisted event.
func (m *Mempool) ApplyEvent(ev *Event) error {
	return m.applyEvent(m, ev)
}

func (m *Mempool) handle(ev *Event) error {
	switch ev.Type {
	case EventMempoolTxsAdded:
		var p TxIDsPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal mempool add: %w", err)
		}
		for _, id := range p.TxIDs {
			m.txids[id] = struct{}{}
		}
		return nil
	case EventMempoolTxsRemoved:
		var p TxIDsPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("unmarshal mempool remove: %w", err)
		}
		for _, id := range p.TxIDs {
			delete(m.txids, id)
		}
		return nil
	case EventMempoolCleared:
		m.txids = make(map[string]struct{})
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
}

// Snapshot serializes the tracked id set.
func (m *Mempool) Snapshot() ([]byte, error) {
	data, err := json.Marshal(&mempoolSnapshot{TxIDs: m.TxIDs()})
	if err != nil {
		return nil, fmt.Errorf("marshal mempool snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot restores the id set and resets version bookkeeping.
func (m *Mempool) FromSnapshot(version, blockHeight int64, payload []byte) error {
	var snap mempoolSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("unmarshal mempool snapshot: %w", err)
	}
	m.txids = make(map[string]struct{}, len(snap.TxIDs))
	for _, id := range snap.TxIDs {
		m.txids[id] = struct{}{}
	}
	m.restore(version, blockHeight)
	return nil
}

// PruneableBelowSnapshot reports that old Mempool events may be deleted.
func (m *Mempool) PruneableBelowSnapshot() bool { return true }
