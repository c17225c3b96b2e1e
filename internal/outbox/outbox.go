// Package outbox implements the three pull-once event queues of spec.md
// §3/§4.5: ProcessedDepositEvent, ProcessedWithdrawalEvent and
// RejectedWithdrawalEvent. They are process-global (no coin-keyed isolation
// at the outer Store level, though each row still carries its coin), and
// are deleted in the same atomic scope that reads them — "a caller that
// fails to persist what it reads loses those records; this is by design".
package outbox

import (
	"encoding/json"
	"time"

	"github.com/custodyd/custodyd/internal/store"
)

// Event is one drained outbox row.
type Event struct {
	UserID  []byte
	Coin    string
	Payload json.RawMessage
}

// Tables wraps a *store.Store to append/drain the three outbox tables. It is
// handed to every chain adapter as the chainadapter.DepositSink /
// WithdrawalSink / RejectionSink implementation, and to internal/dispatch
// for the listProcessed…/listRejected… API methods.
type Tables struct {
	st *store.Store
}

func New(st *store.Store) *Tables { return &Tables{st: st} }

const (
	KindDeposit    = "ob.dep"
	KindWithdrawal = "ob.wdr"
	KindRejected   = "ob.rej"
)

// wireRow is the on-disk shape of one outbox row: the raw event payload
// plus the userID it belongs to, so DrainAll can attribute each row without
// reparsing its storage key.
type wireRow struct {
	UserID  []byte          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

func (o *Tables) append(kind, coin string, userID []byte, payload any) error {
	payloadBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(wireRow{UserID: userID, Payload: payloadBody})
	if err != nil {
		return err
	}
	return o.st.Atomic(func(txn *store.Txn) error {
		return txn.AppendOutbox(kind, coin, userID, body, uint64(time.Now().UnixNano()))
	})
}

// AppendProcessedDeposit implements chainadapter.DepositSink.
func (o *Tables) AppendProcessedDeposit(coin string, userID []byte, payload any) error {
	return o.append(KindDeposit, coin, userID, payload)
}

// AppendProcessedWithdrawal implements chainadapter.WithdrawalSink.
func (o *Tables) AppendProcessedWithdrawal(coin string, userID []byte, payload any) error {
	return o.append(KindWithdrawal, coin, userID, payload)
}

// AppendRejectedWithdrawal implements chainadapter.RejectionSink.
func (o *Tables) AppendRejectedWithdrawal(coin string, userID []byte, payload any) error {
	return o.append(KindRejected, coin, userID, payload)
}

// DrainUser returns and deletes every event of the given kind for
// (coin,userID) atomically — the listProcessedDeposits/
// listProcessedWithdrawals/listRejectedWithdrawals API methods.
func (o *Tables) DrainUser(kind, coin string, userID []byte) ([]Event, error) {
	return o.drain(kind, coin, userID)
}

// DrainAll returns and deletes every event of the given kind for coin,
// across all users — the listAll… variants.
func (o *Tables) DrainAll(kind, coin string) ([]Event, error) {
	return o.drain(kind, coin, nil)
}

// HasRows reports whether kind/coin has at least one undrained row, without
// draining it. internal/rpcserver uses this to push a websocket hint that a
// caller should poll one of the listProcessed…/listRejected… methods.
func (o *Tables) HasRows(kind, coin string) (bool, error) {
	return o.st.HasOutboxRows(kind, coin)
}

func (o *Tables) drain(kind, coin string, userID []byte) ([]Event, error) {
	var out []Event
	err := o.st.Atomic(func(txn *store.Txn) error {
		rows, err := txn.ScanOutbox(kind, coin, userID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := txn.DeleteOutboxKey(row.Key); err != nil {
				return err
			}
			var wr wireRow
			if err := json.Unmarshal(row.Payload, &wr); err != nil {
				return err
			}
			out = append(out, Event{UserID: wr.UserID, Coin: coin, Payload: wr.Payload})
		}
		return nil
	})
	return out, err
}
