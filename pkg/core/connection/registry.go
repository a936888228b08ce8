package connection

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxID identifies a transaction started by Pool.Begin.
type TxID uuid.UUID

// NoTx is the zero TxID, meaning "not inside a transaction".
var NoTx TxID

var generateTxID = newTxID

func newTxID() TxID {
	id, err := uuid.NewV7()
	if err != nil {
		return TxID(uuid.New())
	}
	return TxID(id)
}

// ParseTxID parses the canonical string form of a TxID.
func ParseTxID(s string) (TxID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NoTx, fmt.Errorf("parse transaction id %q: %w", s, err)
	}
	return TxID(id), nil
}

// IsZero reports whether id is NoTx.
func (id TxID) IsZero() bool {
	return id == NoTx
}

func (id TxID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id TxID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TxID) UnmarshalText(b []byte) error {
	parsed, err := ParseTxID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	TxActive TxState = iota + 1
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolledback"
	default:
		return "unknown"
	}
}

// TxContext binds a transaction to the connection pinned for it.
// Entries live in the pool registry from Begin until commit or rollback.
type TxContext struct {
	ID        TxID
	State     TxState
	StartedAt time.Time
	conn      *Conn
}

// TxInfo is a read-only view of a registered transaction.
type TxInfo struct {
	ID        TxID      `json:"id"`
	State     string    `json:"state"`
	ConnID    int64     `json:"connId"`
	StartedAt time.Time `json:"startedAt"`
}
