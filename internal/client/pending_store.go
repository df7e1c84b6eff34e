package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// PendingStore persists the client record of each sub-channel. Load
// returns nil when the sub-channel is unknown.
type PendingStore interface {
	Load(ctx context.Context, channelID common.Hash, fragment string) (*Record, error)
	Save(ctx context.Context, record *Record) error
}

type recordKey struct {
	channelID common.Hash
	fragment  string
}

type MemoryPendingStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{records: make(map[recordKey]Record)}
}

func (m *MemoryPendingStore) Load(ctx context.Context, channelID common.Hash, fragment string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{channelID, fragment}]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (m *MemoryPendingStore) Save(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[recordKey{record.ChannelID, record.VmIdFragment}] = *copyRecord(*record)
	return nil
}

func copyRecord(r Record) *Record {
	if r.Pending != nil {
		p := *r.Pending
		r.Pending = &p
	}
	r.SignedAmount = new(big.Int).Set(r.signedAmount())
	return &r
}

type SqlPendingStore struct {
	Db *sqlx.DB
}

type pendingRow struct {
	ChannelID    string         `db:"channel_id"`
	VmIdFragment string         `db:"vm_id_fragment"`
	State        string         `db:"state"`
	Epoch        int64          `db:"epoch"`
	Encoded      sql.NullString `db:"encoded"`
	SignedNonce  int64          `db:"signed_nonce"`
	SignedAmount string         `db:"signed_amount"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (s *SqlPendingStore) CreateTables() error {
	schema := `CREATE TABLE IF NOT EXISTS subrav_pending_proposals (
		channel_id     TEXT NOT NULL,
		vm_id_fragment TEXT NOT NULL,
		state          TEXT NOT NULL,
		epoch          BIGINT NOT NULL,
		encoded        TEXT,
		signed_nonce   BIGINT NOT NULL,
		signed_amount  TEXT NOT NULL,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (channel_id, vm_id_fragment));`
	_, err := s.Db.Exec(schema)
	return err
}

func (s *SqlPendingStore) Load(ctx context.Context, channelID common.Hash, fragment string) (*Record, error) {
	var row pendingRow
	query := s.Db.Rebind(`SELECT * FROM subrav_pending_proposals
		WHERE channel_id = ? AND vm_id_fragment = ?`)
	err := s.Db.GetContext(ctx, &row, query, channelID.Hex(), fragment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: load record: %w", err)
	}
	amount, ok := new(big.Int).SetString(row.SignedAmount, 10)
	if !ok {
		return nil, fmt.Errorf("client: stored amount %q", row.SignedAmount)
	}
	rec := &Record{
		ChannelID:    channelID,
		VmIdFragment: fragment,
		State:        State(row.State),
		Epoch:        uint64(row.Epoch),
		SignedNonce:  uint64(row.SignedNonce),
		SignedAmount: amount,
	}
	if row.Encoded.Valid {
		pending, err := subrav.FromHex(row.Encoded.String)
		if err != nil {
			return nil, fmt.Errorf("client: stored proposal: %w", err)
		}
		rec.Pending = &pending
	}
	return rec, nil
}

func (s *SqlPendingStore) Save(ctx context.Context, record *Record) error {
	var encoded sql.NullString
	if record.Pending != nil {
		h, err := subrav.ToHex(*record.Pending)
		if err != nil {
			return err
		}
		encoded = sql.NullString{String: h, Valid: true}
	}
	if record.Epoch > 1<<63-1 || record.SignedNonce > 1<<63-1 {
		return fmt.Errorf("client: record of %s does not fit the store", record.ChannelID.Hex())
	}
	query := s.Db.Rebind(`INSERT INTO subrav_pending_proposals
		(channel_id, vm_id_fragment, state, epoch, encoded, signed_nonce, signed_amount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, vm_id_fragment) DO UPDATE SET
			state = excluded.state,
			epoch = excluded.epoch,
			encoded = excluded.encoded,
			signed_nonce = excluded.signed_nonce,
			signed_amount = excluded.signed_amount,
			updated_at = excluded.updated_at`)
	_, err := s.Db.ExecContext(ctx, query,
		record.ChannelID.Hex(),
		record.VmIdFragment,
		string(record.State),
		int64(record.Epoch),
		encoded,
		int64(record.SignedNonce),
		record.signedAmount().String(),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("client: save record: %w", err)
	}
	return nil
}
