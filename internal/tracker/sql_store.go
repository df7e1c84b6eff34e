package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// SqlStore persists ledger state with sqlx. It works on sqlite and postgres.
type SqlStore struct {
	Db *sqlx.DB
}

type ledgerRow struct {
	ChannelID         string `db:"channel_id"`
	Epoch             int64  `db:"epoch"`
	VmIdFragment      string `db:"vm_id_fragment"`
	Nonce             int64  `db:"nonce"`
	AccumulatedAmount string `db:"accumulated_amount"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (s *SqlStore) CreateTables() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS subrav_channel_epochs (
		channel_id	TEXT NOT NULL PRIMARY KEY,
		epoch		BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS subrav_ledger (
		channel_id			TEXT NOT NULL,
		epoch				BIGINT NOT NULL,
		vm_id_fragment		TEXT NOT NULL,
		nonce				BIGINT NOT NULL,
		accumulated_amount	TEXT NOT NULL,
		updated_at			BIGINT NOT NULL,
		PRIMARY KEY (channel_id, epoch, vm_id_fragment))`,
	}
	for _, schema := range schemas {
		if _, err := s.Db.Exec(schema); err != nil {
			return fmt.Errorf("tracker: create tables: %w", err)
		}
	}
	return nil
}

// toInt64 refuses values the SQL columns cannot hold, classified as kind.
func toInt64(v uint64, kind error) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d does not fit the store", kind, v)
	}
	return int64(v), nil
}

func (s *SqlStore) Epoch(ctx context.Context, channelID common.Hash) (uint64, bool, error) {
	var epoch int64
	query := s.Db.Rebind(`SELECT epoch FROM subrav_channel_epochs WHERE channel_id = ?`)
	err := s.Db.GetContext(ctx, &epoch, query, channelID.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("tracker: read epoch: %w", err)
	}
	return uint64(epoch), true, nil
}

func (s *SqlStore) SetEpoch(ctx context.Context, channelID common.Hash, epoch uint64) error {
	e, err := toInt64(epoch, ErrInvalidEpoch)
	if err != nil {
		return err
	}
	query := s.Db.Rebind(`INSERT INTO subrav_channel_epochs (channel_id, epoch) VALUES (?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET epoch = excluded.epoch`)
	if _, err := s.Db.ExecContext(ctx, query, channelID.Hex(), e); err != nil {
		return fmt.Errorf("tracker: write epoch: %w", err)
	}
	return nil
}

func (s *SqlStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	epoch, err := toInt64(key.Epoch, ErrInvalidEpoch)
	if err != nil {
		return Entry{}, false, err
	}
	var row ledgerRow
	query := s.Db.Rebind(`SELECT * FROM subrav_ledger
		WHERE channel_id = ? AND epoch = ? AND vm_id_fragment = ?`)
	err = s.Db.GetContext(ctx, &row, query, key.ChannelID.Hex(), epoch, key.VmIdFragment)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("tracker: read entry: %w", err)
	}
	_, entry, err := row.decode()
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SqlStore) CompareAndSwap(ctx context.Context, key Key, prevNonce uint64, next Entry) (bool, error) {
	epoch, err := toInt64(key.Epoch, ErrInvalidEpoch)
	if err != nil {
		return false, err
	}
	nonce, err := toInt64(next.Nonce, ErrInvalidNonce)
	if err != nil {
		return false, err
	}
	var res sql.Result
	if prevNonce == 0 {
		query := s.Db.Rebind(`INSERT INTO subrav_ledger
			(channel_id, epoch, vm_id_fragment, nonce, accumulated_amount, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id, epoch, vm_id_fragment) DO NOTHING`)
		res, err = s.Db.ExecContext(ctx, query,
			key.ChannelID.Hex(), epoch, key.VmIdFragment,
			nonce, next.Amount().String(), next.UpdatedAt.UnixMilli())
	} else {
		query := s.Db.Rebind(`UPDATE subrav_ledger
			SET nonce = ?, accumulated_amount = ?, updated_at = ?
			WHERE channel_id = ? AND epoch = ? AND vm_id_fragment = ? AND nonce = ?`)
		res, err = s.Db.ExecContext(ctx, query,
			nonce, next.Amount().String(), next.UpdatedAt.UnixMilli(),
			key.ChannelID.Hex(), epoch, key.VmIdFragment, int64(prevNonce))
	}
	if err != nil {
		return false, fmt.Errorf("tracker: write entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tracker: write entry: %w", err)
	}
	return affected == 1, nil
}

func (s *SqlStore) DeleteBefore(ctx context.Context, channelID common.Hash, epoch uint64) error {
	e, err := toInt64(epoch, ErrInvalidEpoch)
	if err != nil {
		return err
	}
	query := s.Db.Rebind(`DELETE FROM subrav_ledger WHERE channel_id = ? AND epoch < ?`)
	if _, err := s.Db.ExecContext(ctx, query, channelID.Hex(), e); err != nil {
		return fmt.Errorf("tracker: delete entries: %w", err)
	}
	return nil
}

func (s *SqlStore) List(ctx context.Context, channelID common.Hash) ([]Record, error) {
	var rows []ledgerRow
	query := s.Db.Rebind(`SELECT * FROM subrav_ledger WHERE channel_id = ?
		ORDER BY epoch, vm_id_fragment`)
	if err := s.Db.SelectContext(ctx, &rows, query, channelID.Hex()); err != nil {
		return nil, fmt.Errorf("tracker: list entries: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		key, entry, err := row.decode()
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Key: key, Entry: entry})
	}
	return records, nil
}

func (r ledgerRow) decode() (Key, Entry, error) {
	amount, ok := new(big.Int).SetString(r.AccumulatedAmount, 10)
	if !ok {
		return Key{}, Entry{}, fmt.Errorf("tracker: corrupt amount %q", r.AccumulatedAmount)
	}
	key := Key{
		ChannelID:    common.HexToHash(r.ChannelID),
		Epoch:        uint64(r.Epoch),
		VmIdFragment: r.VmIdFragment,
	}
	entry := Entry{
		Nonce:             uint64(r.Nonce),
		AccumulatedAmount: amount,
		UpdatedAt:         time.UnixMilli(r.UpdatedAt),
	}
	return key, entry, nil
}
