package claimer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"
)

// SignedVoucher is the latest signed voucher of a sub-channel and how much
// of it has been claimed.
type SignedVoucher struct {
	Signed        *subrav.SignedSubRAV
	ClaimedNonce  uint64
	ClaimedAmount *big.Int
	FailedNonce   uint64
	FailReason    string
	UpdatedAt     time.Time
}

// Unclaimed is the amount the voucher would still pay.
func (v SignedVoucher) Unclaimed() *big.Int {
	return new(big.Int).Sub(v.Signed.SubRAV.Amount(), v.ClaimedAmount)
}

type VoucherRepository struct {
	Db *sqlx.DB
}

type voucherRow struct {
	ChannelID         string `db:"channel_id"`
	Epoch             int64  `db:"epoch"`
	VmIdFragment      string `db:"vm_id_fragment"`
	Nonce             int64  `db:"nonce"`
	AccumulatedAmount string `db:"accumulated_amount"`
	Encoded           string `db:"encoded"`
	Signature         string `db:"signature"`
	KeyID             string `db:"key_id"`
	ClaimedNonce      int64  `db:"claimed_nonce"`
	ClaimedAmount     string `db:"claimed_amount"`
	FailedNonce       int64  `db:"failed_nonce"`
	FailReason        string `db:"fail_reason"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (c *VoucherRepository) CreateTables() error {
	schema := `CREATE TABLE IF NOT EXISTS subrav_signed_vouchers (
		channel_id			TEXT NOT NULL,
		epoch				BIGINT NOT NULL,
		vm_id_fragment		TEXT NOT NULL,
		nonce				BIGINT NOT NULL,
		accumulated_amount	TEXT NOT NULL,
		encoded				TEXT NOT NULL,
		signature			TEXT NOT NULL,
		key_id				TEXT NOT NULL,
		claimed_nonce		BIGINT NOT NULL DEFAULT 0,
		claimed_amount		TEXT NOT NULL DEFAULT '0',
		failed_nonce		BIGINT NOT NULL DEFAULT 0,
		fail_reason			TEXT NOT NULL DEFAULT '',
		updated_at			BIGINT NOT NULL,
		PRIMARY KEY (channel_id, epoch, vm_id_fragment))`
	_, err := c.Db.Exec(schema)
	if err != nil {
		return fmt.Errorf("claimer: create tables: %w", err)
	}
	return nil
}

// Save keeps s when it is newer than the stored voucher of its sub-channel.
func (c *VoucherRepository) Save(ctx context.Context, s *subrav.SignedSubRAV) error {
	encoded, err := subrav.ToHex(s.SubRAV)
	if err != nil {
		return err
	}
	if s.SubRAV.Nonce > 1<<63-1 || s.SubRAV.ChannelEpoch > 1<<63-1 {
		return fmt.Errorf("claimer: voucher %s does not fit the store", s.SubRAV)
	}
	query := c.Db.Rebind(`INSERT INTO subrav_signed_vouchers
		(channel_id, epoch, vm_id_fragment, nonce, accumulated_amount, encoded, signature, key_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, epoch, vm_id_fragment) DO UPDATE SET
			nonce = excluded.nonce,
			accumulated_amount = excluded.accumulated_amount,
			encoded = excluded.encoded,
			signature = excluded.signature,
			key_id = excluded.key_id,
			updated_at = excluded.updated_at
		WHERE subrav_signed_vouchers.nonce < excluded.nonce`)
	_, err = commons.Executor(ctx, c.Db).ExecContext(ctx, query,
		s.SubRAV.ChannelID.Hex(),
		int64(s.SubRAV.ChannelEpoch),
		s.SubRAV.VmIdFragment,
		int64(s.SubRAV.Nonce),
		s.SubRAV.Amount().String(),
		encoded,
		hexutil.Encode(s.Signature),
		s.KeyID,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("claimer: save voucher: %w", err)
	}
	return nil
}

// FindUnclaimed lists vouchers with unclaimed progress that were not
// rejected permanently. A nil channelID lists every channel.
func (c *VoucherRepository) FindUnclaimed(ctx context.Context, channelID *common.Hash) ([]SignedVoucher, error) {
	query := `SELECT * FROM subrav_signed_vouchers
		WHERE nonce > claimed_nonce AND nonce <> failed_nonce`
	var args []any
	if channelID != nil {
		query += ` AND channel_id = ?`
		args = append(args, channelID.Hex())
	}
	query += ` ORDER BY channel_id, epoch, vm_id_fragment`
	return c.selectVouchers(ctx, query, args...)
}

func (c *VoucherRepository) FindByChannel(ctx context.Context, channelID common.Hash) ([]SignedVoucher, error) {
	return c.selectVouchers(ctx, `SELECT * FROM subrav_signed_vouchers
		WHERE channel_id = ? ORDER BY epoch, vm_id_fragment`, channelID.Hex())
}

func (c *VoucherRepository) Latest(
	ctx context.Context, channelID common.Hash, epoch uint64, fragment string,
) (*SignedVoucher, error) {
	var row voucherRow
	query := c.Db.Rebind(`SELECT * FROM subrav_signed_vouchers
		WHERE channel_id = ? AND epoch = ? AND vm_id_fragment = ?`)
	err := sqlx.GetContext(ctx, commons.Executor(ctx, c.Db), &row, query, channelID.Hex(), int64(epoch), fragment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claimer: read voucher: %w", err)
	}
	return row.decode()
}

func (c *VoucherRepository) selectVouchers(ctx context.Context, query string, args ...any) ([]SignedVoucher, error) {
	var rows []voucherRow
	err := sqlx.SelectContext(ctx, commons.Executor(ctx, c.Db), &rows, c.Db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("claimer: list vouchers: %w", err)
	}
	vouchers := make([]SignedVoucher, 0, len(rows))
	for _, row := range rows {
		v, err := row.decode()
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, *v)
	}
	return vouchers, nil
}

// MarkClaimed records that the sub-channel was claimed up to nonce.
func (c *VoucherRepository) MarkClaimed(
	ctx context.Context, channelID common.Hash, epoch uint64, fragment string, nonce uint64, amount *big.Int,
) error {
	query := c.Db.Rebind(`UPDATE subrav_signed_vouchers
		SET claimed_nonce = ?, claimed_amount = ?, updated_at = ?
		WHERE channel_id = ? AND epoch = ? AND vm_id_fragment = ? AND claimed_nonce < ?`)
	_, err := commons.Executor(ctx, c.Db).ExecContext(ctx, query,
		int64(nonce), amount.String(), time.Now().UnixMilli(),
		channelID.Hex(), int64(epoch), fragment, int64(nonce))
	if err != nil {
		return fmt.Errorf("claimer: mark claimed: %w", err)
	}
	return nil
}

// MarkFailed parks the voucher at nonce until a newer one is saved.
func (c *VoucherRepository) MarkFailed(
	ctx context.Context, channelID common.Hash, epoch uint64, fragment string, nonce uint64, reason string,
) error {
	query := c.Db.Rebind(`UPDATE subrav_signed_vouchers
		SET failed_nonce = ?, fail_reason = ?, updated_at = ?
		WHERE channel_id = ? AND epoch = ? AND vm_id_fragment = ? AND nonce = ?`)
	_, err := commons.Executor(ctx, c.Db).ExecContext(ctx, query,
		int64(nonce), reason, time.Now().UnixMilli(),
		channelID.Hex(), int64(epoch), fragment, int64(nonce))
	if err != nil {
		return fmt.Errorf("claimer: mark failed: %w", err)
	}
	return nil
}

func (r voucherRow) decode() (*SignedVoucher, error) {
	rav, err := subrav.FromHex(r.Encoded)
	if err != nil {
		return nil, fmt.Errorf("claimer: corrupt voucher: %w", err)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("claimer: corrupt signature: %w", err)
	}
	claimed, ok := new(big.Int).SetString(r.ClaimedAmount, 10)
	if !ok {
		return nil, fmt.Errorf("claimer: corrupt claimed amount %q", r.ClaimedAmount)
	}
	return &SignedVoucher{
		Signed:        &subrav.SignedSubRAV{SubRAV: rav, Signature: sig, KeyID: r.KeyID},
		ClaimedNonce:  uint64(r.ClaimedNonce),
		ClaimedAmount: claimed,
		FailedNonce:   uint64(r.FailedNonce),
		FailReason:    r.FailReason,
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}, nil
}
