package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// ProposalStore keeps the outstanding proposal issued for each sub-channel.
// Get returns nil when there is none.
type ProposalStore interface {
	Get(ctx context.Context, channelID common.Hash, fragment string) (*subrav.SubRAV, error)
	Put(ctx context.Context, proposal subrav.SubRAV) error
	Delete(ctx context.Context, channelID common.Hash, fragment string) error
}

type proposalKey struct {
	channelID common.Hash
	fragment  string
}

type MemoryProposalStore struct {
	mu        sync.Mutex
	proposals map[proposalKey]subrav.SubRAV
}

func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{proposals: make(map[proposalKey]subrav.SubRAV)}
}

func (m *MemoryProposalStore) Get(ctx context.Context, channelID common.Hash, fragment string) (*subrav.SubRAV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalKey{channelID, fragment}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryProposalStore) Put(ctx context.Context, proposal subrav.SubRAV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[proposalKey{proposal.ChannelID, proposal.VmIdFragment}] = proposal
	return nil
}

func (m *MemoryProposalStore) Delete(ctx context.Context, channelID common.Hash, fragment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proposals, proposalKey{channelID, fragment})
	return nil
}

type SqlProposalStore struct {
	Db *sqlx.DB
}

func (s *SqlProposalStore) CreateTables() error {
	schema := `CREATE TABLE IF NOT EXISTS subrav_issued_proposals (
		channel_id     TEXT NOT NULL,
		vm_id_fragment TEXT NOT NULL,
		encoded        TEXT NOT NULL,
		created_at     BIGINT NOT NULL,
		PRIMARY KEY (channel_id, vm_id_fragment));`
	_, err := s.Db.Exec(schema)
	return err
}

func (s *SqlProposalStore) Get(ctx context.Context, channelID common.Hash, fragment string) (*subrav.SubRAV, error) {
	var encoded string
	query := s.Db.Rebind(`SELECT encoded FROM subrav_issued_proposals
		WHERE channel_id = ? AND vm_id_fragment = ?`)
	err := commons.Executor(ctx, s.Db).QueryRowxContext(ctx, query, channelID.Hex(), fragment).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service: get proposal: %w", err)
	}
	r, err := subrav.FromHex(encoded)
	if err != nil {
		return nil, fmt.Errorf("service: stored proposal: %w", err)
	}
	return &r, nil
}

func (s *SqlProposalStore) Put(ctx context.Context, proposal subrav.SubRAV) error {
	encoded, err := subrav.ToHex(proposal)
	if err != nil {
		return err
	}
	query := s.Db.Rebind(`INSERT INTO subrav_issued_proposals
		(channel_id, vm_id_fragment, encoded, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, vm_id_fragment) DO UPDATE SET
			encoded = excluded.encoded,
			created_at = excluded.created_at`)
	_, err = commons.Executor(ctx, s.Db).ExecContext(ctx, query,
		proposal.ChannelID.Hex(), proposal.VmIdFragment, encoded, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("service: put proposal: %w", err)
	}
	return nil
}

func (s *SqlProposalStore) Delete(ctx context.Context, channelID common.Hash, fragment string) error {
	query := s.Db.Rebind(`DELETE FROM subrav_issued_proposals
		WHERE channel_id = ? AND vm_id_fragment = ?`)
	_, err := commons.Executor(ctx, s.Db).ExecContext(ctx, query, channelID.Hex(), fragment)
	if err != nil {
		return fmt.Errorf("service: delete proposal: %w", err)
	}
	return nil
}
