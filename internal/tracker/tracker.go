// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package tracks the last confirmed voucher state per sub-channel and
// enforces nonce and amount monotonicity.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownChannel   = errors.New("tracker: unknown channel")
	ErrInvalidEpoch     = errors.New("tracker: invalid epoch")
	ErrInvalidNonce     = errors.New("tracker: invalid nonce")
	ErrDeltaOutOfBounds = errors.New("tracker: delta out of bounds")
)

// Key addresses one sub-channel ledger entry.
type Key struct {
	ChannelID    common.Hash
	Epoch        uint64
	VmIdFragment string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.ChannelID.Hex(), k.Epoch, k.VmIdFragment)
}

// Entry is the last confirmed state of a sub-channel.
type Entry struct {
	Nonce             uint64
	AccumulatedAmount *big.Int
	UpdatedAt         time.Time
}

// Amount returns the accumulated amount, treating nil as zero.
func (e Entry) Amount() *big.Int {
	if e.AccumulatedAmount == nil {
		return new(big.Int)
	}
	return e.AccumulatedAmount
}

type Record struct {
	Key   Key
	Entry Entry
}

// Store persists epochs and ledger entries. Writes must be durable when
// they return.
type Store interface {
	Epoch(ctx context.Context, channelID common.Hash) (uint64, bool, error)
	SetEpoch(ctx context.Context, channelID common.Hash, epoch uint64) error
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// CompareAndSwap stores next only if the stored nonce still equals
	// prevNonce (a missing entry counts as nonce 0).
	CompareAndSwap(ctx context.Context, key Key, prevNonce uint64, next Entry) (bool, error)
	// DeleteBefore drops every entry of channelID with an epoch below epoch.
	DeleteBefore(ctx context.Context, channelID common.Hash, epoch uint64) error
	List(ctx context.Context, channelID common.Hash) ([]Record, error)
}

type Tracker struct {
	store Store
	now   func() time.Time

	// Locks are dropped once no caller holds or waits for them.
	mu       sync.Mutex
	channels map[common.Hash]*channelLock
	subs     map[subKey]*subLock
}

type subKey struct {
	channelID common.Hash
	fragment  string
}

type channelLock struct {
	sync.RWMutex
	refs int
}

type subLock struct {
	sync.Mutex
	refs int
}

func New(store Store) *Tracker {
	return &Tracker{
		store:    store,
		now:      time.Now,
		channels: make(map[common.Hash]*channelLock),
		subs:     make(map[subKey]*subLock),
	}
}

func (t *Tracker) acquireChannel(channelID common.Hash) *channelLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.channels[channelID]
	if !ok {
		l = new(channelLock)
		t.channels[channelID] = l
	}
	l.refs++
	return l
}

func (t *Tracker) releaseChannel(channelID common.Hash, l *channelLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.channels, channelID)
	}
}

func (t *Tracker) acquireSub(k subKey) *subLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.subs[k]
	if !ok {
		l = new(subLock)
		t.subs[k] = l
	}
	l.refs++
	return l
}

func (t *Tracker) releaseSub(k subKey, l *subLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.subs, k)
	}
}

// lockChannel takes the channel lock exclusively; the returned func
// unlocks it.
func (t *Tracker) lockChannel(channelID common.Hash) func() {
	l := t.acquireChannel(channelID)
	l.Lock()
	return func() {
		l.Unlock()
		t.releaseChannel(channelID, l)
	}
}

// lockSubChannel takes the channel lock shared and the sub-channel lock
// exclusively; the returned func unlocks both.
func (t *Tracker) lockSubChannel(channelID common.Hash, fragment string) func() {
	ch := t.acquireChannel(channelID)
	ch.RLock()
	k := subKey{channelID, fragment}
	sub := t.acquireSub(k)
	sub.Lock()
	return func() {
		sub.Unlock()
		t.releaseSub(k, sub)
		ch.RUnlock()
		t.releaseChannel(channelID, ch)
	}
}

// heldLocks reports how many lock entries are alive.
func (t *Tracker) heldLocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels) + len(t.subs)
}

// RegisterChannel records the current epoch of a channel. Registering a
// known channel with a lower epoch is refused.
func (t *Tracker) RegisterChannel(ctx context.Context, channelID common.Hash, epoch uint64) error {
	defer t.lockChannel(channelID)()
	current, ok, err := t.store.Epoch(ctx, channelID)
	if err != nil {
		return err
	}
	if ok && epoch < current {
		return fmt.Errorf("%w: channel %s is at epoch %d, got %d", ErrInvalidEpoch, channelID.Hex(), current, epoch)
	}
	if ok && epoch == current {
		return nil
	}
	return t.store.SetEpoch(ctx, channelID, epoch)
}

// CurrentEpoch returns the registered epoch or ErrUnknownChannel.
func (t *Tracker) CurrentEpoch(ctx context.Context, channelID common.Hash) (uint64, error) {
	epoch, ok, err := t.store.Epoch(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID.Hex())
	}
	return epoch, nil
}

// ResetEpoch moves a channel to newEpoch and discards the state of older
// epochs. It waits for in-flight advances on the channel.
func (t *Tracker) ResetEpoch(ctx context.Context, channelID common.Hash, newEpoch uint64) error {
	defer t.lockChannel(channelID)()
	current, ok, err := t.store.Epoch(ctx, channelID)
	if err != nil {
		return err
	}
	if ok && newEpoch <= current {
		return fmt.Errorf("%w: channel %s is at epoch %d, cannot reset to %d",
			ErrInvalidEpoch, channelID.Hex(), current, newEpoch)
	}
	if err := t.store.SetEpoch(ctx, channelID, newEpoch); err != nil {
		return err
	}
	if err := t.store.DeleteBefore(ctx, channelID, newEpoch); err != nil {
		return err
	}
	slog.Info("tracker: epoch reset", "channel", channelID.Hex(), "epoch", newEpoch)
	return nil
}

// LastConfirmed returns the last confirmed state; a miss yields (0, 0).
func (t *Tracker) LastConfirmed(ctx context.Context, key Key) (Entry, error) {
	entry, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{AccumulatedAmount: new(big.Int)}, nil
	}
	return entry, nil
}

// TryAdvance accepts (nonce, amount) for the sub-channel when the nonce is
// strictly greater than the last confirmed one and the amount grows by at
// most maxDelta. A nil maxDelta means unbounded. On success the new state
// is stored before returning and the delta is returned; on failure the
// state is left untouched.
func (t *Tracker) TryAdvance(
	ctx context.Context,
	key Key,
	nonce uint64,
	amount *big.Int,
	maxDelta *big.Int,
) (*big.Int, error) {
	defer t.lockSubChannel(key.ChannelID, key.VmIdFragment)()

	epoch, err := t.CurrentEpoch(ctx, key.ChannelID)
	if err != nil {
		return nil, err
	}
	if key.Epoch != epoch {
		return nil, fmt.Errorf("%w: voucher epoch %d, channel epoch %d", ErrInvalidEpoch, key.Epoch, epoch)
	}
	last, err := t.LastConfirmed(ctx, key)
	if err != nil {
		return nil, err
	}
	if nonce <= last.Nonce {
		return nil, fmt.Errorf("%w: got %d, last confirmed %d", ErrInvalidNonce, nonce, last.Nonce)
	}
	if amount == nil || amount.Cmp(last.Amount()) < 0 {
		return nil, fmt.Errorf("%w: amount %v below confirmed %s", ErrDeltaOutOfBounds, amount, last.Amount())
	}
	delta := new(big.Int).Sub(amount, last.Amount())
	if maxDelta != nil && delta.Cmp(maxDelta) > 0 {
		return nil, fmt.Errorf("%w: delta %s exceeds %s", ErrDeltaOutOfBounds, delta, maxDelta)
	}
	next := Entry{
		Nonce:             nonce,
		AccumulatedAmount: new(big.Int).Set(amount),
		UpdatedAt:         t.now(),
	}
	swapped, err := t.store.CompareAndSwap(ctx, key, last.Nonce, next)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// another process sharing the store advanced first
		return nil, fmt.Errorf("%w: concurrent advance from nonce %d", ErrInvalidNonce, last.Nonce)
	}
	slog.Debug("tracker: advanced", "key", key.String(), "nonce", nonce, "delta", delta)
	return delta, nil
}

// List returns the stored entries of a channel.
func (t *Tracker) List(ctx context.Context, channelID common.Hash) ([]Record, error) {
	return t.store.List(ctx, channelID)
}
