package tx

import (
	"context"
	"regexp"
	"strconv"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type SequenceStore interface {
	Sequence() (uint64, bool, error)
	SetSequence(seq uint64) error
}

type AccountQuerier interface {
	AccountNumberSequence(ctx context.Context, addr string) (uint64, uint64, error)
}

// SequenceManager tracks the operator's next account sequence. It is advanced
// optimistically after each broadcast and corrected from chain rejections.
type SequenceManager struct {
	store    SequenceStore
	accounts AccountQuerier
	operator string
	logger   zerolog.Logger

	mu sync.Mutex
}

func NewSequenceManager(store SequenceStore, accounts AccountQuerier, operator string) *SequenceManager {
	return &SequenceManager{
		store:    store,
		accounts: accounts,
		operator: operator,
		logger:   log.Component("sequence"),
	}
}

// Next returns the sequence to sign the next transaction with.
func (m *SequenceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok, err := m.store.Sequence()
	if err != nil {
		return 0, err
	}
	if ok {
		return seq, nil
	}
	return m.syncLocked(ctx)
}

// Advance records that used was consumed by a broadcast transaction.
func (m *SequenceManager) Advance(used uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok, err := m.store.Sequence()
	if err != nil {
		return err
	}
	if ok && seq > used {
		return nil
	}

	m.logger.Info().Uint64("sequence", used+1).Msg("increment sequence")
	return m.store.SetSequence(used + 1)
}

// Resync sets the sequence to the one the chain expected in rawLog.
func (m *SequenceManager) Resync(rawLog string) (uint64, error) {
	seq, ok := ExpectedSequence(rawLog)
	if !ok {
		return 0, errorsmod.Wrapf(types.ErrSequenceMismatch, "no sequence in %q", rawLog)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info().Uint64("sequence", seq).Msg("setting sequence from chain rejection")
	if err := m.store.SetSequence(seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// SyncFromChain replaces the tracked sequence with the account's on-chain sequence.
func (m *SequenceManager) SyncFromChain(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx)
}

func (m *SequenceManager) syncLocked(ctx context.Context) (uint64, error) {
	_, seq, err := m.accounts.AccountNumberSequence(ctx, m.operator)
	if err != nil {
		return 0, err
	}
	if err := m.store.SetSequence(seq); err != nil {
		return 0, err
	}

	m.logger.Info().Uint64("sequence", seq).Msg("sequence synchronized from chain")
	return seq, nil
}

var (
	expectedRe = regexp.MustCompile(`expected (\d+)`)
	numberRe   = regexp.MustCompile(`\d+`)
)

// ExpectedSequence extracts the expected sequence from an "incorrect account sequence" log.
func ExpectedSequence(rawLog string) (uint64, bool) {
	match := ""
	if m := expectedRe.FindStringSubmatch(rawLog); m != nil {
		match = m[1]
	} else if m := numberRe.FindString(rawLog); m != "" {
		match = m
	}
	if match == "" {
		return 0, false
	}

	seq, err := strconv.ParseUint(match, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
