package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

var (
	ErrDuplicate        = errors.New("transaction already pending")
	ErrAlreadyCommitted = errors.New("transaction already committed")
	ErrFull             = errors.New("mempool full")
	ErrTooLarge         = errors.New("transaction too large")
	ErrEmpty            = errors.New("empty transaction")
)

type Config struct {
	// Zero means unlimited.
	MaxTxs     int
	MaxTxBytes int
	// CommittedCacheSize bounds how many committed transaction hashes are
	// remembered to reject replays.
	CommittedCacheSize int
}

func DefaultConfig() Config {
	return Config{MaxTxs: 10_000, MaxTxBytes: 64 << 10, CommittedCacheSize: 100_000}
}

// Mempool holds pending transactions in admission order. Pulling a payload
// does not remove anything: transactions leave the pool when a block
// carrying them commits.
type Mempool struct {
	mu        sync.Mutex
	cfg       Config
	queue     []consensus.Transaction
	pending   map[consensus.Hash]struct{}
	committed *lru.Cache
	// closed and replaced whenever a transaction is added
	added chan struct{}

	clock  util.Clock
	Logger *zap.SugaredLogger
}

func NewMempool(cfg Config, clock util.Clock) (*Mempool, error) {
	size := cfg.CommittedCacheSize
	if size <= 0 {
		size = DefaultConfig().CommittedCacheSize
	}
	committed, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("committed cache: %w", err)
	}
	return &Mempool{
		cfg:       cfg,
		pending:   make(map[consensus.Hash]struct{}),
		committed: committed,
		added:     make(chan struct{}),
		clock:     clock,
	}, nil
}

// Add enqueues a copy of tx.
func (m *Mempool) Add(tx []byte) (consensus.Hash, error) {
	if len(tx) == 0 {
		return consensus.Hash{}, ErrEmpty
	}
	if m.cfg.MaxTxBytes > 0 && len(tx) > m.cfg.MaxTxBytes {
		return consensus.Hash{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(tx), m.cfg.MaxTxBytes)
	}
	cp := consensus.Transaction(append([]byte(nil), tx...))
	h := cp.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed.Contains(h) {
		return h, ErrAlreadyCommitted
	}
	if _, ok := m.pending[h]; ok {
		return h, ErrDuplicate
	}
	if m.cfg.MaxTxs > 0 && len(m.queue) >= m.cfg.MaxTxs {
		return h, ErrFull
	}
	m.queue = append(m.queue, cp)
	m.pending[h] = struct{}{}
	close(m.added)
	m.added = make(chan struct{})
	return h, nil
}

// PullPayload returns pending transactions in admission order within the
// request limits, skipping those already carried by req.Exclude. With
// nothing to offer it waits for new transactions until req.Deadline and then
// returns an empty payload.
func (m *Mempool) PullPayload(ctx context.Context, req consensus.PayloadRequest) (consensus.Payload, error) {
	exclude := make(map[consensus.Hash]struct{})
	for _, p := range req.Exclude {
		for _, tx := range p {
			exclude[tx.Hash()] = struct{}{}
		}
	}

	var timeout <-chan time.Time
	if !req.Deadline.IsZero() {
		timeout = m.clock.After(req.Deadline.Sub(m.clock.Now()))
	}

	for {
		m.mu.Lock()
		out := m.selectLocked(req, exclude)
		added := m.added
		m.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-added:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Mempool) selectLocked(req consensus.PayloadRequest, exclude map[consensus.Hash]struct{}) consensus.Payload {
	var out consensus.Payload
	var used uint64
	for _, tx := range m.queue {
		if req.MaxTxns > 0 && uint64(len(out)) >= req.MaxTxns {
			break
		}
		if _, skip := exclude[tx.Hash()]; skip {
			continue
		}
		n := uint64(len(tx))
		if req.MaxBytes > 0 && n > req.MaxBytes {
			// never fits; must not hold back what queues behind it
			continue
		}
		if req.MaxBytes > 0 && used+n > req.MaxBytes {
			break
		}
		out = append(out, tx)
		used += n
	}
	return out
}

// NotifyCommitted removes the committed payload from the pool and remembers
// its hashes so the same transactions are not admitted again.
func (m *Mempool) NotifyCommitted(p consensus.Payload) {
	if len(p) == 0 {
		return
	}
	done := make(map[consensus.Hash]struct{}, len(p))
	for _, tx := range p {
		done[tx.Hash()] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.queue[:0]
	for _, tx := range m.queue {
		if _, ok := done[tx.Hash()]; !ok {
			kept = append(kept, tx)
		}
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	for h := range done {
		delete(m.pending, h)
		m.committed.Add(h, struct{}{})
	}
	util.OrNop(m.Logger).Debugw("mempool_committed", "txs", len(p), "pending", len(m.queue))
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

var _ consensus.PayloadProvider = (*Mempool)(nil)
