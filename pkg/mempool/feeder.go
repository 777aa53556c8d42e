package mempool

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbft/pkg/util"
)

// FeederConfig controls synthetic transaction generation.
type FeederConfig struct {
	BatchSize int           // txs per batch
	Interval  time.Duration // how often a batch is generated
	TxSize    int           // bytes per tx, at least 8
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{BatchSize: 10, Interval: 100 * time.Millisecond, TxSize: 64}
}

func HighLoadFeederConfig() FeederConfig {
	return FeederConfig{BatchSize: 100, Interval: 100 * time.Millisecond, TxSize: 128}
}

// StartFeeder pushes batches of random transactions into m until ctx is done
// or the returned cancel function is called.
func StartFeeder(ctx context.Context, m *Mempool, cfg FeederConfig, logger *zap.SugaredLogger) context.CancelFunc {
	log := util.OrNop(logger)
	if cfg.TxSize < 8 {
		cfg.TxSize = 8
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		var seq uint64
		var added, rejected int
		lastReport := start

		log.Infow("txfeeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval)
		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				log.Infow("txfeeder_stopped", "added", added, "rejected", rejected,
					"tx_per_sec", float64(added)/elapsed.Seconds())
				return
			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					seq++
					tx := make([]byte, cfg.TxSize)
					binary.BigEndian.PutUint64(tx, seq)
					for j := 8; j < len(tx); j++ {
						tx[j] = byte(rand.IntN(256))
					}
					if _, err := m.Add(tx); err != nil {
						rejected++
						continue
					}
					added++
				}
				if time.Since(lastReport) >= 10*time.Second {
					lastReport = time.Now()
					log.Infow("txfeeder_stats", "added", added, "rejected", rejected, "pending", m.Len())
				}
			}
		}
	}()

	return cancel
}
