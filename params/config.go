package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	// Validators is the devnet validator count; validator keys are derived
	// from their index.
	Validators    int
	MaxBlockTxns  uint64
	MaxBlockBytes uint64
	// MaxPayloadWait bounds how long a proposal waits for transactions. On an
	// idle devnet it is also the block interval.
	MaxPayloadWait time.Duration
	RoundTimeout   time.Duration
	VoteTimeout    time.Duration
}

type Mempool struct {
	Capacity       int
	MaxTxBytes     int
	CommittedCache int
}

type Node struct {
	// Index of this node in the devnet validator set.
	Index      int
	DataDir    string
	ListenAddr string
	Bootstrap  []string
	APIAddr    string
	// KeyHex and BLSSeedHex override the devnet keys of Index.
	KeyHex     string
	BLSSeedHex string
	// TxGen selects a synthetic load profile: "", "default" or "high".
	TxGen   string
	LogFile string
	Verbose bool
}

type Config struct {
	Consensus Consensus
	Mempool   Mempool
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Validators:     1,
			MaxBlockTxns:   1000,
			MaxBlockBytes:  1 << 20,
			MaxPayloadWait: 200 * time.Millisecond, // devnet: 5 blocks/sec when idle
			RoundTimeout:   3 * time.Second,
			VoteTimeout:    time.Second,
		},
		Mempool: Mempool{
			Capacity:       10_000,
			MaxTxBytes:     64 << 10,
			CommittedCache: 100_000,
		},
		Node: Node{
			DataDir: "data",
			APIAddr: ":8080",
			LogFile: "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setUint := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		ms := -1
		setInt(key, &ms)
		if ms >= 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	setInt("CONSENSUS_VALIDATORS", &cfg.Consensus.Validators)
	setUint("CONSENSUS_MAX_BLOCK_TXNS", &cfg.Consensus.MaxBlockTxns)
	setUint("CONSENSUS_MAX_BLOCK_BYTES", &cfg.Consensus.MaxBlockBytes)
	setMillis("CONSENSUS_MAX_PAYLOAD_WAIT_MS", &cfg.Consensus.MaxPayloadWait)
	setMillis("CONSENSUS_ROUND_TIMEOUT_MS", &cfg.Consensus.RoundTimeout)
	setMillis("CONSENSUS_VOTE_TIMEOUT_MS", &cfg.Consensus.VoteTimeout)

	setInt("MEMPOOL_CAPACITY", &cfg.Mempool.Capacity)
	setInt("MEMPOOL_MAX_TX_BYTES", &cfg.Mempool.MaxTxBytes)
	setInt("MEMPOOL_COMMITTED_CACHE", &cfg.Mempool.CommittedCache)

	setInt("NODE_INDEX", &cfg.Node.Index)
	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.ListenAddr = getEnv("NODE_LISTEN", cfg.Node.ListenAddr)
	if bs := os.Getenv("NODE_BOOTSTRAP"); bs != "" {
		for _, a := range strings.Split(bs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.Node.Bootstrap = append(cfg.Node.Bootstrap, a)
			}
		}
	}
	cfg.Node.APIAddr = getEnv("NODE_API_ADDR", cfg.Node.APIAddr)
	cfg.Node.KeyHex = strings.TrimPrefix(getEnv("NODE_KEY_HEX", cfg.Node.KeyHex), "0x")
	cfg.Node.BLSSeedHex = strings.TrimPrefix(getEnv("NODE_BLS_SEED", cfg.Node.BLSSeedHex), "0x")
	cfg.Node.TxGen = getEnv("NODE_TXGEN", cfg.Node.TxGen)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"

	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Consensus.Validators < 1:
		return fmt.Errorf("need at least one validator, got %d", c.Consensus.Validators)
	case c.Node.Index < 0 || c.Node.Index >= c.Consensus.Validators:
		return fmt.Errorf("node index %d outside validator set of %d", c.Node.Index, c.Consensus.Validators)
	case c.Consensus.VoteTimeout <= 0 || c.Consensus.RoundTimeout <= 0:
		return errors.New("round and vote timeouts must be positive")
	case c.Node.TxGen != "" && c.Node.TxGen != "default" && c.Node.TxGen != "high":
		return fmt.Errorf("unknown NODE_TXGEN %q", c.Node.TxGen)
	case c.Consensus.MaxBlockBytes > 0 && (c.Mempool.MaxTxBytes <= 0 || uint64(c.Mempool.MaxTxBytes) > c.Consensus.MaxBlockBytes):
		return fmt.Errorf("MEMPOOL_MAX_TX_BYTES %d must be positive and fit in CONSENSUS_MAX_BLOCK_BYTES %d",
			c.Mempool.MaxTxBytes, c.Consensus.MaxBlockBytes)
	}
	return nil
}

// Quorum is the number of votes that certify a block: 2f+1 of n = 3f+1.
func (c Consensus) Quorum() int {
	return 2*((c.Validators-1)/3) + 1
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
