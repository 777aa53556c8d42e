package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperbft/params"
	"github.com/uhyunpark/hyperbft/pkg/api"
	"github.com/uhyunpark/hyperbft/pkg/consensus"
	"github.com/uhyunpark/hyperbft/pkg/crypto"
	"github.com/uhyunpark/hyperbft/pkg/mempool"
	"github.com/uhyunpark/hyperbft/pkg/p2p"
	"github.com/uhyunpark/hyperbft/pkg/storage"
	"github.com/uhyunpark/hyperbft/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) (err error) {
	// ---- Keys & validator set ----
	author, vote, err := loadKeys(cfg.Node)
	if err != nil {
		return err
	}
	authors, blsKeys, err := validatorSet(cfg, author, vote)
	if err != nil {
		return err
	}
	verifier := crypto.NewQuorumVerifier(blsKeys, cfg.Consensus.Quorum())
	self := author.Address()

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "tree.wal"))
	if err != nil {
		store.Close()
		return fmt.Errorf("open wal: %w", err)
	}
	var closers []func() error
	closers = append(closers, wal.Close, store.Close)
	defer func() {
		var merr *multierror.Error
		for _, c := range closers {
			merr = multierror.Append(merr, c())
		}
		if cerr := merr.ErrorOrNil(); cerr != nil {
			sugar.Warnw("shutdown_errors", "err", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	// API server is created once the tree exists; certified updates that
	// fire during recovery are not streamed.
	var apiServer atomic.Pointer[api.Server]
	tree, err := openTree(store, consensus.BlockTreeConfig{
		Author: self,
		Store:  store,
		WAL:    wal,
		Logger: sugar,
		OnHighestCertified: relayCertified(&apiServer),
	})
	if err != nil {
		return err
	}

	// ---- Mempool ----
	pool, err := mempool.NewMempool(mempool.Config{
		MaxTxs:             cfg.Mempool.Capacity,
		MaxTxBytes:         cfg.Mempool.MaxTxBytes,
		CommittedCacheSize: cfg.Mempool.CommittedCache,
	}, util.RealClock{})
	if err != nil {
		return err
	}
	pool.Logger = sugar

	// ---- Proposal generation ----
	lastProposed, err := store.GetProposedRound()
	if err != nil {
		return fmt.Errorf("load proposed round: %w", err)
	}
	gen := consensus.NewProposalGenerator(consensus.GeneratorConfig{
		Author:            self,
		MaxBlockTxns:      cfg.Consensus.MaxBlockTxns,
		MaxBlockBytes:     cfg.Consensus.MaxBlockBytes,
		MaxPayloadWait:    cfg.Consensus.MaxPayloadWait,
		LastProposedRound: lastProposed,
	}, tree, pool, util.RealClock{})
	gen.Store = store
	gen.Logger = sugar
	proposer := consensus.NewProposer(gen)
	proposer.Logger = sugar

	// ---- Network ----
	var net consensus.Network
	if cfg.Consensus.Validators > 1 || cfg.Node.ListenAddr != "" {
		lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Node.ListenAddr,
			Bootstrap:  cfg.Node.Bootstrap,
			Self:       self,
			Logger:     sugar,
		})
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		closers = append([]func() error{lpn.Close}, closers...)
		net = lpn
	} else {
		net = p2p.NewLocalHub().Join(self)
	}

	// ---- Consensus ----
	startRound := tree.HighestQuorumCert().Round() + 1
	pm := consensus.NewPacemaker(consensus.PacemakerTimers{RoundTimeout: cfg.Consensus.RoundTimeout}, util.RealClock{}, startRound)
	engine := consensus.NewEngine(consensus.EngineConfig{
		Self:        self,
		Elector:     consensus.RoundRobinElector{Authors: authors},
		Quorum:      cfg.Consensus.Quorum(),
		VoteTimeout: cfg.Consensus.VoteTimeout,
	}, tree, proposer, consensus.Keys{Author: author, Vote: vote, Verifier: verifier}, pm, net)
	engine.Logger = sugar
	engine.WAL = wal
	engine.VerboseLogging = cfg.Node.Verbose

	srv := api.NewServer(tree, pool, sugar)
	apiServer.Store(srv)
	engine.OnCommit = func(committed []*consensus.Block, pruned []consensus.Hash) {
		for _, b := range committed {
			pool.NotifyCommitted(b.Payload)
		}
		srv.BroadcastCommitted(committed[len(committed)-1], pruned)
	}

	sugar.Infow("node_starting",
		"self", self.Hex(),
		"index", cfg.Node.Index,
		"validators", len(authors),
		"quorum_need", cfg.Consensus.Quorum(),
		"root_round", tree.OrderedRoot().Round,
		"start_round", startRound,
		"last_proposed_round", lastProposed)

	// ---- Transaction Feeder (optional) ----
	// Enable with: NODE_TXGEN=default|high
	switch cfg.Node.TxGen {
	case "default":
		defer mempool.StartFeeder(ctx, pool, mempool.DefaultFeederConfig(), sugar)()
	case "high":
		defer mempool.StartFeeder(ctx, pool, mempool.HighLoadFeederConfig(), sugar)()
	default:
		sugar.Info("txgen_disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proposer.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx, cfg.Node.APIAddr) })
	g.Go(func() error { return progressLoop(gctx, tree, pool, sugar) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadKeys returns the configured keys, or the devnet keys of the node index.
func loadKeys(n params.Node) (*crypto.Signer, *crypto.BLSSigner, error) {
	author, vote, err := crypto.DevnetKeys(n.Index)
	if err != nil {
		return nil, nil, err
	}
	if n.KeyHex != "" {
		if author, err = crypto.FromPrivateKeyHex(n.KeyHex); err != nil {
			return nil, nil, fmt.Errorf("NODE_KEY_HEX: %w", err)
		}
	}
	if n.BLSSeedHex != "" {
		seed, err := hex.DecodeString(n.BLSSeedHex)
		if err != nil {
			return nil, nil, fmt.Errorf("NODE_BLS_SEED: %w", err)
		}
		if vote, err = crypto.NewBLSSignerFromSeed(seed); err != nil {
			return nil, nil, fmt.Errorf("NODE_BLS_SEED: %w", err)
		}
	}
	return author, vote, nil
}

// validatorSet is the devnet set, except that a lone validator may run with
// its own keys.
func validatorSet(cfg params.Config, author *crypto.Signer, vote *crypto.BLSSigner) ([]consensus.Author, map[common.Address]*crypto.BLSPubKey, error) {
	if cfg.Consensus.Validators == 1 {
		return []consensus.Author{author.Address()},
			map[common.Address]*crypto.BLSPubKey{author.Address(): vote.Pubkey()}, nil
	}
	authors, keys, err := crypto.DevnetValidatorSet(cfg.Consensus.Validators)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := keys[author.Address()]; !ok {
		return nil, nil, fmt.Errorf("author %s is not in the devnet validator set", author.Address().Hex())
	}
	return authors, keys, nil
}

// openTree recovers the tree from store, or starts one at genesis.
func openTree(store *storage.PebbleStore, cfg consensus.BlockTreeConfig) (*consensus.BlockTree, error) {
	data, err := store.LoadTree()
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	if data != nil {
		tree, err := consensus.RecoverBlockTree(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("recover tree: %w", err)
		}
		util.OrNop(cfg.Logger).Infow("tree_recovered", "root_round", tree.OrderedRoot().Round, "blocks", tree.Len())
		return tree, nil
	}
	genesis := consensus.GenesisBlock(1, 0)
	return consensus.NewBlockTree(genesis, consensus.GenesisQuorumCert(genesis), cfg)
}

// relayCertified streams certified updates once the API server is published;
// the tree may fire before that, and from other goroutines.
func relayCertified(p *atomic.Pointer[api.Server]) func(*consensus.Block, consensus.QuorumCert) {
	return func(b *consensus.Block, qc consensus.QuorumCert) {
		if srv := p.Load(); srv != nil {
			srv.BroadcastCertified(b, qc)
		}
	}
}

// progressLoop logs tree progress every second while it moves.
func progressLoop(ctx context.Context, tree *consensus.BlockTree, pool *mempool.Mempool, sugar *zap.SugaredLogger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastRoot consensus.Round
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			root := tree.OrderedRoot().Round
			if root == lastRoot {
				continue
			}
			sugar.Infow("consensus_progress",
				"root_round", root,
				"highest_certified_round", tree.HighestQuorumCert().Round(),
				"committed_since_last_log", root-lastRoot,
				"blocks", tree.Len(),
				"mempool", pool.Len())
			lastRoot = root
		}
	}
}
