package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/hadv/ockham/params"
	"github.com/hadv/ockham/pkg/api"
	"github.com/hadv/ockham/pkg/consensus"
	"github.com/hadv/ockham/pkg/crypto"
	"github.com/hadv/ockham/pkg/mempool"
	"github.com/hadv/ockham/pkg/node"
	"github.com/hadv/ockham/pkg/p2p"
	"github.com/hadv/ockham/pkg/storage"
	"github.com/hadv/ockham/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dev-mode keys: each committee id doubles as its BLS seed, so every
	// node derives the same committee deterministically.
	self := consensus.ValidatorID(cfg.Node.SelfID)
	var signer *crypto.BLSSigner
	vals := make([]consensus.Validator, 0, len(cfg.Consensus.Committee))
	stakes := make(map[consensus.ValidatorID]uint64, len(cfg.Consensus.Committee))
	for _, gv := range cfg.Consensus.Committee {
		s := crypto.NewBLSSignerFromSeed(seedFromID(gv.ID))
		pk := s.PubkeyBytes()
		id := consensus.ValidatorID(gv.ID)
		vals = append(vals, consensus.Validator{
			ID:      id,
			PubKey:  pk,
			Stake:   gv.Stake,
			Address: crypto.AddressFromPubKey(pk),
		})
		stakes[id] = gv.Stake
		if id == self {
			signer = s
		}
	}
	if signer == nil {
		log.Fatalf("self id %q not in committee", cfg.Node.SelfID)
	}
	committee := consensus.NewCommittee(vals)
	provider := crypto.NewBLSProvider(signer)

	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "wal.log"))
	if err != nil {
		log.Fatalf("open wal: %v", err)
	}

	net, err := p2p.NewLibp2pNet(ctx, p2p.Config{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Logger:     sugar,
	})
	if err != nil {
		log.Fatalf("p2p: %v", err)
	}
	net.AttachStore(store)

	pool := mempool.New()
	exec := node.NewExecutor(pool, int64(cfg.Consensus.BlockSizeCap), sugar)

	state := consensus.NewState(self, committee, stakes)
	engCfg := consensus.Config{
		Delta:              cfg.Consensus.Delta,
		BlockSizeCap:       cfg.Consensus.BlockSizeCap,
		OrphanCap:          cfg.Consensus.OrphanCap,
		OrphanPerParentCap: cfg.Consensus.OrphanPerParentCap,
		OrphanDepthCap:     cfg.Consensus.OrphanDepthCap,
		RequestRetryBudget: cfg.Consensus.RequestRetryBudget,
		FutureViewWindow:   consensus.View(cfg.Consensus.FutureViewWindow),
	}
	engine := consensus.NewEngine(state, store, net, exec, provider, util.RealClock{}, engCfg, sugar)
	engine.WAL = wal

	verifier := consensus.NewVerifier(provider, committee, engine.Submit, runtime.NumCPU())
	verifier.Run(ctx, runtime.NumCPU())
	net.AttachVerifier(verifier)

	apiSrv := api.NewServer(store, exec, sugar)
	go func() {
		if err := apiSrv.Start(cfg.Node.APIAddr); err != nil {
			sugar.Errorw("api_stopped", "err", err)
		}
	}()

	sugar.Infow("node_starting", "self", self, "committee", committee.Len(),
		"delta", cfg.Consensus.Delta)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Errorw("engine_stopped", "err", err)
	}
	sugar.Infow("node_shutdown")
}

func seedFromID(id string) []byte {
	seed := make([]byte, 32)
	copy(seed, id)
	return seed
}
