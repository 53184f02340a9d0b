package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/equa/go-validator/internal/bls"
	vlog "github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/rpcadapter"
	"github.com/equa/go-validator/internal/schnorrkey"
	"github.com/equa/go-validator/internal/txpipe"
	"github.com/equa/go-validator/internal/validator"
	"github.com/equa/go-validator/internal/validatorstore"
)

var (
	executionEndpoint = flag.String("execution-endpoint", "http://localhost:8551", "Paired node Engine API endpoint")
	rpcEndpoint       = flag.String("rpc-endpoint", "http://localhost:8545", "Paired node JSON-RPC endpoint")
	jwtSecretPath     = flag.String("jwt-secret", "", "Path to JWT secret file shared with the paired node")

	dataDir           = flag.String("datadir", "./validator-data", "Directory for persisted round state")
	signingKeyPath    = flag.String("signing-key", "", "Path to the validator's raw secp256k1 signing key (generated if empty)")
	votingKeyPath     = flag.String("voting-key", "", "Path to the validator's raw BLS voting key seed (generated if empty)")
	feeKeyPath        = flag.String("fee-key", "", "Path to the validator's raw secp256k1 fee key (the signing key is used if empty)")
	automaticReactivate = flag.Bool("automatic-reactivate", true, "Automatically broadcast a reactivation transaction when jailed or inactive")

	networkID          = flag.Uint("network-id", 3782, "Network id embedded in reactivation transactions")
	blocksPerEpoch     = flag.Uint64("blocks-per-epoch", 32, "Number of blocks per epoch")
	blockSeparation    = flag.Duration("block-separation-time", 1*time.Second, "Minimum time between micro blocks")
	producerTimeout    = flag.Duration("producer-timeout", 8*time.Second, "Deadline for producing a micro block before yielding the slot")
	proposalBufferSize = flag.Int("proposal-buffer-size", 256, "Capacity of the macro proposal buffer")
	stakingCheckPeriod = flag.Duration("staking-check-period", 10*time.Second, "How often to poll staking status for reactivation")
	proposalPoll       = flag.Duration("proposal-poll-interval", 500*time.Millisecond, "How often to poll the paired node for gossiped proposals")

	verbose = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	vlog.SetDefault(vlog.New(level))
	logger := vlog.Default()

	logger.Info("starting validator orchestrator")

	if err := run(logger); err != nil {
		vlog.Crit("validator orchestrator exited with error", "error", err)
	}
}

func run(logger *vlog.Logger) error {
	identity, err := loadIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("loaded validator identity", "address", fmt.Sprintf("0x%x", identity.Address))

	store, err := validatorstore.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open validator store: %w", err)
	}
	defer store.Close()

	jwtSecret := readJWTSecret(logger, *jwtSecretPath)
	client := rpcadapter.NewClient(*rpcEndpoint, *executionEndpoint, jwtSecret)

	blockchain := rpcadapter.NewBlockchainAdapter(client)
	staking := rpcadapter.NewStakingAdapter(client, *blocksPerEpoch)
	mempool := rpcadapter.NewMempoolAdapter(client)
	network := rpcadapter.NewNetworkAdapter(client)
	pipe := txpipe.New(*executionEndpoint, jwtSecret)

	cfg := validator.Config{
		Identity:            identity,
		AutomaticReactivate: *automaticReactivate,
		NetworkID:           uint32(*networkID),
		BlocksPerEpoch:      *blocksPerEpoch,
		BlockSeparationTime: *blockSeparation,
		ProducerTimeout:     *producerTimeout,
		ProposalBufferSize:  *proposalBufferSize,
		StakingCheckPeriod:  *stakingCheckPeriod,

		Blockchain: blockchain,
		Network:    network,
		Staking:    staking,
		Mempool:    mempool,
		TxPipe:     pipe,
		Store:      store,
		Sealer:     nil,

		NewBFTEngine: func(height uint64) validator.BFTEngine {
			logger.Warn("no BFT engine wired, macro blocks cannot be produced", "height", height)
			return nil
		},
	}

	orch, err := validator.NewOrchestrator(cfg)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go network.PollProposals(ctx, *proposalPoll)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			orch.Stop()
			return nil
		case <-statsTicker.C:
			proxy := orch.Proxy()
			band := proxy.SlotBand()
			logger.Info("validator status",
				"synced", proxy.Consensus.IsSynced(),
				"elected", band != nil,
				"automaticReactivate", proxy.AutomaticReactivate.Load())
		}
	}
}

func loadIdentity() (validator.ValidatorIdentity, error) {
	signingKey, err := loadOrGenerateSchnorrKey(*signingKeyPath)
	if err != nil {
		return validator.ValidatorIdentity{}, fmt.Errorf("signing key: %w", err)
	}
	votingKey, err := loadOrGenerateBLSKey(*votingKeyPath)
	if err != nil {
		return validator.ValidatorIdentity{}, fmt.Errorf("voting key: %w", err)
	}
	feeKeyPathValue := *feeKeyPath
	var feeKey *schnorrkey.KeyPair
	if feeKeyPathValue == "" {
		feeKey = signingKey
	} else {
		feeKey, err = loadOrGenerateSchnorrKey(feeKeyPathValue)
		if err != nil {
			return validator.ValidatorIdentity{}, fmt.Errorf("fee key: %w", err)
		}
	}

	var addr validator.Address
	pub := signingKey.Public.Bytes()
	copy(addr[:], pub[len(pub)-20:])

	return validator.ValidatorIdentity{
		Address:    addr,
		SigningKey: signingKey,
		VotingKey:  votingKey,
		FeeKey:     feeKey,
	}, nil
}

func loadOrGenerateSchnorrKey(path string) (*schnorrkey.KeyPair, error) {
	if path == "" {
		return schnorrkey.Generate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schnorrkey.PrivateKeyFromBytes(trimKeyBytes(data))
}

func loadOrGenerateBLSKey(path string) (*bls.KeyPair, error) {
	var ikm [32]byte
	if path == "" {
		if _, err := rand.Read(ikm[:]); err != nil {
			return nil, err
		}
		return bls.GenerateKeyPair(ikm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 32 {
		return nil, fmt.Errorf("voting key seed must be at least 32 bytes, got %d", len(data))
	}
	copy(ikm[:], data[:32])
	return bls.GenerateKeyPair(ikm)
}

// trimKeyBytes drops a trailing newline and an optional 0x prefix that a
// hand-edited key file commonly carries; it does not attempt hex decoding
// since key files are expected to hold the raw scalar.
func trimKeyBytes(b []byte) []byte {
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	return []byte(s)
}

func readJWTSecret(logger *vlog.Logger, path string) []byte {
	if path == "" {
		logger.Warn("no JWT secret provided, engine calls to the paired node will be unauthenticated")
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read JWT secret", "error", err)
		return nil
	}
	secret := strings.TrimSpace(string(data))
	secret = strings.TrimPrefix(secret, "0x")
	return []byte(secret)
}
