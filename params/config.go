package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// GenesisValidator is one committee seed entry: a validator ID, whose raw
// bytes (zero-padded to 32) also seed its BLS key in dev mode, with its
// initial stake.
type GenesisValidator struct {
	ID    string
	Stake uint64
}

type Consensus struct {
	// Delta is the assumed message-delivery bound; the view timer is 3·Delta.
	Delta time.Duration

	Committee []GenesisValidator

	BlockSizeCap       int
	OrphanCap          int
	OrphanPerParentCap int
	OrphanDepthCap     int
	RequestRetryBudget int
	FutureViewWindow   uint64
}

type Node struct {
	SelfID     string
	DataDir    string
	ListenAddr string
	Bootstrap  []string
	APIAddr    string
	LogFile    string
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Delta: 2 * time.Second,
			Committee: []GenesisValidator{
				{ID: "val1", Stake: 10000},
				{ID: "val2", Stake: 10000},
				{ID: "val3", Stake: 10000},
				{ID: "val4", Stake: 10000},
			},
			BlockSizeCap:       1 << 20,
			OrphanCap:          1024,
			OrphanPerParentCap: 64,
			OrphanDepthCap:     64,
			RequestRetryBudget: 5,
			FutureViewWindow:   64,
		},
		Node: Node{
			SelfID:     "val1",
			DataDir:    "data",
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
			APIAddr:    ":8545",
			LogFile:    "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DELTA_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.Delta = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("BLOCK_SIZE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.BlockSizeCap = n
		}
	}
	if v := os.Getenv("ORPHAN_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.OrphanCap = n
		}
	}
	if v := os.Getenv("ORPHAN_DEPTH_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.OrphanDepthCap = n
		}
	}
	if v := os.Getenv("REQUEST_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.RequestRetryBudget = n
		}
	}

	// Committee as "id:stake,id:stake,...".
	if v := os.Getenv("COMMITTEE"); v != "" {
		var out []GenesisValidator
		for _, entry := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if parts[0] == "" {
				continue
			}
			gv := GenesisValidator{ID: parts[0], Stake: 10000}
			if len(parts) == 2 {
				if s, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
					gv.Stake = s
				}
			}
			out = append(out, gv)
		}
		if len(out) > 0 {
			cfg.Consensus.Committee = out
		}
	}

	if v := os.Getenv("SELF_ID"); v != "" {
		cfg.Node.SelfID = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = strings.Split(v, ",")
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	return cfg
}
