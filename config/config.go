// Package config loads the node configuration with viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"dag-consensus/consensus"
	"dag-consensus/dag"
	"dag-consensus/network"
	"dag-consensus/tipselect"
	"dag-consensus/voting"
)

// EnvPrefix prefixes environment overrides, e.g. DAG_CONSENSUS_K.
const EnvPrefix = "DAG"

type Server struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Log struct {
	File  string `mapstructure:"app_log_file"`
	Level string `mapstructure:"level"`
}

type LevelDB struct {
	// Path of the database directory. Empty keeps everything in memory.
	Path string `mapstructure:"path"`
}

type Consensus struct {
	K                   int           `mapstructure:"k"`
	Alpha               float64       `mapstructure:"alpha"`
	Beta                int           `mapstructure:"beta"`
	Quorum              int           `mapstructure:"quorum"` // 0 = ceil(alpha*k)
	FinalityTimeout     time.Duration `mapstructure:"finality_timeout"`
	RoundTimeout        time.Duration `mapstructure:"round_timeout"`
	RoundInterval       time.Duration `mapstructure:"round_interval"`
	MaxRoundRetries     int           `mapstructure:"max_round_retries"`
	StalledPollInterval time.Duration `mapstructure:"stalled_poll_interval"`
	MaxConcurrentRounds int           `mapstructure:"max_concurrent_rounds"`
	Repoll              bool          `mapstructure:"repoll"`
	RequireSignatures   bool          `mapstructure:"require_signatures"`
	MaxPayloadSize      int           `mapstructure:"max_payload_size"`
	MaxVertexParents    int           `mapstructure:"max_vertex_parents"`
}

type Graph struct {
	Shards        int           `mapstructure:"shards"`
	OrphanTimeout time.Duration `mapstructure:"orphan_timeout"`
	MaxOrphans    int           `mapstructure:"max_orphans"`
	WeightDepth   int           `mapstructure:"weight_depth"`
	PruneDepth    uint64        `mapstructure:"prune_depth"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type Tips struct {
	Policy     string  `mapstructure:"policy"`
	MinParents int     `mapstructure:"min_parents"`
	MaxParents int     `mapstructure:"max_parents"`
	Alpha      float64 `mapstructure:"alpha"`
}

type Network struct {
	Self    string         `mapstructure:"self"`
	Peers   []network.Peer `mapstructure:"peers"`
	Timeout time.Duration  `mapstructure:"timeout"`
}

type Node struct {
	// Seed is the hex encoded ed25519 seed. A random key is generated when empty.
	Seed string `mapstructure:"seed"`
}

// Config is the whole node configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	LevelDB   LevelDB   `mapstructure:"leveldb"`
	Consensus Consensus `mapstructure:"consensus"`
	Graph     Graph     `mapstructure:"graph"`
	Tips      Tips      `mapstructure:"tips"`
	Network   Network   `mapstructure:"network"`
	Node      Node      `mapstructure:"node"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	params := voting.DefaultParams()
	graph := dag.DefaultConfig()
	tips := tipselect.DefaultConfig()
	engine := consensus.DefaultConfig()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/dag")

	v.SetDefault("consensus.k", params.K)
	v.SetDefault("consensus.alpha", params.Alpha)
	v.SetDefault("consensus.beta", params.Beta)
	v.SetDefault("consensus.quorum", 0)
	v.SetDefault("consensus.finality_timeout", params.FinalityTimeout)
	v.SetDefault("consensus.round_timeout", params.RoundTimeout)
	v.SetDefault("consensus.round_interval", engine.RoundInterval)
	v.SetDefault("consensus.max_round_retries", params.MaxRoundRetries)
	v.SetDefault("consensus.stalled_poll_interval", params.StalledPollInterval)
	v.SetDefault("consensus.max_concurrent_rounds", engine.MaxConcurrentRounds)
	v.SetDefault("consensus.repoll", engine.Repoll)
	v.SetDefault("consensus.require_signatures", false)
	v.SetDefault("consensus.max_payload_size", engine.MaxPayloadSize)
	v.SetDefault("consensus.max_vertex_parents", engine.MaxVertexParents)

	v.SetDefault("graph.shards", graph.Shards)
	v.SetDefault("graph.orphan_timeout", graph.OrphanTimeout)
	v.SetDefault("graph.max_orphans", graph.MaxOrphans)
	v.SetDefault("graph.weight_depth", graph.WeightDepth)
	v.SetDefault("graph.prune_depth", 0)
	v.SetDefault("graph.prune_interval", engine.PruneInterval)

	v.SetDefault("tips.policy", tips.Policy.String())
	v.SetDefault("tips.min_parents", tips.MinParents)
	v.SetDefault("tips.max_parents", tips.MaxParents)
	v.SetDefault("tips.alpha", tips.Alpha)

	v.SetDefault("network.self", "node")
	v.SetDefault("network.timeout", 2*time.Second)
}

// Load reads the file at path (when not empty) over the defaults and applies DAG_
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the ranges that the engine relies on.
func (c *Config) Validate() error {
	_, err := c.Engine()
	return err
}

// Engine converts the configuration into the consensus engine configuration.
func (c *Config) Engine() (consensus.Config, error) {
	policy, err := tipselect.ParsePolicy(c.Tips.Policy)
	if err != nil {
		return consensus.Config{}, err
	}

	cfg := consensus.DefaultConfig()
	cfg.Voting = voting.Params{
		K:                   c.Consensus.K,
		Alpha:               c.Consensus.Alpha,
		Beta:                c.Consensus.Beta,
		Quorum:              c.Consensus.Quorum,
		RoundTimeout:        c.Consensus.RoundTimeout,
		MaxRoundRetries:     c.Consensus.MaxRoundRetries,
		FinalityTimeout:     c.Consensus.FinalityTimeout,
		StalledPollInterval: c.Consensus.StalledPollInterval,
	}
	if cfg.Voting.Quorum == 0 {
		cfg.Voting.Quorum = voting.DefaultQuorum(c.Consensus.K, c.Consensus.Alpha)
	}
	cfg.Graph = dag.Config{
		Shards:        c.Graph.Shards,
		OrphanTimeout: c.Graph.OrphanTimeout,
		MaxOrphans:    c.Graph.MaxOrphans,
		WeightDepth:   c.Graph.WeightDepth,
		DroppedMemory: dag.DefaultConfig().DroppedMemory,
	}
	cfg.Tips = tipselect.Config{
		Policy:     policy,
		MinParents: c.Tips.MinParents,
		MaxParents: c.Tips.MaxParents,
		Alpha:      c.Tips.Alpha,
	}
	cfg.RoundInterval = c.Consensus.RoundInterval
	cfg.MaxConcurrentRounds = c.Consensus.MaxConcurrentRounds
	cfg.Repoll = c.Consensus.Repoll
	cfg.RequireSignatures = c.Consensus.RequireSignatures
	cfg.MaxPayloadSize = c.Consensus.MaxPayloadSize
	cfg.MaxVertexParents = c.Consensus.MaxVertexParents
	cfg.PruneDepth = c.Graph.PruneDepth
	cfg.PruneInterval = c.Graph.PruneInterval
	cfg.BroadcastTimeout = c.Network.Timeout

	if err := cfg.Validate(); err != nil {
		return consensus.Config{}, err
	}
	return cfg, nil
}
