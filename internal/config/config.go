// Package config is the Config & CLI layer (C9): go-flags subcommand
// parsing plus an optional YAML config file merged under flag
// overrides, in the shape of the teacher's cmd/*/config.go files
// (flat configFlags struct, flags.NewParser, explicit validation after
// Parse returns).
package config

import (
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/trevorbernard/mina-indexer/internal/logger"
)

// StartConfig is the fully resolved configuration for `server start`.
type StartConfig struct {
	BlocksDir         string        `long:"blocks-dir" yaml:"blocks_dir" description:"Directory the watcher polls for precomputed-block JSON files"`
	StakingLedgersDir string        `long:"staking-ledgers-dir" yaml:"staking_ledgers_dir" description:"Directory the watcher polls for staking-ledger JSON files"`
	DatabaseDir       string        `long:"database-dir" yaml:"database_dir" description:"Directory holding the embedded KV database"`
	DomainSocketPath  string        `long:"domain-socket-path" yaml:"domain_socket_path" description:"Unix-domain socket path for the IPC server"`
	HTTPListenAddr    string        `long:"http-listen-addr" yaml:"http_listen_addr" description:"Listen address for the GraphQL/HTTP adapter"`
	LogLevel          string        `long:"log-level" yaml:"log_level" default:"INFO" choice:"TRACE" choice:"DEBUG" choice:"INFO" choice:"WARN" choice:"ERROR" description:"Minimum log level"`
	LogFile           string        `long:"log-file" yaml:"log_file" description:"Optional rotated log file; stderr is always kept as a writer alongside it"`
	ConfigFile        string        `long:"config" description:"Optional YAML config file; flags override its values"`
	PollInterval      time.Duration `long:"poll-interval" yaml:"poll_interval" default:"2s" description:"Watcher directory poll cadence"`
	MaxReorgDepth     uint32        `long:"max-reorg-depth" yaml:"max_reorg_depth" default:"100" description:"Reorgs deeper than this are fatal"`
	SnapshotEvery     uint32        `long:"snapshot-every" yaml:"snapshot_every" default:"1000" description:"Pin a full ledger snapshot every N canonical heights"`
	QueryTimeout      time.Duration `long:"query-timeout" yaml:"query_timeout" default:"5s" description:"Deadline for a single IPC or GraphQL query before it fails with DeadlineExceeded"`
}

type startCommand struct {
	StartConfig
}

type shutdownCommand struct {
	DomainSocketPath string `long:"domain-socket-path" description:"Unix-domain socket path for the IPC server" required:"true"`
}

type rootOptions struct {
	Start    startCommand    `command:"start" description:"Run the indexer server"`
	Shutdown shutdownCommand `command:"shutdown" description:"Request a running server to shut down over its IPC socket"`
}

// ExitCode mirrors §6's exit code table.
type ExitCode int

const (
	ExitClean           ExitCode = 0
	ExitConfigError     ExitCode = 1
	ExitFatalRuntime    ExitCode = 2
	ExitSignalled       ExitCode = 130
)

// Command is the parsed, resolved command line: exactly one of Start
// or Shutdown is non-nil.
type Command struct {
	Start    *StartConfig
	Shutdown *shutdownCommand
}

// Parse parses args (normally os.Args[1:]) into a Command, merging a
// YAML config file under the start subcommand's flags if --config was
// given. Flags always win over file values, matching the teacher's
// convention of resolving flags.NewParser first and validating after.
func Parse(args []string) (*Command, error) {
	var opts rootOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, errors.Wrap(err, "parse command line")
	}

	switch {
	case parser.Active != nil && parser.Active.Name == "start":
		cfg := opts.Start.StartConfig
		if cfg.ConfigFile != "" {
			merged, err := mergeYAML(cfg)
			if err != nil {
				return nil, err
			}
			cfg = merged
		}
		if err := validateStart(&cfg); err != nil {
			return nil, err
		}
		if _, ok := logger.LevelFromString(cfg.LogLevel); !ok {
			return nil, errors.Errorf("invalid --log-level %q", cfg.LogLevel)
		}
		return &Command{Start: &cfg}, nil
	case parser.Active != nil && parser.Active.Name == "shutdown":
		return &Command{Shutdown: &opts.Shutdown}, nil
	default:
		return nil, errors.New("a subcommand is required: start or shutdown")
	}
}

func validateStart(cfg *StartConfig) error {
	if cfg.BlocksDir == "" {
		return errors.New("--blocks-dir is required")
	}
	if cfg.StakingLedgersDir == "" {
		return errors.New("--staking-ledgers-dir is required")
	}
	if cfg.DatabaseDir == "" {
		return errors.New("--database-dir is required")
	}
	if cfg.DomainSocketPath == "" {
		return errors.New("--domain-socket-path is required")
	}
	return nil
}

// mergeYAML loads cfg.ConfigFile and fills in any zero-valued field the
// command line left unset; flag-provided values are never overwritten.
func mergeYAML(cfg StartConfig) (StartConfig, error) {
	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return cfg, errors.Wrap(err, "read config file")
	}
	var fromFile StartConfig
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return cfg, errors.Wrap(err, "parse config file")
	}

	if cfg.BlocksDir == "" {
		cfg.BlocksDir = fromFile.BlocksDir
	}
	if cfg.StakingLedgersDir == "" {
		cfg.StakingLedgersDir = fromFile.StakingLedgersDir
	}
	if cfg.DatabaseDir == "" {
		cfg.DatabaseDir = fromFile.DatabaseDir
	}
	if cfg.DomainSocketPath == "" {
		cfg.DomainSocketPath = fromFile.DomainSocketPath
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = fromFile.HTTPListenAddr
	}
	if cfg.LogFile == "" {
		cfg.LogFile = fromFile.LogFile
	}
	if fromFile.MaxReorgDepth != 0 && cfg.MaxReorgDepth == 100 {
		cfg.MaxReorgDepth = fromFile.MaxReorgDepth
	}
	if fromFile.SnapshotEvery != 0 && cfg.SnapshotEvery == 1000 {
		cfg.SnapshotEvery = fromFile.SnapshotEvery
	}
	if fromFile.QueryTimeout != 0 && cfg.QueryTimeout == 5*time.Second {
		cfg.QueryTimeout = fromFile.QueryTimeout
	}
	return cfg, nil
}
