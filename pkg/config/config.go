package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/slotsync"
	"gopkg.in/yaml.v3"
)

type SlotWait struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  uint64        `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Confirm struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  uint64        `yaml:"max_attempts"`
}

type Config struct {
	RpcEndpoint      string   `yaml:"rpc_endpoint"`
	KeypairPath      string   `yaml:"keypair"`
	ProgramPath      string   `yaml:"program"`
	AccountDataPath  string   `yaml:"account_data"`
	SlotWait         SlotWait `yaml:"slot_wait"`
	Confirm          Confirm  `yaml:"confirm"`
	WriteChunkSize   int      `yaml:"write_chunk_size"`
	WriteConcurrency int      `yaml:"write_concurrency"`
	FixtureOut       string   `yaml:"fixture_out"`
	MetricsOut       string   `yaml:"metrics_out"`
	Progress         bool     `yaml:"progress"`
}

func Default() *Config {
	keypair := "id.json"
	if home, err := os.UserHomeDir(); err == nil {
		keypair = filepath.Join(home, ".config", "solana", "id.json")
	}

	slotPolicy := slotsync.DefaultPolicy()
	confirmPolicy := rpcclient.DefaultConfirmPolicy()

	return &Config{
		RpcEndpoint: "http://127.0.0.1:8899",
		KeypairPath: keypair,
		SlotWait: SlotWait{
			PollInterval: slotPolicy.PollInterval,
			MaxAttempts:  slotPolicy.MaxAttempts,
			Timeout:      slotPolicy.Timeout,
		},
		Confirm: Confirm{
			PollInterval: confirmPolicy.PollInterval,
			MaxAttempts:  confirmPolicy.MaxAttempts,
		},
		WriteChunkSize:   programs.DefaultWriteChunkSize,
		WriteConcurrency: programs.DefaultWriteConcurrency,
		Progress:         true,
	}
}

// Load reads a YAML config over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.RpcEndpoint == "" {
		errs = append(errs, errors.New("rpc endpoint is required"))
	}
	if c.KeypairPath == "" {
		errs = append(errs, errors.New("keypair path is required"))
	}
	if c.ProgramPath == "" {
		errs = append(errs, errors.New("program path is required"))
	}
	if c.SlotWait.PollInterval <= 0 {
		errs = append(errs, errors.New("slot wait poll interval must be positive"))
	}
	if c.SlotWait.MaxAttempts == 0 && c.SlotWait.Timeout <= 0 {
		errs = append(errs, errors.New("slot wait needs max attempts or a timeout"))
	}
	if c.Confirm.PollInterval <= 0 || c.Confirm.MaxAttempts == 0 {
		errs = append(errs, errors.New("confirm poll interval and max attempts must be positive"))
	}
	if c.WriteChunkSize <= 0 || c.WriteChunkSize > 1000 {
		errs = append(errs, fmt.Errorf("write chunk size %d out of range (1-1000)", c.WriteChunkSize))
	}
	if c.WriteConcurrency <= 0 {
		errs = append(errs, errors.New("write concurrency must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) SlotPolicy() slotsync.Policy {
	return slotsync.Policy{
		PollInterval: c.SlotWait.PollInterval,
		MaxAttempts:  c.SlotWait.MaxAttempts,
		Timeout:      c.SlotWait.Timeout,
	}
}

func (c *Config) ConfirmPolicy() rpcclient.ConfirmPolicy {
	policy := rpcclient.DefaultConfirmPolicy()
	policy.PollInterval = c.Confirm.PollInterval
	policy.MaxAttempts = c.Confirm.MaxAttempts
	return policy
}
