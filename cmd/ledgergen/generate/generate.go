package generate

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.firedancer.io/ledgergen/pkg/config"
	"go.firedancer.io/ledgergen/pkg/fixture"
	"go.firedancer.io/ledgergen/pkg/metrics"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/scenario"
	"go.firedancer.io/ledgergen/pkg/slotsync"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var Cmd = cobra.Command{
	Use:   "generate",
	Short: "Drive program lifecycle scenarios against a validator",
	Args:  cobra.NoArgs,
	RunE:  run,
}

const (
	scenarioFull     = "full"
	scenarioSameSlot = "same-slot"
	scenarioAll      = "all"
)

var (
	flagConfig      string
	flagRpc         string
	flagKeypair     string
	flagProgram     string
	flagAccountData string
	flagScenario    string
	flagSlotPoll    time.Duration
	flagSlotTimeout time.Duration
	flagChunkSize   int
	flagConcurrency int
	flagFixtureOut  string
	flagMetricsOut  string
	flagNoProgress  bool
)

func init() {
	Cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	Cmd.Flags().StringVarP(&flagRpc, "rpc", "r", "", "RPC endpoint of the validator")
	Cmd.Flags().StringVarP(&flagKeypair, "keypair", "k", "", "Fee payer keypair file")
	Cmd.Flags().StringVarP(&flagProgram, "program", "p", "", "Program binary to deploy")
	Cmd.Flags().StringVarP(&flagAccountData, "account-data", "d", "", "File passed to the program on invoke")
	Cmd.Flags().StringVarP(&flagScenario, "scenario", "s", scenarioAll, "Scenario to run: full, same-slot or all")
	Cmd.Flags().DurationVar(&flagSlotPoll, "slot-poll", 0, "Slot poll interval")
	Cmd.Flags().DurationVar(&flagSlotTimeout, "slot-timeout", 0, "Upper bound on a single slot wait")
	Cmd.Flags().IntVar(&flagChunkSize, "chunk-size", 0, "Bytes per buffer write transaction")
	Cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "Concurrent buffer write transactions")
	Cmd.Flags().StringVarP(&flagFixtureOut, "out", "o", "", "Write a fixture manifest to this path")
	Cmd.Flags().StringVar(&flagMetricsOut, "metrics-out", "", "Write metrics in textfile format to this path")
	Cmd.Flags().BoolVar(&flagNoProgress, "no-progress", false, "Disable buffer write progress bars")
}

func loadConfig(c *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	flags := c.Flags()
	if flags.Changed("rpc") {
		cfg.RpcEndpoint = flagRpc
	}
	if flags.Changed("keypair") {
		cfg.KeypairPath = flagKeypair
	}
	if flags.Changed("program") {
		cfg.ProgramPath = flagProgram
	}
	if flags.Changed("account-data") {
		cfg.AccountDataPath = flagAccountData
	}
	if flags.Changed("slot-poll") {
		cfg.SlotWait.PollInterval = flagSlotPoll
	}
	if flags.Changed("slot-timeout") {
		cfg.SlotWait.Timeout = flagSlotTimeout
	}
	if flags.Changed("chunk-size") {
		cfg.WriteChunkSize = flagChunkSize
	}
	if flags.Changed("concurrency") {
		cfg.WriteConcurrency = flagConcurrency
	}
	if flags.Changed("out") {
		cfg.FixtureOut = flagFixtureOut
	}
	if flags.Changed("metrics-out") {
		cfg.MetricsOut = flagMetricsOut
	}
	if flagNoProgress {
		cfg.Progress = false
	}

	return cfg, cfg.Validate()
}

type scenarioFunc func(ctx context.Context, env scenario.Env, input scenario.Input) (*scenario.Report, error)

func selectScenarios(name string) ([]scenarioFunc, error) {
	switch name {
	case scenarioFull:
		return []scenarioFunc{scenario.FullLifecycle}, nil
	case scenarioSameSlot:
		return []scenarioFunc{scenario.SameSlotDeployInvoke}, nil
	case scenarioAll:
		return []scenarioFunc{scenario.FullLifecycle, scenario.SameSlotDeployInvoke}, nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
}

func run(c *cobra.Command, _ []string) error {
	ctx := c.Context()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	scenarios, err := selectScenarios(flagScenario)
	if err != nil {
		return err
	}

	payer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("loading keypair %s: %w", cfg.KeypairPath, err)
	}
	programData, err := os.ReadFile(cfg.ProgramPath)
	if err != nil {
		return err
	}
	var accountData []byte
	if cfg.AccountDataPath != "" {
		accountData, err = os.ReadFile(cfg.AccountDataPath)
		if err != nil {
			return err
		}
	}

	klog.Infof("using payer %s against %s", payer.PublicKey(), cfg.RpcEndpoint)

	client := rpcclient.NewRpcClient(cfg.RpcEndpoint)
	client.SetConfirmPolicy(cfg.ConfirmPolicy())

	var progress io.Writer
	if cfg.Progress && isatty.IsTerminal(os.Stderr.Fd()) {
		progress = os.Stderr
	}

	m := metrics.New()
	env := scenario.Env{
		Gateway: client,
		Builder: programs.NewBuilder(client, payer, programs.Options{
			WriteChunkSize:   cfg.WriteChunkSize,
			WriteConcurrency: cfg.WriteConcurrency,
			Progress:         progress,
		}),
		Payer:   payer,
		Waiter:  slotsync.NewWaiter(client, cfg.SlotPolicy()),
		Out:     &syncWriter{w: os.Stdout},
		Metrics: m,
	}
	input := scenario.Input{ProgramData: programData, AccountData: accountData}

	manifest := &fixture.Manifest{
		GeneratedAt:   time.Now().UTC(),
		Endpoint:      cfg.RpcEndpoint,
		Payer:         payer.PublicKey().String(),
		ProgramSHA256: fixture.ProgramDigest(programData),
		Scenarios:     make([]fixture.Scenario, len(scenarios)),
	}

	// Scenarios are independent of each other and run side by side.
	var group errgroup.Group
	for i, fn := range scenarios {
		i, fn := i, fn
		group.Go(func() error {
			report, runErr := fn(ctx, env, input)
			out, err := fixture.FromReport(report, runErr)
			if err != nil {
				return err
			}
			manifest.Scenarios[i] = out
			return runErr
		})
	}
	runErr := group.Wait()

	if cfg.FixtureOut != "" {
		if err := fixture.Write(cfg.FixtureOut, manifest); err != nil {
			klog.Errorf("failed to write fixture %s: %s", cfg.FixtureOut, err)
		} else {
			klog.Infof("wrote fixture manifest to %s", cfg.FixtureOut)
		}
	}
	if cfg.MetricsOut != "" {
		if err := m.WriteTextfile(cfg.MetricsOut); err != nil {
			klog.Errorf("failed to write metrics %s: %s", cfg.MetricsOut, err)
		}
	}

	return runErr
}

// syncWriter serializes the result lines of scenarios running in parallel.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
