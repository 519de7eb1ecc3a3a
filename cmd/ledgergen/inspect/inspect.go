package inspect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/segmentio/textio"
	"github.com/spf13/cobra"
	"go.firedancer.io/ledgergen/pkg/fixture"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/rpcclient"
	"go.firedancer.io/ledgergen/pkg/scenario"
	"k8s.io/klog/v2"
)

var Cmd = cobra.Command{
	Use:   "inspect <fixture.yaml>",
	Short: "Check a fixture manifest against what the ledger recorded",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

var (
	flagRpc     string
	flagProgram bool
)

var ErrMismatch = errors.New("ledger does not match fixture")

func init() {
	Cmd.Flags().StringVarP(&flagRpc, "rpc", "r", "", "RPC endpoint, defaults to the one in the manifest")
	Cmd.Flags().BoolVar(&flagProgram, "program", false, "Also print the loader state of each scenario's program")
}

// TransactionSource is the ledger lookup inspect needs.
type TransactionSource interface {
	GetTransactionMeta(ctx context.Context, sig solana.Signature) (uint64, *rpc.TransactionMeta, error)
}

type accountSource interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, solana.PublicKey, error)
}

func run(c *cobra.Command, args []string) error {
	manifest, err := fixture.Load(args[0])
	if err != nil {
		return err
	}

	endpoint := manifest.Endpoint
	if flagRpc != "" {
		endpoint = flagRpc
	}
	client := rpcclient.NewRpcClient(endpoint)

	mismatches, err := Check(c.Context(), client, manifest, os.Stdout)
	if err != nil {
		return err
	}

	if flagProgram {
		for _, s := range manifest.Scenarios {
			printProgram(c.Context(), client, s, os.Stdout)
		}
	}

	if mismatches > 0 {
		return fmt.Errorf("%w: %d steps differ", ErrMismatch, mismatches)
	}
	return nil
}

// Check looks up every recorded step and reports steps whose ledger outcome
// differs from the manifest. Steps with no signature are skipped.
func Check(ctx context.Context, source TransactionSource, manifest *fixture.Manifest, out io.Writer) (int, error) {
	mismatches := 0
	for _, s := range manifest.Scenarios {
		landed := make(map[string]uint64)
		for _, step := range s.Steps {
			if step.Signature == "" {
				continue
			}
			sig, err := solana.SignatureFromBase58(step.Signature)
			if err != nil {
				return mismatches, fmt.Errorf("%s/%s: %w", s.Name, step.Name, err)
			}
			if sig == (solana.Signature{}) {
				continue
			}

			recorded := rpcclient.ParseOutcome(step.Outcome)
			slot, found, err := lookup(ctx, source, sig)
			if err != nil {
				return mismatches, fmt.Errorf("%s/%s: %w", s.Name, step.Name, err)
			}

			status := compare(recorded, found)
			if status == statusMismatch {
				mismatches++
			}
			fmt.Fprintf(out, "%-8s %s/%s %s recorded=%s ledger=%s slot=%d\n",
				status, s.Name, step.Name, sig, recorded, found, slot)
			if found != rpcclient.OutcomeUnknown {
				landed[step.Name] = slot
			}
		}

		if s.Name == scenario.NameSameSlot {
			reportSameSlot(out, landed)
		}
	}
	return mismatches, nil
}

// reportSameSlot says whether the deploy and the invoke of the same-slot
// scenario landed in one block. Differing slots are not an error; the
// scenario only tries to get them together.
func reportSameSlot(out io.Writer, landed map[string]uint64) {
	deploySlot, okDeploy := landed["deploy"]
	invokeSlot, okInvoke := landed["invoke"]
	switch {
	case !okDeploy || !okInvoke:
		fmt.Fprintf(out, "%s: deploy or invoke not found on ledger\n", scenario.NameSameSlot)
	case deploySlot == invokeSlot:
		fmt.Fprintf(out, "%s: deploy and invoke share slot %d\n", scenario.NameSameSlot, deploySlot)
	default:
		fmt.Fprintf(out, "%s: deploy landed in slot %d, invoke in slot %d\n", scenario.NameSameSlot, deploySlot, invokeSlot)
	}
}

const (
	statusOK       = "ok"
	statusResolved = "resolved"
	statusMismatch = "MISMATCH"
)

// compare treats a step recorded as unknown as resolved by whatever the ledger
// now reports.
func compare(recorded, found rpcclient.Outcome) string {
	switch {
	case recorded == found:
		return statusOK
	case recorded == rpcclient.OutcomeUnknown:
		return statusResolved
	default:
		return statusMismatch
	}
}

func lookup(ctx context.Context, source TransactionSource, sig solana.Signature) (uint64, rpcclient.Outcome, error) {
	slot, meta, err := source.GetTransactionMeta(ctx, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, rpcclient.OutcomeUnknown, nil
	}
	if err != nil {
		return 0, rpcclient.OutcomeUnknown, err
	}
	if meta != nil && meta.Err != nil {
		return slot, rpcclient.OutcomeRejected, nil
	}
	return slot, rpcclient.OutcomeCommitted, nil
}

func printProgram(ctx context.Context, source accountSource, s fixture.Scenario, out io.Writer) {
	if s.ProgramID == "" {
		return
	}
	program, err := solana.PublicKeyFromBase58(s.ProgramID)
	if err != nil {
		klog.Errorf("%s: bad program id %s: %s", s.Name, s.ProgramID, err)
		return
	}
	programData, err := programs.ProgramDataAddress(program)
	if err != nil {
		klog.Errorf("%s: deriving programdata of %s: %s", s.Name, program, err)
		return
	}

	fmt.Fprintf(out, "%s program %s\n", s.Name, program)
	pw := textio.NewPrefixWriter(out, "    ")
	defer pw.Flush()

	for _, addr := range []solana.PublicKey{program, programData} {
		state, err := programs.FetchLoaderState(ctx, source, addr)
		if err != nil {
			fmt.Fprintf(pw, "%s: %s\n", addr, err)
			continue
		}
		fmt.Fprintf(pw, "%s: %s\n", addr, state)
	}
}
