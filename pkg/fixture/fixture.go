package fixture

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
	"github.com/samber/lo"
	"go.firedancer.io/ledgergen/pkg/programs"
	"go.firedancer.io/ledgergen/pkg/scenario"
	"gopkg.in/yaml.v3"
)

// Manifest describes the transactions a ledgergen run left on a ledger.
type Manifest struct {
	GeneratedAt time.Time `yaml:"generated_at"`
	Endpoint    string    `yaml:"endpoint"`
	Payer       string    `yaml:"payer"`
	// ProgramSHA256 identifies the binary every scenario deployed.
	ProgramSHA256 string     `yaml:"program_sha256"`
	Scenarios     []Scenario `yaml:"scenarios"`
}

type Scenario struct {
	Name      string   `yaml:"name"`
	ProgramID string   `yaml:"program_id,omitempty"`
	Buffers   []string `yaml:"buffers"`
	Steps     []Step   `yaml:"steps"`
	// Aborted holds the error that stopped the scenario early.
	Aborted string `yaml:"aborted,omitempty"`
}

type Step struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Expect    string `yaml:"expect"`
	Mode      string `yaml:"mode"`
	Signature string `yaml:"signature"`
	Slot      uint64 `yaml:"slot"`
	Outcome   string `yaml:"outcome"`
	Error     string `yaml:"error,omitempty"`
	Buffer    string `yaml:"buffer,omitempty"`
	// Transaction is the signed wire transaction, base58 encoded.
	Transaction string `yaml:"transaction,omitempty"`
}

// FromReport converts a scenario report. runErr is the error the scenario
// returned, if any.
func FromReport(report *scenario.Report, runErr error) (Scenario, error) {
	out := Scenario{
		Name: report.Scenario,
		Buffers: lo.Map(report.Buffers, func(b programs.Buffer, _ int) string {
			return b.Address.String()
		}),
	}
	if !report.ProgramID.IsZero() {
		out.ProgramID = report.ProgramID.String()
	}
	if runErr != nil {
		out.Aborted = runErr.Error()
	}

	for _, result := range report.Steps {
		step := Step{
			Name:      result.Step.Name,
			Kind:      string(result.Step.Kind),
			Expect:    result.Step.Expect.String(),
			Mode:      result.Step.Mode.String(),
			Signature: result.Signature.String(),
			Slot:      result.Slot,
			Outcome:   result.Outcome.String(),
		}
		if result.Err != nil {
			step.Error = result.Err.Error()
		}
		if result.Buffer != nil {
			step.Buffer = result.Buffer.String()
		}
		if result.Tx != nil {
			wire, err := result.Tx.MarshalBinary()
			if err != nil {
				return Scenario{}, fmt.Errorf("encoding %s transaction: %w", step.Name, err)
			}
			step.Transaction = base58.Encode(wire)
		}
		out.Steps = append(out.Steps, step)
	}

	return out, nil
}

func ProgramDigest(programData []byte) string {
	sum := sha256.Sum256(programData)
	return hex.EncodeToString(sum[:])
}

// DecodeTransaction parses the wire transaction stored in a step.
func (s *Step) DecodeTransaction() (*solana.Transaction, error) {
	wire, err := base58.Decode(s.Transaction)
	if err != nil {
		return nil, err
	}
	return solana.TransactionFromDecoder(bin.NewBinDecoder(wire))
}

func Write(path string, manifest *Manifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	manifest := new(Manifest)
	if err := yaml.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("parsing fixture manifest %s: %w", path, err)
	}
	return manifest, nil
}
