// Package config holds storage-core's process-level configuration: the
// on-disk layout (§6), sector policy, deadline cadence, and the chain
// endpoint the provider binds to, in the manner of lotus's node/config —
// a plain struct tree the CLI layer populates from flags or a file, rather
// than reading ambient environment state from deep inside the core.
package config

import (
	"encoding/json"
	"os"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"
)

// Config is storage-core's full process configuration.
type Config struct {
	// Directories is the on-disk layout per spec.md §6.
	Directories Directories

	// Sector policy.
	SectorSize abi.SectorSize
	SealProof  abi.RegisteredSealProof

	// Signer is the provider's on-chain account address.
	Signer address.Address

	// ChainRPCAddr is the multiaddr/URL of the external chain node's
	// JSON-RPC endpoint (§1: "opaque chain client").
	ChainRPCAddr string

	// MaxConcurrentTasks bounds the pipeline's per-message handler
	// semaphore, per spec.md §4.D.
	MaxConcurrentTasks int

	// Deadlines parameterizes the PoSt deadline cadence. A chain-constant
	// implementation is supplied at wiring time (cmd/storage-core), per
	// DESIGN.md's Open Question decisions.
	Deadlines DeadlineConfig
}

// Directories is the on-disk layout spec.md §6 names.
type Directories struct {
	Database        string
	UnsealedSectors string
	SealedSectors   string
	SealingCache    string
	PieceStorage    string
}

// DeadlineConfig holds the chain-constant deadline cadence (§4.D's
// SchedulePoSts leaves the exact block-to-deadline arithmetic as a chain
// constant outside the core).
type DeadlineConfig struct {
	PeriodDeadlines  uint64
	ChallengeWindow  uint64
}

// Default returns a Config with lotus-like 2KiB-sector test-network
// defaults, meant to be overridden field by field from CLI flags.
func Default() Config {
	return Config{
		SectorSize: abi.SectorSize(2048),
		SealProof:  abi.RegisteredSealProof_StackedDrg2KiBV1_1,
		Directories: Directories{
			Database:        "./data/store",
			UnsealedSectors: "./data/unsealed",
			SealedSectors:   "./data/sealed",
			SealingCache:    "./data/cache",
			PieceStorage:    "./data/pieces",
		},
		MaxConcurrentTasks: 8,
		Deadlines: DeadlineConfig{
			PeriodDeadlines: 48,
			ChallengeWindow: 60,
		},
	}
}

// Load reads a JSON config file at path and overlays it onto Default(),
// matching the teacher's own config layering (file overrides defaults;
// CLI flags override the file, applied one layer up in cmd/storage-core).
// JSON rather than lotus's own BurntSushi/toml is used here since no TOML
// library appears in this module's wired dependency set (see DESIGN.md).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, xerrors.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, xerrors.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
