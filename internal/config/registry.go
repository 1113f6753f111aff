package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/vault"
)

// Registry is the deployment's principals, oracle tunables and collateral
// kinds. Kinds listed here are registered through the core at startup when
// the restored state does not have them yet.
type Registry struct {
	Admin   uuid.UUID `toml:"admin"`
	VaultID uuid.UUID `toml:"vault_id"`

	Oracle struct {
		TrustedUpdater uuid.UUID     `toml:"trusted_updater"`
		MaxStaleness   time.Duration `toml:"max_staleness"`
		GracePeriod    time.Duration `toml:"grace_period"`
	} `toml:"oracle"`

	// RewardWeight is applied once at bootstrap when set.
	RewardWeight *decimal.Decimal `toml:"reward_weight"`

	Collateral []vault.CollateralKind `toml:"collateral"`
}

// LoadRegistry decodes and validates the TOML file at path. Unknown keys are
// rejected so a typo never silently falls back to a default.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(string(data))
}

// ParseRegistry decodes and validates registry TOML.
func ParseRegistry(data string) (*Registry, error) {
	r := &Registry{}
	meta, err := toml.Decode(data, r)
	if err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("registry: unknown keys %s", strings.Join(keys, ", "))
	}

	if r.Oracle.MaxStaleness == 0 {
		r.Oracle.MaxStaleness = oracle.DefaultMaxStaleness
	}
	if r.Oracle.GracePeriod == 0 {
		r.Oracle.GracePeriod = oracle.DefaultGracePeriod
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks principals, durations and every collateral kind.
func (r *Registry) Validate() error {
	var errs []error
	if r.Admin == uuid.Nil {
		errs = append(errs, errors.New("admin is required"))
	}
	if r.VaultID == uuid.Nil {
		errs = append(errs, errors.New("vault_id is required"))
	}
	if r.Oracle.TrustedUpdater == uuid.Nil {
		errs = append(errs, errors.New("oracle.trusted_updater is required"))
	}
	if r.Oracle.MaxStaleness < 0 || r.Oracle.GracePeriod < 0 {
		errs = append(errs, errors.New("oracle durations must not be negative"))
	}
	if r.RewardWeight != nil && r.RewardWeight.IsNegative() {
		errs = append(errs, errors.New("reward_weight must not be negative"))
	}

	seen := make(map[string]bool, len(r.Collateral))
	for _, k := range r.Collateral {
		if seen[k.ID] {
			errs = append(errs, fmt.Errorf("collateral %q listed twice", k.ID))
			continue
		}
		seen[k.ID] = true
		if err := vault.ValidateCollateralKind(k); err != nil {
			errs = append(errs, fmt.Errorf("collateral %q: %w", k.ID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid registry: %w", errors.Join(errs...))
	}
	return nil
}

// OracleConfig returns the adapter settings.
func (r *Registry) OracleConfig() oracle.Config {
	return oracle.Config{
		TrustedUpdater: r.Oracle.TrustedUpdater,
		MaxStaleness:   r.Oracle.MaxStaleness,
		GracePeriod:    r.Oracle.GracePeriod,
	}
}

// CoreConfig combines the registry principals with the process tunables.
func (r *Registry) CoreConfig(cfg Config) core.Config {
	return core.Config{
		Admin:               r.Admin,
		VaultID:             r.VaultID,
		Oracle:              r.OracleConfig(),
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		GlobalCheckInterval: cfg.GlobalCheckInterval,
	}
}

// BootstrapCommands returns admin commands registering every kind missing
// from existing, plus the reward weight when configured. Request ids are
// derived from the kind so a restart never registers twice.
func (r *Registry) BootstrapCommands(existing []vault.CollateralKind, now time.Time) []event.Event {
	have := make(map[string]bool, len(existing))
	for _, k := range existing {
		have[k.ID] = true
	}

	var cmds []event.Event
	for _, k := range r.Collateral {
		if have[k.ID] {
			continue
		}
		cmds = append(cmds, &event.RegisterCollateralKind{
			Meta:                    r.adminMeta("bootstrap:kind:"+k.ID, now),
			KindID:                  k.ID,
			LTVBps:                  k.LTVBps,
			LiquidationThresholdBps: k.LiquidationThresholdBps,
			LiquidationPenaltyBps:   k.LiquidationPenaltyBps,
			Enabled:                 k.Enabled,
		})
	}
	if r.RewardWeight != nil {
		cmds = append(cmds, &event.RewardWeightUpdate{
			Meta:   r.adminMeta("bootstrap:reward-weight:"+r.RewardWeight.String(), now),
			Weight: *r.RewardWeight,
		})
	}
	return cmds
}

func (r *Registry) adminMeta(requestID string, now time.Time) event.Meta {
	return event.Meta{RequestID: requestID, Caller: r.Admin, Timestamp: now.UTC()}
}
