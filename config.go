package rkstate

import "fmt"

// DefaultChunkSize is the number of receipts the export parser materializes at once.
const DefaultChunkSize = 100000

// CounterPolicy selects how a turnover delta is checked against the counter.
type CounterPolicy string

const (
	// CounterPolicyExact requires decrypted counter == last counter + delta.
	// Negative deltas (refunds) are accepted.
	CounterPolicyExact CounterPolicy = "exact"
	// CounterPolicyMonotonic additionally rejects receipts with a negative delta.
	CounterPolicyMonotonic CounterPolicy = "monotonic"
)

// Config controls ingestion and the used receipt ID backend.
type Config struct {
	DEP    DEPConfig    `mapstructure:"dep"`
	State  StateConfig  `mapstructure:"state"`
	Verify VerifyConfig `mapstructure:"verify"`
}

// DEPConfig controls the streaming export parser.
type DEPConfig struct {
	ChunkSize int `mapstructure:"chunksize"`
}

// StateConfig selects the backend for newly created cluster states.
type StateConfig struct {
	ReceiptIDs     Backend `mapstructure:"receipt_ids"`
	ReceiptIDsPath string  `mapstructure:"receipt_ids_path"`
}

// VerifyConfig holds the verification policy knobs.
type VerifyConfig struct {
	CounterPolicy      CounterPolicy `mapstructure:"counter_policy"`
	StrictStartReceipt bool          `mapstructure:"strict_start_receipt"`
	RequireKey         bool          `mapstructure:"require_key"`
	// KeyStore is the path of a key store file, see ReadKeyStore.
	KeyStore string `mapstructure:"key_store"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		DEP:    DEPConfig{ChunkSize: DefaultChunkSize},
		State:  StateConfig{ReceiptIDs: BackendMemory},
		Verify: VerifyConfig{CounterPolicy: CounterPolicyExact},
	}
}

// Validate checks that every field holds a supported value.
func (c Config) Validate() error {
	if c.DEP.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.DEP.ChunkSize)
	}
	if !c.State.ReceiptIDs.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.State.ReceiptIDs)
	}
	if c.State.ReceiptIDs != BackendMemory && c.State.ReceiptIDsPath == "" {
		return fmt.Errorf("backend %q needs a path", c.State.ReceiptIDs)
	}
	switch c.Verify.CounterPolicy {
	case CounterPolicyExact, CounterPolicyMonotonic:
	default:
		return fmt.Errorf("unknown counter policy %q", c.Verify.CounterPolicy)
	}
	return nil
}

// VerifyOptions derives the per-receipt verification options.
func (c Config) VerifyOptions() VerifyOptions {
	return VerifyOptions{
		CounterPolicy:      c.Verify.CounterPolicy,
		StrictStartReceipt: c.Verify.StrictStartReceipt,
		RequireKey:         c.Verify.RequireKey,
	}
}
