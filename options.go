package qstore

import (
	"fmt"

	"southwinds.dev/qstore/internal/misc"
)

// Options represents configuration parameters for engine initialization.
//
// Key material is obtained from exactly one of two sources: a key file
// (generated on first use) or a passphrase-derived key. Sensitive fields
// carry `json:"-"` so they can never leak through serialized configuration,
// and the passphrase may alternatively be delivered through an environment
// variable to keep it out of process argument lists.
type Options struct {
	// KeyFile is the path of the file holding the master key. When the file
	// does not exist a new key is generated and written with 0600
	// permissions. Ignored when a passphrase is configured.
	KeyFile string `json:"key_file,omitempty"`

	// DerivationPassphrase derives the master key with Argon2id instead of
	// reading a key file. The derivation salt is generated once and kept in
	// the store.
	DerivationPassphrase string `json:"-"` // Don't serialize passphrase for security

	// EnvPassphraseVar names an environment variable containing the
	// passphrase. It avoids command-line exposure in process lists and takes
	// effect only when DerivationPassphrase is empty.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock locks process memory (mlockall) so key material cannot
	// be paged to swap. Requires appropriate privileges; without them the
	// engine degrades to memguard's own protections.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// ErasePasses is the number of overwrite passes used by secure deletion.
	// Zero selects the default of 3; secure erasure needs at least two
	// distinguishable patterns, so 1 is rejected.
	ErasePasses int `json:"erase_passes,omitempty"`

	// RandomSource supplies all randomness used by the engine. Nil selects
	// the operating system CSPRNG. Tests may inject deterministic sources.
	RandomSource SecureRandomSource `json:"-"`

	// UserID identifies the user operating the engine in audit events.
	UserID string `json:"-"`

	// SessionMetadata is merged into every audit event emitted by this
	// engine instance, e.g. a CLI session id and the sanitized invocation
	// flags. Event-specific fields win on key collisions.
	SessionMetadata map[string]interface{} `json:"-"`
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	// Exactly one key source must be configured
	usesPassphrase := o.DerivationPassphrase != "" || o.EnvPassphraseVar != ""
	if o.KeyFile == "" && !usesPassphrase {
		return fmt.Errorf("either KeyFile or a passphrase source must be provided")
	}
	if o.KeyFile != "" && usesPassphrase {
		return fmt.Errorf("KeyFile and passphrase sources are mutually exclusive")
	}

	if o.ErasePasses < 0 {
		return fmt.Errorf("ErasePasses cannot be negative")
	}
	if o.ErasePasses == 1 {
		return fmt.Errorf("ErasePasses must be at least 2 (or 0 for the default)")
	}

	return nil
}

// erasePasses returns the configured overwrite pass count or the default.
func (o Options) erasePasses() int {
	if o.ErasePasses > 0 {
		return o.ErasePasses
	}
	return misc.ErasePasses
}

// randomSource returns the configured randomness source or the system one.
func (o Options) randomSource() SecureRandomSource {
	if o.RandomSource != nil {
		return o.RandomSource
	}
	return NewSystemRandomSource()
}
