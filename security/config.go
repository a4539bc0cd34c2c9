package security

import "time"

// Config tunes a Wrapper's construction-time behavior. It mirrors
// gnet.Config and denm.Config in shape: a flat struct loaded from YAML
// once at process start, never mutated afterwards.
type Config struct {
	// AID is this station's Application Identifier, stamped into every
	// envelope it signs and checked against incoming signer certificates'
	// permitted AID set.
	AID uint32 `yaml:"aid"`

	// MaxCertAge bounds generation_time drift on ingress. Zero means
	// DefaultMaxCertAge.
	MaxCertAge time.Duration `yaml:"max_cert_age"`
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{MaxCertAge: DefaultMaxCertAge}
}
