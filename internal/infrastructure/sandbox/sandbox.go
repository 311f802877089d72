// Package sandbox maps a platform to the sandbox policy content event loops
// are launched under.
//
// Profiles are data: the built-in set is embedded YAML and an operator may
// replace it with a file. Resolution is a pure function of the platform, so
// the orchestrator can compute a policy without touching the OS.
package sandbox

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
)

// Platform names an operating system family.
type Platform string

const (
	Linux   Platform = "linux"
	Darwin  Platform = "darwin"
	Windows Platform = "windows"
)

// Policy is the restriction set applied to one content event loop.
type Policy struct {
	Platform       Platform `yaml:"-"`
	Name           string   `yaml:"name"`
	AllowNetwork   bool     `yaml:"allow_network"`
	AllowGPU       bool     `yaml:"allow_gpu"`
	MaxMemoryMB    int      `yaml:"max_memory_mb"`
	MaxScriptStack int      `yaml:"max_script_stack"`
	ReadPaths      []string `yaml:"read_paths"`
	WritePaths     []string `yaml:"write_paths"`
	Syscalls       []string `yaml:"syscalls"`
}

// Unconfined reports whether the policy places no restrictions at all.
func (p Policy) Unconfined() bool {
	return p.Name == ""
}

// Validate rejects policies a launcher cannot apply.
func (p Policy) Validate() error {
	if p.Unconfined() {
		return fmt.Errorf("%w: no profile for platform %q", ErrUnsupported, p.Platform)
	}
	if p.MaxMemoryMB <= 0 {
		return fmt.Errorf("%w: profile %s has no memory limit", ErrInvalidProfile, p.Name)
	}
	for _, path := range p.WritePaths {
		if path == "/" || path == "" {
			return fmt.Errorf("%w: profile %s grants write access to %q", ErrInvalidProfile, p.Name, path)
		}
	}
	return nil
}

var (
	// ErrUnsupported means the platform has no sandbox profile.
	ErrUnsupported = errors.New("sandbox unsupported")
	// ErrInvalidProfile means a profile cannot be applied as written.
	ErrInvalidProfile = errors.New("invalid sandbox profile")
)

//go:embed profiles.yaml
var builtinProfiles []byte

// Provider resolves the policy for a platform.
type Provider func(Platform) Policy

// Profiles is a platform-indexed set of policies.
type Profiles map[Platform]Policy

// ParseProfiles decodes a YAML profile document.
func ParseProfiles(data []byte) (Profiles, error) {
	raw := map[string]Policy{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse sandbox profiles: %w", err)
	}

	profiles := make(Profiles, len(raw))
	for name, policy := range raw {
		platform := Platform(strings.ToLower(name))
		policy.Platform = platform
		profiles[platform] = policy
	}
	return profiles, nil
}

// Builtin returns the embedded profiles.
func Builtin() Profiles {
	profiles, err := ParseProfiles(builtinProfiles)
	if err != nil {
		panic(err)
	}
	return profiles
}

// LoadFile reads profiles from path.
func LoadFile(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sandbox profiles: %w", err)
	}
	return ParseProfiles(data)
}

// Provider returns a pure lookup over the profile set. Unknown platforms
// resolve to an unconfined policy, which fails Validate.
func (p Profiles) Provider() Provider {
	snapshot := make(Profiles, len(p))
	for k, v := range p {
		snapshot[k] = v
	}
	return func(platform Platform) Policy {
		if policy, ok := snapshot[platform]; ok {
			return policy
		}
		return Policy{Platform: platform}
	}
}

// Current returns the platform of the running process, or override when set.
func Current(override string) Platform {
	if override != "" {
		return Platform(strings.ToLower(override))
	}
	return Platform(runtime.GOOS)
}

// NewProvider builds the provider for a profile path, falling back to the
// built-in profiles when path is empty.
func NewProvider(path string) (Provider, error) {
	if path == "" {
		return Builtin().Provider(), nil
	}
	profiles, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return profiles.Provider(), nil
}
