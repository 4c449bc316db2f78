package state

import (
	"fmt"
	"net/netip"
	"regexp"
)

// Config is the single immutable tunable set built at startup and shared by
// reference with every component constructor ("Global flag state").
// No component ever mutates it.
type Config struct {
	// NodeName is this node's originator id, used on every Value it sets.
	NodeName NodeId `yaml:"node_name"`
	// Areas this node participates in. Defaults to [DefaultArea].
	Areas []Area `yaml:"areas"`

	// Interface selection.
	IncludeIfacePattern string `yaml:"include_interface_regex,omitempty"`
	ExcludeIfacePattern string `yaml:"exclude_interface_regex,omitempty"`

	// Feature toggles.
	EnableV4              bool `yaml:"enable_v4"`
	EnableSegmentRouting   bool `yaml:"enable_segment_routing"`
	EnableLfa              bool `yaml:"enable_lfa"`
	EnableOrderedFib       bool `yaml:"enable_ordered_fib"`
	EnableFloodOptimization bool `yaml:"enable_flood_optimization"`
	DryRun                 bool `yaml:"dryrun"`
	EnablePrefixAllocation bool `yaml:"enable_prefix_allocation"`
	EnablePerPrefixKeys    bool `yaml:"enable_per_prefix_keys"`
	EnableV4SubnetCheck    bool `yaml:"enable_v4_subnet_check"`

	// Prefix allocation. PrefixAllocMode selects among PrefixAllocator's
	// three modes: "" (params-given, using SeedPrefix/AllocPrefixLen as
	// compiled in), "seeded" (read seed params from SeedParamsKey), or
	// "static" (read the elected prefix directly from StaticPrefixAllocKey,
	// skipping election).
	SeedPrefix            netip.Prefix `yaml:"seed_prefix,omitempty"`
	AllocPrefixLen        int          `yaml:"alloc_prefix_len,omitempty"`
	PrefixAllocMode       string       `yaml:"prefix_alloc_mode,omitempty"`
	SeedParamsKey         string       `yaml:"seed_params_key,omitempty"`
	StaticPrefixAllocKey  string       `yaml:"static_prefix_alloc_key,omitempty"`
	ProgramLoopback       bool         `yaml:"program_loopback"`

	// Ports.
	KvStoreCommandPort uint16 `yaml:"kvstore_command_port"`
	KvStorePublishPort uint16 `yaml:"kvstore_publish_port"`
	FibAgentPort       uint16 `yaml:"fib_agent_port"`
	SparkMcastPort     uint16 `yaml:"spark_multicast_port"`
	CtrlPort           uint16 `yaml:"ctrl_port"`

	// Domain tag; Spark rejects hellos from a different domain.
	Domain string `yaml:"domain"`

	// Paths.
	ConfigStorePath string `yaml:"config_store_path"`
	X509Path        string `yaml:"x509_path,omitempty"`
	LogPath         string `yaml:"log_path,omitempty"`

	includeIfaceRe *regexp.Regexp
	excludeIfaceRe *regexp.Regexp
}

// Domain / version constants baked into the Spark hello wire format.
const (
	DefaultDomain          = "openr"
	SparkProtocolVersion   = uint32(1)
	SparkMinSupportedVersion = uint32(1)
)

func DefaultConfig() Config {
	return Config{
		Areas:              []Area{DefaultArea},
		EnableV4:           true,
		EnableLfa:          false,
		Domain:             DefaultDomain,
		KvStoreCommandPort: 60001,
		KvStorePublishPort: 60002,
		FibAgentPort:       60003,
		SparkMcastPort:     6666,
		CtrlPort:           60004,
		ConfigStorePath:    "/tmp/openr/config_store.db",
	}
}

// Compile resolves the interface regexes. Must be called once after
// unmarshaling and before the config is handed to any component; an
// unparseable regex is a fatal configuration error.
func (c *Config) Compile() error {
	if c.IncludeIfacePattern != "" {
		re, err := regexp.Compile(c.IncludeIfacePattern)
		if err != nil {
			return fmt.Errorf("invalid include_interface_regex: %w", err)
		}
		c.includeIfaceRe = re
	}
	if c.ExcludeIfacePattern != "" {
		re, err := regexp.Compile(c.ExcludeIfacePattern)
		if err != nil {
			return fmt.Errorf("invalid exclude_interface_regex: %w", err)
		}
		c.excludeIfaceRe = re
	}
	if c.EnablePrefixAllocation {
		switch c.PrefixAllocMode {
		case "seeded":
			if c.SeedParamsKey == "" {
				return fmt.Errorf("prefix_alloc_mode=seeded requires seed_params_key")
			}
		case "static":
			if c.StaticPrefixAllocKey == "" {
				return fmt.Errorf("prefix_alloc_mode=static requires static_prefix_alloc_key")
			}
		case "":
			if !c.SeedPrefix.IsValid() {
				return fmt.Errorf("enable_prefix_allocation requires a valid seed_prefix")
			}
			if c.AllocPrefixLen <= c.SeedPrefix.Bits() {
				return fmt.Errorf("alloc_prefix_len must be longer than seed_prefix's length")
			}
		default:
			return fmt.Errorf("unknown prefix_alloc_mode %q", c.PrefixAllocMode)
		}
	}
	return nil
}

// IfaceAllowed applies include-then-exclude filtering to an interface name.
func (c *Config) IfaceAllowed(name string) bool {
	if c.includeIfaceRe != nil && !c.includeIfaceRe.MatchString(name) {
		return false
	}
	if c.excludeIfaceRe != nil && c.excludeIfaceRe.MatchString(name) {
		return false
	}
	return true
}

// Validate checks config-level invariants a parsed Config must satisfy
// before Compile. Fatal at startup if it fails.
func Validate(c *Config) error {
	if c.NodeName == "" {
		return fmt.Errorf("node_name must be set")
	}
	if len(c.Areas) == 0 {
		return fmt.Errorf("at least one area must be configured")
	}
	seen := make(map[Area]struct{}, len(c.Areas))
	for _, a := range c.Areas {
		if _, dup := seen[a]; dup {
			return fmt.Errorf("duplicate area %q", a)
		}
		seen[a] = struct{}{}
	}
	if c.Domain == "" {
		return fmt.Errorf("domain must be set")
	}
	return nil
}
