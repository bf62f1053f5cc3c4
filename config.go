package vkern

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vkern/internal/sched"
)

// Config describes a machine on disk.
type Config struct {
	Name string `yaml:"name"`
	Cpus int    `yaml:"cpus"`

	// DebugLog and TraceLog, when set, are file paths the binary debug
	// log and the pCPU trace are written to.
	DebugLog string `yaml:"debugLog,omitempty"`
	TraceLog string `yaml:"traceLog,omitempty"`

	VMs []VMConfig `yaml:"vms,omitempty"`
}

func (c *Config) normalize() {
	if c.Cpus == 0 {
		c.Cpus = 1
	}
	if c.Name == "" {
		c.Name = "machine"
	}
	for i := range c.VMs {
		if c.VMs[i].Vcpus == 0 {
			c.VMs[i].Vcpus = 1
		}
		if c.VMs[i].Name == "" {
			c.VMs[i].Name = fmt.Sprintf("vm%d", c.VMs[i].Vmid)
		}
	}
}

// Validate checks the config and fills in defaults.
func (c *Config) Validate() error {
	c.normalize()
	if c.Cpus < 1 || c.Cpus > sched.MaxCpuNr {
		return fmt.Errorf("vkern: cpus = %d, want 1..%d", c.Cpus, sched.MaxCpuNr)
	}

	seen := make(map[uint32]bool)
	for _, vm := range c.VMs {
		if seen[vm.Vmid] {
			return fmt.Errorf("vkern: duplicate vmid %d", vm.Vmid)
		}
		seen[vm.Vmid] = true
		if vm.Vcpus < 1 || vm.Vcpus > c.Cpus {
			return fmt.Errorf("vkern: vm%d has %d vcpus, want 1..%d",
				vm.Vmid, vm.Vcpus, c.Cpus)
		}
	}
	return nil
}

// LoadConfig reads and validates a machine config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vkern: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vkern: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
