package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/microgrid/core"
	"github.com/sarchlab/microgrid/fpu"
	"github.com/sarchlab/microgrid/ids"
)

// RunConfig is the on-disk shape of a whole run: grid sizing, DDR timing and
// per-op FPU latencies, the same
// gopkg.in/yaml.v3-backed pattern core.LoadProgramFromYAML uses for a
// program image.
type RunConfig struct {
	NumCores       int               `yaml:"num_cores"`
	FreqGHz        float64           `yaml:"freq_ghz"`
	IntRegisters   int               `yaml:"int_registers"`
	FloatRegisters int               `yaml:"float_registers"`
	RegBlockSize   int               `yaml:"reg_block_size"`
	ICacheLines    int               `yaml:"icache_lines"`
	DCacheLines    int               `yaml:"dcache_lines"`
	CacheLineSize  int               `yaml:"cache_line_size"`
	QueueSize      int               `yaml:"queue_size"`
	FPULatencies   map[string]uint64 `yaml:"fpu_latencies"`
	DDRSizeBytes   uint64            `yaml:"ddr_size_bytes"`
	DDRLatency     int               `yaml:"ddr_latency"`
}

// opNames maps the YAML FPULatencies keys onto fpu.Op, the same operation
// classes fpu.FPU pipelines independently.
var opNames = map[string]fpu.Op{
	"ADD":  fpu.Add,
	"SUB":  fpu.Sub,
	"MUL":  fpu.Mul,
	"DIV":  fpu.Div,
	"SQRT": fpu.Sqrt,
}

// LoadRunConfigFromYAML parses data into a RunConfig. Fields the YAML
// leaves out stay at their zero value; RunConfig.GridBuilder applies
// core.DefaultConfig()'s sizing in their place.
func LoadRunConfigFromYAML(data []byte) (RunConfig, error) {
	var rc RunConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return RunConfig{}, fmt.Errorf("config: parsing run config yaml: %w", err)
	}
	return rc, nil
}

// GridBuilder turns rc into a GridBuilder seeded from core.DefaultConfig(),
// overridden field-by-field by whatever rc sets, and ready for a caller to
// attach an engine/monitor via the usual With* chain before Build.
func (rc RunConfig) GridBuilder() (GridBuilder, error) {
	cfg := core.DefaultConfig()

	if rc.IntRegisters > 0 {
		cfg.IntRegisters = rc.IntRegisters
	}
	if rc.FloatRegisters > 0 {
		cfg.FloatRegisters = rc.FloatRegisters
	}
	if rc.RegBlockSize > 0 {
		cfg.RegBlockSize = rc.RegBlockSize
	}
	if rc.ICacheLines > 0 {
		cfg.ICacheLines = rc.ICacheLines
	}
	if rc.DCacheLines > 0 {
		cfg.DCacheLines = rc.DCacheLines
	}
	if rc.CacheLineSize > 0 {
		cfg.CacheLineSize = rc.CacheLineSize
	}
	if rc.QueueSize > 0 {
		cfg.QueueSize = rc.QueueSize
	}

	if len(rc.FPULatencies) > 0 {
		latencies := make(map[fpu.Op]uint64, len(rc.FPULatencies))
		for name, cycles := range rc.FPULatencies {
			op, ok := opNames[name]
			if !ok {
				return GridBuilder{}, fmt.Errorf("config: unknown fpu op %q", name)
			}
			latencies[op] = cycles
		}
		cfg.FPULatencies = latencies
	}

	numCores := rc.NumCores
	if numCores <= 0 {
		numCores = NewGridBuilder().numCores
	}
	families := cfg.FamilyTablePools[0] + cfg.FamilyTablePools[1] + cfg.FamilyTablePools[2]
	cfg.Wire = ids.NewWireFormat(numCores, families)

	b := NewGridBuilder().WithCoreConfig(cfg)

	if rc.NumCores > 0 {
		b = b.WithNumCores(rc.NumCores)
	}
	if rc.FreqGHz > 0 {
		b = b.WithFreq(sim.Freq(rc.FreqGHz) * sim.GHz)
	}
	if rc.DDRSizeBytes > 0 {
		b = b.WithDDRSize(rc.DDRSizeBytes)
	}
	if rc.DDRLatency > 0 {
		b = b.WithDDRLatency(rc.DDRLatency)
	}

	return b, nil
}
