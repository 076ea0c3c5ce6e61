package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

// Config represents the filter file deciding which ways are indexed
type Config struct {
	// Ways holds tag rules applied to every way
	Ways *TagRules `yaml:"ways,omitempty"`
	// Classes restricts indexing to these highway values, links included
	// when their base class is listed
	Classes []string `yaml:"classes,omitempty"`
	// DropUnclassified skips ways without a highway tag
	DropUnclassified bool `yaml:"drop_unclassified,omitempty"`
	// Script is a Lua file defining filter_way(tags, class), consulted
	// after the other rules. Relative paths resolve against the filter file.
	Script string `yaml:"script,omitempty"`

	proto *lua.FunctionProto
}

// TagRules defines tag based include and exclude rules
type TagRules struct {
	// Include specifies which tag keys/values to include
	// If empty, all tags are included
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude specifies which tag keys/values to exclude
	// Applied after include rules
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny specifies that at least one of these tags must be present
	RequireAny []string `yaml:"require_any,omitempty"`
}

// LoadConfig loads a filter configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse filter YAML: %w", err)
	}

	for _, name := range cfg.Classes {
		if !roadclass.Parse(name).Typed() {
			return nil, fmt.Errorf("filter file lists unknown road class %q", name)
		}
	}

	if cfg.Script != "" {
		if !filepath.IsAbs(cfg.Script) {
			cfg.Script = filepath.Join(filepath.Dir(path), cfg.Script)
		}
		proto, err := compileScriptFile(cfg.Script)
		if err != nil {
			return nil, err
		}
		cfg.proto = proto
	}

	return &cfg, nil
}

// SetScript compiles Lua source as the filter_way script
func (c *Config) SetScript(name, code string) error {
	proto, err := compileScript(name, strings.NewReader(code))
	if err != nil {
		return err
	}
	c.Script = name
	c.proto = proto
	return nil
}

// Filter decides whether a way is indexed
type Filter struct {
	cfg     *Config
	classes map[roadclass.Class]bool
	script  *script
}

// New creates a filter from configuration. A nil config accepts everything.
func New(cfg *Config) *Filter {
	if cfg == nil {
		cfg = &Config{}
	}
	f := &Filter{cfg: cfg}
	if len(cfg.Classes) > 0 {
		f.classes = make(map[roadclass.Class]bool, len(cfg.Classes))
		for _, name := range cfg.Classes {
			f.classes[roadclass.Parse(name)] = true
		}
	}
	if cfg.proto != nil {
		f.script = newScript(cfg.proto)
	}
	return f
}

// Close releases the script interpreters
func (f *Filter) Close() {
	if f != nil && f.script != nil {
		f.script.close()
	}
}

// ScriptFailures returns how many ways were rejected by a failing script call
func (f *Filter) ScriptFailures() int64 {
	if f == nil || f.script == nil {
		return 0
	}
	return f.script.failures.Load()
}

// Enabled returns true if any rule is configured
func (f *Filter) Enabled() bool {
	if f == nil {
		return false
	}
	if len(f.classes) > 0 || f.cfg.DropUnclassified || f.script != nil {
		return true
	}
	r := f.cfg.Ways
	return r != nil && (len(r.Include) > 0 || len(r.Exclude) > 0 || len(r.RequireAny) > 0)
}

// MatchWay returns true if the way should be indexed
func (f *Filter) MatchWay(w *osm.Way) bool {
	if f == nil {
		return true
	}
	return f.Match(w.Tags)
}

// Match checks if the given way tags pass every rule
func (f *Filter) Match(tags osm.Tags) bool {
	if f == nil {
		return true
	}

	class, _, _ := roadclass.Classify(tags)
	if f.cfg.DropUnclassified && class == roadclass.None {
		return false
	}
	if len(f.classes) > 0 && !f.classes[class] && !f.classes[class.Base()] {
		return false
	}

	if f.cfg.Ways != nil && !f.cfg.Ways.match(tags.Map()) {
		return false
	}
	if f.script != nil {
		return f.script.match(tags, class)
	}
	return true
}

func (r *TagRules) match(tags map[string]string) bool {
	if len(r.RequireAny) > 0 {
		found := false
		for _, key := range r.RequireAny {
			if _, ok := tags[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.Include) > 0 {
		matched := false
		for key, values := range r.Include {
			if value, ok := tags[key]; ok && valueListed(values, value) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range r.Exclude {
		if value, ok := tags[key]; ok && valueListed(values, value) {
			return false
		}
	}

	return true
}

// valueListed reports whether value is in the list; an empty list or "*"
// matches any value
func valueListed(values []string, value string) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v == value || v == "*" {
			return true
		}
	}
	return false
}
