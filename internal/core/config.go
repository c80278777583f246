package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/cmscan/internal/slha"
)

// DefaultConfigFile is read when no --parfile is given.
const DefaultConfigFile = "checkmate_parameters.yaml"

// Reserved card and option names.
const (
	ParametersHeader = "Parameters"
	FieldName        = "Name"
	FieldOutputDir   = "OutputDirectory"
	FieldOutputMode  = "OutputExists"
	FieldSLHAFile    = "SLHAFile"
	FieldMGParam     = "MGparam"
	FieldXSect       = "XSect"

	defaultExecutable  = "CheckMATE"
	defaultInterpreter = "python2"
	defaultXsecUnit    = "PB"
	defaultSubmitDelay = 10 * time.Second
)

var (
	ErrNoInput       = errors.New("an input file or folder must be defined")
	ErrMissingName   = errors.New("the field 'Name' must be defined")
	ErrDuplicateName = errors.New("process Name must be unique")
	ErrBadOption     = errors.New("invalid configuration")
)

// PublishOptions configures the SFTP upload of finished result folders.
type PublishOptions struct {
	Host       string `yaml:"host" toml:"host"`
	Port       int    `yaml:"port" toml:"port"`
	User       string `yaml:"user" toml:"user"`
	KeyPath    string `yaml:"keyPath" toml:"keyPath"`
	KnownHosts string `yaml:"knownHosts" toml:"knownHosts"`
	RemoteDir  string `yaml:"remoteDir" toml:"remoteDir"`
}

// Options are the validated global run controls of the options section.
type Options struct {
	Input           string
	NCPU            int
	CleanUp         bool
	CheckmateFolder string
	Executable      string
	Interpreter     string
	XsecUnit        string
	// InjectXsecs is true when useSLHAxsecs is present, even if empty.
	InjectXsecs  bool
	UseSLHAxsecs map[string]slha.Lookup
	SubmitDelay  time.Duration
	StrictExit   bool
	Ledger       string
	Metrics      bool
	Publish      *PublishOptions
}

// ToolDir is the directory the tool runs in.
func (o Options) ToolDir() string { return filepath.Join(o.CheckmateFolder, "bin") }

// Config is a loaded scan configuration.
type Config struct {
	Path       string
	Options    Options
	Parameters *Section
	Processes  []*Section
}

// Overwrite reports whether existing result folders are replaced.
func (c *Config) Overwrite() bool {
	v, _ := c.Parameters.Get(FieldOutputMode)
	return strings.EqualFold(strings.TrimSpace(v), "overwrite")
}

// Validate checks the fields every job depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Options.Input) == "" {
		return ErrNoInput
	}
	if strings.TrimSpace(c.Options.CheckmateFolder) == "" {
		return fmt.Errorf("%w: options.checkmateFolder is required", ErrBadOption)
	}
	if c.Parameters == nil {
		return fmt.Errorf("%w: missing %s section", ErrBadOption, ParametersHeader)
	}
	if v, _ := c.Parameters.Get(FieldOutputDir); strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s.%s is required", ErrBadOption, ParametersHeader, FieldOutputDir)
	}
	seen := map[string]string{}
	for _, p := range c.Processes {
		name, ok := p.Get(FieldName)
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w in %s", ErrMissingName, p.Tag)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q used by %s and %s", ErrDuplicateName, name, prev, p.Tag)
		}
		seen[name] = p.Tag
	}
	return nil
}

// LoadConfig reads a YAML (.yaml/.yml) or TOML (.toml) configuration, applies
// the environment overlay and validates the result.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var doc *rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		doc, err = parseTOML(content)
	default:
		doc, err = parseYAML(content)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	env, err := LoadEnvOverlay(filepath.Join(filepath.Dir(path), EnvFileName))
	if err != nil {
		return nil, err
	}
	if err := applyEnv(&doc.options, env); err != nil {
		return nil, err
	}

	cfg, err := doc.build()
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if l := cfg.Options.Ledger; l != "" && !filepath.IsAbs(l) {
		cfg.Options.Ledger = filepath.Join(filepath.Dir(path), l)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type rawOptions struct {
	Input           string                `yaml:"input" toml:"input"`
	NCPU            *int                  `yaml:"ncpu" toml:"ncpu"`
	CleanUp         bool                  `yaml:"cleanUp" toml:"cleanUp"`
	CheckmateFolder string                `yaml:"checkmateFolder" toml:"checkmateFolder"`
	Executable      string                `yaml:"executable" toml:"executable"`
	Interpreter     *string               `yaml:"interpreter" toml:"interpreter"`
	XsecUnit        string                `yaml:"xsecUnit" toml:"xsecUnit"`
	UseSLHAxsecs    map[string]xsecSource `yaml:"useSLHAxsecs" toml:"useSLHAxsecs"`
	SubmitDelay     *duration             `yaml:"submitDelay" toml:"submitDelay"`
	StrictExit      bool                  `yaml:"strictExit" toml:"strictExit"`
	Ledger          string                `yaml:"ledger" toml:"ledger"`
	Metrics         bool                  `yaml:"metrics" toml:"metrics"`
	Publish         *PublishOptions       `yaml:"publish" toml:"publish"`
}

var knownOptions = map[string]bool{
	"input": true, "ncpu": true, "cleanUp": true, "checkmateFolder": true,
	"executable": true, "interpreter": true, "xsecUnit": true, "useSLHAxsecs": true,
	"submitDelay": true, "strictExit": true, "ledger": true, "metrics": true, "publish": true,
}

type rawConfig struct {
	options    rawOptions
	hasOptions bool
	parameters *Section
	processes  []*Section
}

type sectionKind int

const (
	processSection sectionKind = iota
	optionsSection
	parametersSection
)

func kindOf(name string) sectionKind {
	switch strings.ToLower(name) {
	case "options":
		return optionsSection
	case "parameters", "checkmateparameters":
		return parametersSection
	}
	return processSection
}

func (rc *rawConfig) addSection(s *Section) error {
	if kindOf(s.Tag) == parametersSection {
		if rc.parameters != nil {
			return fmt.Errorf("%w: duplicate parameters section %s", ErrBadOption, s.Tag)
		}
		rc.parameters = s
		return nil
	}
	rc.processes = append(rc.processes, s)
	return nil
}

func (rc *rawConfig) build() (*Config, error) {
	if !rc.hasOptions {
		return nil, ErrNoInput
	}
	ro := rc.options
	opts := Options{
		Input:       strings.TrimSpace(ro.Input),
		NCPU:        1,
		CleanUp:     ro.CleanUp,
		Executable:  defaultExecutable,
		Interpreter: defaultInterpreter,
		XsecUnit:    defaultXsecUnit,
		SubmitDelay: defaultSubmitDelay,
		StrictExit:  ro.StrictExit,
		Ledger:      strings.TrimSpace(ro.Ledger),
		Metrics:     ro.Metrics,
		Publish:     ro.Publish,
	}
	if ro.NCPU != nil {
		opts.NCPU = *ro.NCPU
	}
	if ro.Executable != "" {
		opts.Executable = ro.Executable
	}
	if ro.Interpreter != nil {
		opts.Interpreter = strings.TrimSpace(*ro.Interpreter)
	}
	if ro.XsecUnit != "" {
		opts.XsecUnit = ro.XsecUnit
	}
	if ro.SubmitDelay != nil {
		if *ro.SubmitDelay < 0 {
			return nil, fmt.Errorf("%w: submitDelay must not be negative", ErrBadOption)
		}
		opts.SubmitDelay = time.Duration(*ro.SubmitDelay)
	}
	if folder := strings.TrimSpace(ro.CheckmateFolder); folder != "" {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return nil, fmt.Errorf("%w: checkmateFolder: %v", ErrBadOption, err)
		}
		opts.CheckmateFolder = abs
	}
	if ro.UseSLHAxsecs != nil {
		opts.InjectXsecs = true
		opts.UseSLHAxsecs = make(map[string]slha.Lookup, len(ro.UseSLHAxsecs))
		for tag, src := range ro.UseSLHAxsecs {
			opts.UseSLHAxsecs[tag] = slha.Lookup(src)
		}
	}
	if p := opts.Publish; p != nil {
		if p.Host == "" || p.User == "" || p.RemoteDir == "" {
			return nil, fmt.Errorf("%w: publish needs host, user and remoteDir", ErrBadOption)
		}
		if p.Port == 0 {
			p.Port = 22
		}
	}
	return &Config{Options: opts, Parameters: rc.parameters, Processes: rc.processes}, nil
}

func parseYAML(content []byte) (*rawConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty configuration", ErrBadOption)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping of sections", ErrBadOption)
	}
	rc := &rawConfig{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i].Value, root.Content[i+1]
		if body.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: line %d: %q is not a section", ErrBadOption, root.Content[i].Line, name)
		}
		if kindOf(name) == optionsSection {
			for j := 0; j+1 < len(body.Content); j += 2 {
				if key := body.Content[j].Value; !knownOptions[key] {
					return nil, fmt.Errorf("%w: unknown option %q", ErrBadOption, key)
				}
			}
			if err := body.Decode(&rc.options); err != nil {
				return nil, fmt.Errorf("%w: options: %v", ErrBadOption, err)
			}
			rc.hasOptions = true
			continue
		}
		s := NewSection(name)
		for j := 0; j+1 < len(body.Content); j += 2 {
			k, v := body.Content[j], body.Content[j+1]
			if v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%w: line %d: %s.%s must be a scalar", ErrBadOption, k.Line, name, k.Value)
			}
			value := v.Value
			if v.Tag == "!!null" {
				value = ""
			}
			s.Set(k.Value, value)
		}
		if err := rc.addSection(s); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func parseTOML(content []byte) (*rawConfig, error) {
	var raw map[string]toml.Primitive
	meta, err := toml.Decode(string(content), &raw)
	if err != nil {
		return nil, err
	}
	rc := &rawConfig{}
	sections := map[string]*Section{}
	var order []string
	for _, key := range meta.Keys() {
		switch len(key) {
		case 1:
			name := key[0]
			if kindOf(name) == optionsSection {
				if err := meta.PrimitiveDecode(raw[name], &rc.options); err != nil {
					return nil, fmt.Errorf("%w: options: %v", ErrBadOption, err)
				}
				rc.hasOptions = true
				continue
			}
			var table map[string]any
			if err := meta.PrimitiveDecode(raw[name], &table); err != nil {
				return nil, fmt.Errorf("%w: %q is not a section", ErrBadOption, name)
			}
			sections[name] = NewSection(name)
			order = append(order, name)
		case 2:
			name, field := key[0], key[1]
			if kindOf(name) == optionsSection {
				if !knownOptions[field] {
					return nil, fmt.Errorf("%w: unknown option %q", ErrBadOption, field)
				}
				continue
			}
			s, ok := sections[name]
			if !ok {
				continue
			}
			var fields map[string]any
			if err := meta.PrimitiveDecode(raw[name], &fields); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrBadOption, name, err)
			}
			value, err := scalarString(fields[field])
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", ErrBadOption, name, field, err)
			}
			s.Set(field, value)
		default:
			if kindOf(key[0]) != optionsSection {
				return nil, fmt.Errorf("%w: %s must be a scalar", ErrBadOption, key.String())
			}
		}
	}
	for _, name := range order {
		if err := rc.addSection(sections[name]); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []any, []map[string]any, map[string]any:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	case nil:
		return "", nil
	default:
		return fmt.Sprint(x), nil
	}
}

// xsecSource is one useSLHAxsecs entry: a bare pid list, or a mapping with
// sqrts and pids.
type xsecSource slha.Lookup

func (x *xsecSource) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return x.fromAny(v)
}

func (x *xsecSource) UnmarshalTOML(v any) error { return x.fromAny(v) }

func (x *xsecSource) fromAny(v any) error {
	switch t := v.(type) {
	case []any:
		pids, err := toInts(t)
		if err != nil {
			return err
		}
		x.PIDs = pids
	case map[string]any:
		for k := range t {
			if k != "sqrts" && k != "pids" {
				return fmt.Errorf("unknown cross-section key field %q", k)
			}
		}
		if s, ok := t["sqrts"]; ok {
			f, ok := toFloat(s)
			if !ok {
				return fmt.Errorf("sqrts must be a number, got %v", s)
			}
			x.Sqrts = f
		}
		list, ok := t["pids"].([]any)
		if !ok {
			return fmt.Errorf("pids must be a list of particle ids")
		}
		pids, err := toInts(list)
		if err != nil {
			return err
		}
		x.PIDs = pids
	default:
		return fmt.Errorf("cross-section key must be a pid list or a {sqrts, pids} mapping, got %T", v)
	}
	if len(x.PIDs) < 3 {
		return fmt.Errorf("cross-section key needs two initial and at least one final state pid, got %v", x.PIDs)
	}
	return nil
}

func toInts(list []any) ([]int, error) {
	out := make([]int, 0, len(list))
	for _, item := range list {
		f, ok := toFloat(item)
		if !ok || f != float64(int(f)) {
			return nil, fmt.Errorf("particle id %v is not an integer", item)
		}
		out = append(out, int(f))
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// duration accepts Go duration strings ("500ms", "10s") or bare seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("submitDelay must be a scalar")
	}
	return d.parse(node.Value)
}

func (d *duration) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		return d.parse(t)
	default:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("submitDelay must be a duration, got %T", v)
		}
		*d = duration(f * float64(time.Second))
		return nil
	}
}

func (d *duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("submitDelay: %w", err)
	}
	*d = duration(v)
	return nil
}
