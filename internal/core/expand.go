package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cmscan/internal/slha"
)

// Expander turns one configuration into one JobSpec per input file.
type Expander struct {
	Log zerolog.Logger
}

// Expand validates cfg and returns the jobs in input order. Input files that
// do not parse as SLHA are dropped with a debug log; configuration errors
// abort before any job is built.
func (e *Expander) Expand(cfg *Config) ([]JobSpec, error) {
	if err := cfg.Validate(); err != nil {
		e.Log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}
	inputs, err := ResolveInputs(cfg.Options.Input)
	if err != nil {
		e.Log.Error().Err(err).Str("input", cfg.Options.Input).Msg("cannot resolve input files")
		return nil, err
	}
	outDir, _ := cfg.Parameters.Get(FieldOutputDir)
	outRoot, err := filepath.Abs(outDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadOption, FieldOutputDir, err)
	}
	if v, ok := cfg.Parameters.Get(FieldName); ok {
		e.Log.Debug().Str("name", v).Msg("configured Name is replaced by the input file name")
	}

	tool := Tool{
		Dir:         cfg.Options.ToolDir(),
		Executable:  cfg.Options.Executable,
		Interpreter: cfg.Options.Interpreter,
	}

	jobs := make([]JobSpec, 0, len(inputs))
	for _, input := range inputs {
		doc, err := slha.ReadFile(input)
		if err != nil {
			e.Log.Debug().Err(err).Str("input", input).Msg("skipping input file")
			continue
		}

		name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		params := cfg.Parameters.Clone()
		params.Set(FieldSLHAFile, input)
		params.Set(FieldName, name)
		params.Set(FieldOutputDir, outRoot)

		var xsecs map[string]slha.XSectionEntry
		if cfg.Options.InjectXsecs {
			xsecs = doc.Resolve(cfg.Options.UseSLHAxsecs)
		}
		procs := make([]*Section, len(cfg.Processes))
		for i, p := range cfg.Processes {
			proc := p.Clone()
			proc.Set(FieldMGParam, input)
			if cfg.Options.InjectXsecs {
				pname, _ := proc.Get(FieldName)
				if x, ok := xsecs[proc.Tag]; ok {
					proc.Set(FieldXSect, FormatXsec(x.Value, cfg.Options.XsecUnit))
				}
				if x, ok := xsecs[pname]; ok {
					proc.Set(FieldXSect, FormatXsec(x.Value, cfg.Options.XsecUnit))
				}
			}
			procs[i] = proc
		}

		jobs = append(jobs, JobSpec{
			Seq:        len(jobs),
			Input:      input,
			Name:       name,
			OutputRoot: outRoot,
			Parameters: params,
			Processes:  procs,
			Overwrite:  cfg.Overwrite(),
			CleanUp:    cfg.Options.CleanUp,
			Tool:       tool,
		})
	}
	e.Log.Debug().Int("inputs", len(inputs)).Int("jobs", len(jobs)).Msg("expanded configuration")
	return jobs, nil
}

// FormatXsec renders a cross-section value the way cards expect it.
func FormatXsec(value float64, unit string) string {
	return fmt.Sprintf("%1.5g %s", value, unit)
}

// ResolveInputs expands a locator into absolute input paths, sorted. The
// locator may be a regular file, a directory (its regular files, not
// recursive) or a glob pattern.
func ResolveInputs(locator string) ([]string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, ErrNoInput
	}
	var matches []string
	info, err := os.Stat(locator)
	switch {
	case err == nil && info.Mode().IsRegular():
		matches = []string{locator}
	case err == nil && info.IsDir():
		entries, err := os.ReadDir(locator)
		if err != nil {
			return nil, fmt.Errorf("read input dir: %w", err)
		}
		for _, ent := range entries {
			p := filepath.Join(locator, ent.Name())
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				matches = append(matches, p)
			}
		}
	case strings.ContainsAny(locator, "*?["):
		globbed, err := filepath.Glob(locator)
		if err != nil {
			return nil, fmt.Errorf("%w: input pattern %q: %v", ErrNoInput, locator, err)
		}
		for _, p := range globbed {
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				matches = append(matches, p)
			}
		}
	default:
		return nil, fmt.Errorf("%w: input format %q not accepted", ErrNoInput, locator)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q matched no files", ErrNoInput, locator)
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("input path: %w", err)
		}
		out[i] = abs
	}
	sort.Strings(out)
	return out, nil
}
