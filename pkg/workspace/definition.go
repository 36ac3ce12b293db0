// Package workspace loads static build workspace definitions and the
// connection files clients use to discover build servers.
//
// A definition lists build targets and their sources. It may be written in
// TOML, YAML or JSON with comments; the format is chosen by file extension:
//
//	name = "demo"
//
//	[[target]]
//	id = "app"
//	languages = ["go"]
//	tags = ["application"]
//	dependencies = ["lib"]
//	sources = ["cmd/app/"]
//	capabilities = { compile = true, run = true }
//
// Relative target ids, base directories and sources are resolved against
// the definition's root, which defaults to the directory holding the file.
package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// Format is the encoding of a definition file
type Format string

const (
	FormatTOML  Format = "toml"
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// FormatOf returns the format implied by the extension of path
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSONC, nil
	default:
		return "", fmt.Errorf("unsupported workspace definition %q: want .toml, .yaml or .json", path)
	}
}

// Definition is a decoded workspace file
type Definition struct {
	Name    string   `toml:"name" yaml:"name" json:"name"`
	Root    string   `toml:"root" yaml:"root" json:"root"`
	Targets []Target `toml:"target" yaml:"targets" json:"targets"`

	// root is Root resolved to an absolute directory
	root string
}

// Target describes one build target
type Target struct {
	ID           string                 `toml:"id" yaml:"id" json:"id"`
	DisplayName  string                 `toml:"name" yaml:"name" json:"name"`
	Base         string                 `toml:"base" yaml:"base" json:"base"`
	Tags         []string               `toml:"tags" yaml:"tags" json:"tags"`
	Languages    []string               `toml:"languages" yaml:"languages" json:"languages"`
	Dependencies []string               `toml:"dependencies" yaml:"dependencies" json:"dependencies"`
	Sources      []string               `toml:"sources" yaml:"sources" json:"sources"`
	Generated    []string               `toml:"generated" yaml:"generated" json:"generated"`
	Capabilities Capabilities           `toml:"capabilities" yaml:"capabilities" json:"capabilities"`
	DataKind     string                 `toml:"data_kind" yaml:"dataKind" json:"dataKind"`
	Data         map[string]interface{} `toml:"data" yaml:"data" json:"data"`
}

// Capabilities are the actions a target supports
type Capabilities struct {
	Compile bool `toml:"compile" yaml:"compile" json:"compile"`
	Test    bool `toml:"test" yaml:"test" json:"test"`
	Run     bool `toml:"run" yaml:"run" json:"run"`
	Debug   bool `toml:"debug" yaml:"debug" json:"debug"`
}

// Load reads and validates the definition at path
func Load(path string) (*Definition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	def.resolveRoot(filepath.Dir(abs))
	return def, nil
}

// Parse decodes a definition. Relative paths resolve against the working
// directory until the definition is loaded from a file.
func Parse(format Format, data []byte) (*Definition, error) {
	var def Definition
	switch format {
	case FormatTOML:
		meta, err := toml.Decode(string(data), &def)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	wd, _ := os.Getwd()
	def.resolveRoot(wd)
	return &def, nil
}

// Validate checks that every target has an id, that ids are unique and that
// dependencies are named
func (d *Definition) Validate() error {
	seen := make(map[string]struct{}, len(d.Targets))
	for i, t := range d.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("target %d: missing id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("target %q: defined twice", t.ID)
		}
		seen[t.ID] = struct{}{}
		for _, dep := range t.Dependencies {
			if strings.TrimSpace(dep) == "" {
				return fmt.Errorf("target %q: empty dependency", t.ID)
			}
			if dep == t.ID {
				return fmt.Errorf("target %q: depends on itself", t.ID)
			}
		}
		if t.DataKind == "" && len(t.Data) > 0 {
			return fmt.Errorf("target %q: data without data kind", t.ID)
		}
	}
	return nil
}

func (d *Definition) resolveRoot(dir string) {
	switch {
	case d.Root == "":
		d.root = dir
	case filepath.IsAbs(d.Root):
		d.root = filepath.Clean(d.Root)
	default:
		d.root = filepath.Join(dir, d.Root)
	}
}

// RootDir returns the absolute directory relative paths resolve against
func (d *Definition) RootDir() string {
	return d.root
}

// RootURI returns the root directory as a file URI
func (d *Definition) RootURI() protocol.URI {
	return FileURI(d.root)
}

// BuildTargets converts the definition into protocol build targets
func (d *Definition) BuildTargets() ([]protocol.BuildTarget, error) {
	targets := make([]protocol.BuildTarget, 0, len(d.Targets))
	for _, t := range d.Targets {
		bt := protocol.BuildTarget{
			ID:          d.TargetID(t.ID),
			DisplayName: t.DisplayName,
			Tags:        nonNil(t.Tags),
			Capabilities: protocol.BuildTargetCapabilities{
				CanCompile: t.Capabilities.Compile,
				CanTest:    t.Capabilities.Test,
				CanRun:     t.Capabilities.Run,
				CanDebug:   t.Capabilities.Debug,
			},
			LanguageIDs:  nonNil(t.Languages),
			Dependencies: make([]protocol.BuildTargetIdentifier, 0, len(t.Dependencies)),
		}
		if bt.DisplayName == "" {
			bt.DisplayName = t.ID
		}
		if t.Base != "" {
			bt.BaseDirectory = d.resolve(t.Base)
		}
		for _, dep := range t.Dependencies {
			bt.Dependencies = append(bt.Dependencies, d.TargetID(dep))
		}
		if t.DataKind != "" {
			var data interface{}
			if len(t.Data) > 0 {
				data = t.Data
			}
			kind, raw, err := protocol.EncodeData(t.DataKind, data)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t.ID, err)
			}
			bt.DataKind, bt.Data = kind, raw
		}
		targets = append(targets, bt)
	}
	return targets, nil
}

// Sources returns the source items of target. Entries ending in a slash are
// directories.
func (d *Definition) Sources(t Target) []protocol.SourceItem {
	items := make([]protocol.SourceItem, 0, len(t.Sources)+len(t.Generated))
	add := func(paths []string, generated bool) {
		for _, p := range paths {
			kind := protocol.SourceItemFile
			if strings.HasSuffix(p, "/") {
				kind = protocol.SourceItemDirectory
			}
			uri := d.resolve(p)
			if kind == protocol.SourceItemDirectory && !strings.HasSuffix(string(uri), "/") {
				uri += "/"
			}
			items = append(items, protocol.SourceItem{URI: uri, Kind: kind, Generated: generated})
		}
	}
	add(t.Sources, false)
	add(t.Generated, true)
	return items
}

// TargetID resolves a target id from the definition into an identifier.
// Ids that already are URIs are kept as they are.
func (d *Definition) TargetID(id string) protocol.BuildTargetIdentifier {
	return protocol.BuildTargetIdentifier{URI: d.resolve(id)}
}

func (d *Definition) resolve(p string) protocol.URI {
	if strings.Contains(p, "://") {
		return protocol.URI(p)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.root, filepath.FromSlash(p))
	}
	return FileURI(p)
}

// FileURI returns the file URI of an absolute path
func FileURI(path string) protocol.URI {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return protocol.URI(u.String())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
