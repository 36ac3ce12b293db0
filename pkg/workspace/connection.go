package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// ConnectionDir is the directory, relative to a workspace root, holding
// build server connection files
const ConnectionDir = ".bsp"

// Connection describes how to launch a build server over stdio
type Connection struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	BspVersion string   `json:"bspVersion"`
	Languages  []string `json:"languages"`
	Argv       []string `json:"argv"`
}

// Validate checks the required fields
func (c *Connection) Validate() error {
	var missing []string
	if c.Name == "" {
		missing = append(missing, "name")
	}
	if c.Version == "" {
		missing = append(missing, "version")
	}
	if c.BspVersion == "" {
		missing = append(missing, "bspVersion")
	}
	if len(c.Argv) == 0 {
		missing = append(missing, "argv")
	}
	if len(missing) > 0 {
		return fmt.Errorf("connection file missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Supports reports whether the server handles languageID. A server
// declaring no languages supports none.
func (c *Connection) Supports(languageID string) bool {
	for _, l := range c.Languages {
		if l == languageID {
			return true
		}
	}
	return false
}

// ReadConnection reads a connection file. Comments and trailing commas are
// tolerated.
func ReadConnection(path string) (*Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var c Connection
	if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
		return nil, fmt.Errorf("%s: failed to parse connection file: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// WriteConnection writes c to <root>/.bsp/<name>.json and returns the path
func WriteConnection(root string, c *Connection) (string, error) {
	if c.BspVersion == "" {
		c.BspVersion = protocol.Version
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return "", fmt.Errorf("invalid connection name %q", c.Name)
	}

	dir := filepath.Join(root, ConnectionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, c.Name+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Discover reads every connection file under <root>/.bsp, ordered by file
// name. Unreadable files are reported together with the ones that loaded.
func Discover(root string) ([]*Connection, error) {
	dir := filepath.Join(root, ConnectionDir)
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var (
		conns []*Connection
		errs  []error
	)
	for _, path := range matches {
		c, err := ReadConnection(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conns = append(conns, c)
	}
	return conns, errors.Join(errs...)
}

// FindRoot walks up from start to the first directory containing a .bsp
// directory
func FindRoot(start string) (string, bool, error) {
	if start == "" {
		start = "."
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		info, err := os.Stat(filepath.Join(dir, ConnectionDir))
		if err == nil && info.IsDir() {
			return dir, true, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", filepath.Join(dir, ConnectionDir), err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Select returns the first connection supporting languageID, or the first
// connection when languageID is empty
func Select(conns []*Connection, languageID string) (*Connection, bool) {
	for _, c := range conns {
		if languageID == "" || c.Supports(languageID) {
			return c, true
		}
	}
	return nil, false
}
