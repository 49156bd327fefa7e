package vstbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// ConfigFileName is the per-plugin configuration file searched for upwards
// from the proxy library's directory.
const ConfigFileName = "vstbridge.toml"

// Configuration is the per-plugin settings matched from a config file.
// Loading works as follows: the closest ConfigFileName above the proxy
// library is parsed as TOML, and each top-level table key is treated as a
// glob pattern matched against the library's path relative to the config
// file. The first matching table's settings apply; no file or no match
// leaves everything at defaults.
//
// A minimal file putting two plugins in one group looks like:
//
//	["plugins/chain/*.so"]
//	group = "chain"
type Configuration struct {
	// Group names the plugin group to host this plugin in. Empty means the
	// plugin is hosted individually in its own bridge process.
	Group string

	// MatchedFile and MatchedPattern record where the settings came from,
	// for startup logging. Both are empty when defaults apply.
	MatchedFile    string
	MatchedPattern string
}

// configSection is the raw shape of one table in the config file. Missing
// fields stay at their defaults.
type configSection struct {
	Group string `toml:"group"`
}

// LoadConfigFor loads the configuration applying to the proxy library at
// proxyPath. A missing config file yields defaults; a file that exists but
// cannot be parsed is a hard error, since a syntax error failing silently
// would be impossible to spot.
func LoadConfigFor(proxyPath string) (Configuration, error) {
	configPath, ok := findDominatingFile(ConfigFileName, filepath.Dir(proxyPath))
	if !ok {
		return Configuration{}, nil
	}
	return loadConfig(configPath, proxyPath)
}

func loadConfig(configPath, proxyPath string) (Configuration, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return Configuration{}, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var sections map[string]configSection
	if err := toml.Unmarshal(raw, &sections); err != nil {
		return Configuration{}, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	relative, err := filepath.Rel(filepath.Dir(configPath), proxyPath)
	if err != nil {
		return Configuration{}, fmt.Errorf("relativizing %s: %w", proxyPath, err)
	}

	// Patterns are tried in lexical order so matching is deterministic
	// regardless of file layout.
	patterns := make([]string, 0, len(sections))
	for pattern := range sections {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		if !matchPattern(pattern, relative) {
			continue
		}
		section := sections[pattern]
		return Configuration{
			Group:          section.Group,
			MatchedFile:    configPath,
			MatchedPattern: pattern,
		}, nil
	}

	return Configuration{}, nil
}

// matchPattern reports whether the glob pattern matches the relative path,
// also accepting a match against any leading directory of the path so a
// pattern naming a directory covers everything inside it.
func matchPattern(pattern, rel string) bool {
	for p := rel; p != "." && p != string(filepath.Separator); p = filepath.Dir(p) {
		if ok, err := filepath.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}
