package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names the files a configuration layers on top of. Included
// files are merged first, in order, and the including file wins.
const includeKey = "$include"

// envRef matches ${VAR} and ${VAR:-default}. Bare $VAR is left alone so
// keys such as $include survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} references using lookup. Unset or empty
// variables expand to their default, or to the empty string.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := lookup(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// LoadRaw reads path and every file it includes into one merged document,
// with environment references expanded.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &layerLoader{lookup: os.LookupEnv}
	return l.load(path)
}

// layerLoader resolves $include chains. stack holds the files currently
// being loaded so a cycle can be reported with its full path.
type layerLoader struct {
	lookup func(string) (string, bool)
	stack  []string
}

func (l *layerLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(l.stack, abs) {
		chain := append(slices.Clone(l.stack), abs)
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(chain, " -> "))
	}
	l.stack = append(l.stack, abs)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeLayer(abs, []byte(ExpandEnv(string(data), l.lookup)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		layer, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, layer)
	}
	overlay(merged, doc)
	return merged, nil
}

// decodeLayer parses one file. .json and .json5 files go through the JSON5
// decoder, everything else is YAML and must hold a single document.
func decodeLayer(path string, data []byte) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes $include from doc and returns its entries as paths
// resolved against dir.
func takeIncludes(doc map[string]any, dir string) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var entries []string
	switch v := value.(type) {
	case nil:
	case string:
		entries = []string{v}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			entries = append(entries, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(dir, entry)
		}
		paths = append(paths, entry)
	}
	return paths, nil
}

// overlay merges src into dst. Nested maps merge key by key; any other
// value, lists included, replaces what dst held.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				overlay(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
}

// decodeConfig converts a merged document into a Config, rejecting keys
// that no field claims.
func decodeConfig(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
