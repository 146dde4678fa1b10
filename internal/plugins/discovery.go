package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// ManifestInfo is a decoded manifest and the file it came from.
type ManifestInfo struct {
	Manifest *Manifest
	Path     string
}

// decoded remembers a validated manifest together with the file state it
// was read from. A manifest is decoded again only when its size or
// modification time changes.
type decoded struct {
	size    int64
	modTime time.Time
	info    ManifestInfo
}

var manifestFiles = struct {
	sync.Mutex
	byPath map[string]decoded
}{byPath: map[string]decoded{}}

// DiscoverManifests finds plugin.json files under dirs and returns them
// keyed by plugin name. An entry may also name a manifest file directly.
// Missing entries are skipped; two manifests claiming one name are an
// error.
func DiscoverManifests(dirs []string) (map[string]ManifestInfo, error) {
	found := make(map[string]ManifestInfo)
	for _, root := range uniqueRoots(dirs) {
		paths, err := manifestPaths(root)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			entry, err := cachedManifest(path)
			if err != nil {
				return nil, err
			}
			name := entry.Manifest.Name
			if prior, dup := found[name]; dup {
				return nil, fmt.Errorf("duplicate plugin %q: %s and %s", name, prior.Path, entry.Path)
			}
			found[name] = entry
		}
	}
	return found, nil
}

// manifestPaths lists the manifest files below root. A root that is itself
// a file is returned as is.
func manifestPaths(root string) ([]string, error) {
	st, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("plugin dir %s: %w", root, err)
	case !st.IsDir():
		return []string{root}, nil
	}

	var paths []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ManifestFilename {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan plugin dir %s: %w", root, walkErr)
	}
	return paths, nil
}

// cachedManifest returns the manifest at path, reusing the last decode
// when the file is unchanged.
func cachedManifest(path string) (ManifestInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("manifest %s: %w", path, err)
	}

	manifestFiles.Lock()
	hit, ok := manifestFiles.byPath[path]
	manifestFiles.Unlock()
	if ok && hit.size == st.Size() && hit.modTime.Equal(st.ModTime()) {
		return hit.info, nil
	}

	info, err := LoadManifestForPath(path)
	if err != nil {
		return ManifestInfo{}, err
	}
	manifestFiles.Lock()
	manifestFiles.byPath[path] = decoded{size: st.Size(), modTime: st.ModTime(), info: info}
	manifestFiles.Unlock()
	return info, nil
}

// LoadManifestForPath decodes and validates the manifest at path. A
// directory resolves to the plugin.json inside it.
func LoadManifestForPath(path string) (ManifestInfo, error) {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, ManifestFilename)
	}
	m, err := DecodeManifestFile(path)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return ManifestInfo{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return ManifestInfo{Manifest: m, Path: path}, nil
}

// SortedNames returns the plugin names of a discovery result in order.
func SortedNames(manifests map[string]ManifestInfo) []string {
	return slices.Sorted(maps.Keys(manifests))
}

// uniqueRoots drops blank and repeated entries while keeping the
// configured order.
func uniqueRoots(dirs []string) []string {
	roots := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if dir = strings.TrimSpace(dir); dir == "" {
			continue
		}
		if dir = filepath.Clean(dir); !slices.Contains(roots, dir) {
			roots = append(roots, dir)
		}
	}
	return roots
}
