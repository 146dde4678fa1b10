package config

import "fmt"

// CurrentVersion is the configuration schema this build reads. A file
// without a version key is treated as CurrentVersion.
const CurrentVersion = 1

// VersionError reports a configuration written for a schema this build
// cannot read.
type VersionError struct {
	Version int
	// Newer is set when the file comes from a later release.
	Newer bool
}

func (e *VersionError) Error() string {
	if e.Newer {
		return fmt.Sprintf("version: config schema %d needs a newer openintent (this build reads %d)", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("version: config schema %d is not supported, set version: %d", e.Version, CurrentVersion)
}

// ValidateVersion accepts CurrentVersion only.
func ValidateVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return &VersionError{Version: version, Newer: true}
	default:
		return &VersionError{Version: version}
	}
}
