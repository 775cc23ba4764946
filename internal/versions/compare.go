// Package versions compares remote service versions.
package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion.
// It uses semantic versioning for comparison when both strings are valid semver,
// and falls back to lexicographic string comparison otherwise.
func IsNewerVersion(newVersion, oldVersion string) bool {
	newSemver, errNew := semver.NewVersion(newVersion)
	oldSemver, errOld := semver.NewVersion(oldVersion)

	if errNew != nil || errOld != nil {
		return newVersion > oldVersion
	}

	return newSemver.GreaterThan(oldSemver)
}

// CheckMinimum returns an error unless version is at least minimum.
// An empty minimum accepts any version.
func CheckMinimum(version, minimum string) error {
	if minimum == "" {
		return nil
	}

	minSemver, err := semver.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}

	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("remote reported unparseable version %q: %w", version, err)
	}

	if IsNewerVersion(minSemver.Original(), version) {
		return fmt.Errorf("remote version %s is older than required %s", version, minimum)
	}
	return nil
}
