package version

import (
	"os"
)

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const undefinedVersion = "undefined"

func init() {
	// Use `$DISCOVERY_VERSION_OVERRIDE` as the version only if the
	// version wasn't set at link time, to minimize the chance of using
	// it unintentionally.
	if Version == undefinedVersion {
		override := os.Getenv("DISCOVERY_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}
