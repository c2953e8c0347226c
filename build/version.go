package build

import "runtime/debug"

var (
	// these variables are set at build time to their respective values.
	commitSHA string
	tag       string
)

// Version returns the version stamped in at build time. Binaries built with `go install` report
// their module version instead.
func Version() string {
	if tag == "" {
		tag = "v0.0.0"
	}

	if commitSHA != "" {
		return tag + "-" + commitSHA
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "unknown"
}
