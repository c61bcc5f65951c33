package build

// Overridden at link time, e.g. -ldflags "-X github.com/G-Research/fleetbench/internal/common/build.ReleaseVersion=v1.2.3"
var (
	ReleaseVersion = "UNKNOWN_VERSION"
	GitCommit      = "UNKNOWN_GIT_COMMIT"
	GoVersion      = "UNKNOWN_GO_VERSION"
	BuildTime      = "UNKNOWN_BUILD_TIME"
)
