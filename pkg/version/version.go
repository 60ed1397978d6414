package version

// Name is the service name reported in logs and traces.
const Name = "intg-manager"

// Version is overridden at build time with -ldflags "-X intgmgr/pkg/version.Version=...".
var Version = "dev"
