package common

// Version is set at build time with -ldflags "-X github.com/ruteri/enclave-secure-channel/common.Version=..."
var Version = "dev"

// PackageName is the metrics namespace and default log service name.
const PackageName = "securechannel"
