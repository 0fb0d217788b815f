package nocturne

// Version is the runtime version, overridden at build time via
// -ldflags "-X github.com/nocturne-ai/nocturne.Version=...".
var Version = "dev"
