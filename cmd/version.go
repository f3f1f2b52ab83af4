package cmd

// Version is overridden at build time via
// -ldflags "-X github.com/xkilldash9x/tokenbridge/cmd.Version=v1.2.3".
var Version = "dev"
