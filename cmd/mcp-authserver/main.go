package main

import "github.com/giantswarm/mcp-authserver/internal/cli"

// version is set during build with -ldflags
var version = "dev"

func main() {
	cli.SetVersion(version)
	cli.Execute()
}
