// Package main is the operator CLI for a remote-subagent coordinator.
package main

import "github.com/taskmgr818/remote-subagent/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
