// Package main is the entry point for the cratewatch CLI.
package main

import "cratewatch.dev/pkg/cratewatch/cmd"

func main() {
	cmd.Execute()
}
