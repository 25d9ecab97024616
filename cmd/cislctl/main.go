// Command cislctl is a CLI client for the ci-sessiond status endpoint.
package main

import "github.com/go-dvbci/ci-sessionlayer/cmd/cislctl/commands"

func main() {
	commands.Execute()
}
