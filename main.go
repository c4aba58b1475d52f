package main

import "github.com/agentpulse/agentpulse/cmd"

func main() {
	cmd.Execute()
}
