package main

import "github.com/AvaProtocol/userop-builder/cmd"

func main() {
	cmd.Execute()
}
