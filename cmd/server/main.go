package main

import "bidtrack/cmd/cli"

func main() {
	cli.Execute()
}
