package main

import "deedsreg/pkg/cli"

func main() {
	cli.Execute()
}
