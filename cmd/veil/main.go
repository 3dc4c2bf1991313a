package main

import "github.com/felixgeelhaar/veil/cmd/veil/cli"

func main() {
	cli.Execute()
}
