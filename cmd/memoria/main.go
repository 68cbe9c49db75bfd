package main

import "github.com/felixgeelhaar/memoria/cmd/memoria/cli"

func main() {
	cli.Execute()
}
