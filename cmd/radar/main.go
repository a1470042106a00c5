package main

import "market-radar/internal/cli"

func main() {
	cli.Execute()
}
