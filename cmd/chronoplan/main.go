package main

import "chronoplan/internal/cli"

func main() {
	cli.Execute()
}
