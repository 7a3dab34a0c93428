package main

import "github.com/knoguchi/conceptindex/internal/cli"

func main() {
	cli.Execute()
}
