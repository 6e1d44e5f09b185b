package main

import (
	"github.com/openclearing/hubd/internal/cli"
)

func main() {
	cli.Execute()
}
