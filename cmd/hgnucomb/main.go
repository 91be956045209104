package main

import "github.com/kylesnowschwartz/hgnucomb-sub001/internal/cli"

func main() {
	cli.Execute()
}
