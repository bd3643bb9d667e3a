package main

import "github.com/viamin/aidp-sub015/internal/cli"

func main() {
	cli.Execute()
}
