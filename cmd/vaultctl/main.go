package main

import "etf-vault/internal/cli"

func main() {
	cli.Execute()
}
