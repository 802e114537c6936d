// Package main is the entry point for glucose-scraper
package main

import (
	"os"

	"github.com/mrcode/glucose-scraper/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
