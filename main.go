package main

import (
	"os"

	"github.com/jlov7/Sentinel-MCP/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
