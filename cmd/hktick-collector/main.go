package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/bobmcallan/hktick/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (env HKTICK_CONFIG as fallback)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("HKTICK_CONFIG")
	}

	a, err := app.NewApp(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize collector: %v\n", err)
		os.Exit(1)
	}

	a.Start()
	os.Exit(a.Run())
}
