// Command warden runs the LLM API gateway.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 fatal config error, 2 fatal storage error
// at startup.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
)

func main() {
	configPath := flag.String("config", "warden.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("warden", version)
		os.Exit(exitOK)
	}

	os.Exit(run(*configPath))
}
