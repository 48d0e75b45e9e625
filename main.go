package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"grimm.is/tunnelboard/cmd"
	"grimm.is/tunnelboard/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmd.RunServe(os.Args[2:])
	case "passwd":
		err = cmd.RunPasswd(os.Args[2:])
	case "status":
		err = cmd.RunStatus(os.Args[2:])
	case "version", "-v", "--version":
		cmd.Printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", brand.BinaryName, os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - %s

Usage:
  %s <command> [flags]

Commands:
  serve     Run the daemon and its HTTP API
  passwd    Set or clear the dashboard password (daemon stopped)
  status    Show entries of a running daemon (-watch for a live view)
  version   Print version information

Run '%s <command> -h' for command flags.
`, brand.Name, brand.Get().Description, brand.BinaryName, brand.BinaryName)
}
