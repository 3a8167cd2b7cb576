package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/m3rciful/chatbridge/core/buildinfo"
	corecmd "github.com/m3rciful/chatbridge/core/cmd"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var envFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("chatbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "optional YAML config file (default: $CONFIG_PATH)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if showVersion {
		info := buildinfo.Current()
		fmt.Printf("chatbridge %s (%s)\n", info.Version, info.Commit)
		return nil
	}

	return corecmd.Run(corecmd.Options{
		ConfigPath: configPath,
		EnvFile:    envFile,
	})
}
