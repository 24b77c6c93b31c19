package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ongoingai/llmtrace/internal/version"
)

const defaultConfigPath = "llmtrace.yaml"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "config":
		return runConfig(args[1:], out, errOut)
	case "doctor":
		return runDoctor(args[1:], out, errOut)
	case "spool":
		return runSpool(args[1:], out, errOut)
	default:
		printUsage(errOut)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	case "show":
		return runConfigShow(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runConfigShow prints the effective configuration, after defaults and
// environment overrides, with secrets masked.
func runConfigShow(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config show does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config %s failed: %v\n", stage, err)
		return 1
	}

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg.Redacted()); err != nil {
		fmt.Fprintf(errOut, "failed to write config: %v\n", err)
		return 1
	}
	if err := encoder.Close(); err != nil {
		fmt.Fprintf(errOut, "failed to write config: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmtrace version")
	fmt.Fprintln(out, "  llmtrace config validate [--config path/to/llmtrace.yaml]")
	fmt.Fprintln(out, "  llmtrace config show [--config path/to/llmtrace.yaml]")
	fmt.Fprintln(out, "  llmtrace doctor [--config path/to/llmtrace.yaml] [--format text|json] [--timeout DURATION]")
	fmt.Fprintln(out, "  llmtrace spool stats [--config path/to/llmtrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  llmtrace spool replay [--config path/to/llmtrace.yaml] [--format text|json] [--timeout DURATION]")
	fmt.Fprintln(out, "  llmtrace spool purge --yes [--config path/to/llmtrace.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmtrace config validate [--config path/to/llmtrace.yaml]")
	fmt.Fprintln(out, "  llmtrace config show [--config path/to/llmtrace.yaml]")
}
