package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK                = 0
	exitInternalFailure   = 1
	exitVerifyFailed      = 2
	exitStateContention   = 3
	exitNotFound          = 4
	exitInvalidInput      = 6
	exitMissingDependency = 7
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("attend", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("attend reconciles meeting attendance events into sessions, validates them against policy, and certifies the results in a signed hash-chained ledger.")
	}

	switch arguments[1] {
	case "serve":
		return runServe(arguments[2:])
	case "ingest":
		return runIngest(arguments[2:])
	case "finalize":
		return runFinalize(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "chain":
		return runChain(arguments[2:])
	case "merkle":
		return runMerkle(arguments[2:])
	case "tamper":
		return runTamper(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("attend", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  attend serve [--config <config.yaml>] [--listen <addr>] [--explain]")
	fmt.Println("  attend ingest --events <events.jsonl> [--finalize] [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend finalize --session <session_id> [--revalidate] [--ended-at <rfc3339>] [--scheduled-start <rfc3339>] [--scheduled-minutes <n>] [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend verify (--record <block_id> | --record-file <record.json>) [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend chain --key <participant/counterparty> [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend merkle --blocks <csv block ids> [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend tamper --record <block_id> [--config <config.yaml>] [--json] [--explain]")
	fmt.Println("  attend keys init [--out-dir <dir>] [--prefix <name>] [--secret] [--json] [--explain]")
	fmt.Println("  attend version")
}
