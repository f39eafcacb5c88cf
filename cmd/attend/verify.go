package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davidahmann/attend/core/ledger"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/schema/validate"
)

type verifyOutput struct {
	OK           bool                       `json:"ok"`
	Verification *ledger.RecordVerification `json:"verification,omitempty"`
	errorFields
}

type chainOutput struct {
	OK           bool                      `json:"ok"`
	Verification *ledger.ChainVerification `json:"verification,omitempty"`
	errorFields
}

type merkleOutput struct {
	OK       bool     `json:"ok"`
	Root     string   `json:"root,omitempty"`
	BlockIDs []string `json:"block_ids,omitempty"`
	errorFields
}

type tamperOutput struct {
	OK     bool                 `json:"ok"`
	Report *ledger.TamperReport `json:"report,omitempty"`
	errorFields
}

func runVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Recompute a certification record's hash and check its signature. Use --record for a stored block or --record-file for an exported record.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"record":      true,
		"record-file": true,
		"config":      true,
	})

	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var blockID string
	var recordPath string
	var configPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&blockID, "record", "", "block id of a stored record")
	flagSet.StringVar(&recordPath, "record-file", "", "path to an exported record JSON")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	blockID = strings.TrimSpace(blockID)
	recordPath = strings.TrimSpace(recordPath)
	if (blockID == "") == (recordPath == "") {
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: errorFields{Error: "set exactly one of --record or --record-file"}}, exitInvalidInput)
	}

	var exported *schema.CertificationRecord
	if recordPath != "" {
		record, err := readRecordFile(recordPath)
		if err != nil {
			return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
		}
		exported = &record
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	var verification ledger.RecordVerification
	if exported != nil {
		verification = runtime.engine.Ledger().VerifyRecord(*exported)
	} else {
		verification, err = runtime.engine.VerifyRecord(ctx, blockID)
		if err != nil {
			return writeVerifyOutput(jsonOutput, verifyOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
		}
	}
	if !verification.Valid {
		return writeVerifyOutput(jsonOutput, verifyOutput{
			Verification: &verification,
			errorFields:  errorFields{Error: "record failed verification: " + strings.Join(verification.Reasons, "; ")},
		}, exitVerifyFailed)
	}
	return writeVerifyOutput(jsonOutput, verifyOutput{OK: true, Verification: &verification}, exitOK)
}

func readRecordFile(path string) (schema.CertificationRecord, error) {
	if err := validate.ValidateRecordFile(path); err != nil {
		return schema.CertificationRecord{}, err
	}
	// #nosec G304 -- record path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.CertificationRecord{}, fmt.Errorf("read record: %w", err)
	}
	var record schema.CertificationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return schema.CertificationRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

func runChain(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Walk one participant/counterparty chain from genesis and report the first record that breaks sequence, linkage, hash or signature.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"key":    true,
		"config": true,
	})

	flagSet := flag.NewFlagSet("chain", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var chainKey string
	var configPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&chainKey, "key", "", "chain key (participant or participant/counterparty)")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeChainOutput(jsonOutput, chainOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	chainKey = strings.TrimSpace(chainKey)
	if chainKey == "" {
		return writeChainOutput(jsonOutput, chainOutput{errorFields: errorFields{Error: "--key is required"}}, exitInvalidInput)
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeChainOutput(jsonOutput, chainOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	verification, err := runtime.engine.VerifyChain(ctx, chainKey)
	if err != nil {
		return writeChainOutput(jsonOutput, chainOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	if !verification.Valid {
		return writeChainOutput(jsonOutput, chainOutput{
			Verification: &verification,
			errorFields:  errorFields{Error: fmt.Sprintf("chain broken at %v: %s", verification.BrokenAt, verification.Reason())},
		}, exitVerifyFailed)
	}
	return writeChainOutput(jsonOutput, chainOutput{OK: true, Verification: &verification}, exitOK)
}

func runMerkle(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Compute the Merkle root over a set of certification records; the root does not depend on the order the ids are given in.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"blocks": true,
		"config": true,
	})

	flagSet := flag.NewFlagSet("merkle", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var blocksCSV string
	var configPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&blocksCSV, "blocks", "", "comma separated block ids")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeMerkleOutput(jsonOutput, merkleOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	blockIDs := splitCSV(blocksCSV)
	blockIDs = append(blockIDs, flagSet.Args()...)
	if len(blockIDs) == 0 {
		return writeMerkleOutput(jsonOutput, merkleOutput{errorFields: errorFields{Error: "--blocks is required"}}, exitInvalidInput)
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeMerkleOutput(jsonOutput, merkleOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	root, err := runtime.engine.MerkleRoot(ctx, blockIDs)
	if err != nil {
		return writeMerkleOutput(jsonOutput, merkleOutput{BlockIDs: blockIDs, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	return writeMerkleOutput(jsonOutput, merkleOutput{OK: true, Root: root, BlockIDs: blockIDs}, exitOK)
}

func runTamper(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Rebuild a record's payload from the journaled session and validation result and list every field that differs from the stored record.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"record": true,
		"config": true,
	})

	flagSet := flag.NewFlagSet("tamper", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var blockID string
	var configPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&blockID, "record", "", "block id of a stored record")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeTamperOutput(jsonOutput, tamperOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	blockID = strings.TrimSpace(blockID)
	if blockID == "" {
		return writeTamperOutput(jsonOutput, tamperOutput{errorFields: errorFields{Error: "--record is required"}}, exitInvalidInput)
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeTamperOutput(jsonOutput, tamperOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	report, err := runtime.engine.DetectTampering(ctx, blockID)
	if err != nil {
		return writeTamperOutput(jsonOutput, tamperOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	if report.Tampered {
		return writeTamperOutput(jsonOutput, tamperOutput{
			Report:      &report,
			errorFields: errorFields{Error: fmt.Sprintf("record %s was tampered with", blockID)},
		}, exitVerifyFailed)
	}
	return writeTamperOutput(jsonOutput, tamperOutput{OK: true, Report: &report}, exitOK)
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeVerifyOutput(jsonOutput bool, output verifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("verify error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("verify ok: block=%s\n", output.Verification.BlockID)
	return exitCode
}

func writeChainOutput(jsonOutput bool, output chainOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("chain error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("chain ok: key=%s length=%d\n", output.Verification.ChainKey, output.Verification.Length)
	return exitCode
}

func writeMerkleOutput(jsonOutput bool, output merkleOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("merkle error: %s\n", output.Error)
		return exitCode
	}
	fmt.Println(output.Root)
	return exitCode
}

func writeTamperOutput(jsonOutput bool, output tamperOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Report != nil {
		for _, difference := range output.Report.Differences {
			fmt.Printf("  %s: stored=%s fresh=%s\n", difference.Field, difference.Stored, difference.Fresh)
		}
	}
	if !output.OK {
		fmt.Printf("tamper: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("tamper ok: block=%s unchanged\n", output.Report.BlockID)
	return exitCode
}
