package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/davidahmann/attend/core/attendance"
	coreerrors "github.com/davidahmann/attend/core/errors"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/core/schema/validate"
	"github.com/davidahmann/attend/core/timeline"
)

type ingestOutput struct {
	OK         bool                 `json:"ok"`
	Events     int                  `json:"events"`
	Accepted   int                  `json:"accepted"`
	Duplicates int                  `json:"duplicates"`
	Orphaned   int                  `json:"orphaned"`
	Sessions   []string             `json:"sessions,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	Outcomes   []attendance.Outcome `json:"outcomes,omitempty"`
	errorFields
}

func runIngest(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Validate a JSONL file of activity events against the event schema, merge them into sessions, and optionally finalize and certify every touched session.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"events": true,
		"config": true,
	})

	flagSet := flag.NewFlagSet("ingest", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var eventsPath string
	var configPath string
	var finalize bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&eventsPath, "events", "", "path to events JSONL, or - for stdin")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&finalize, "finalize", false, "finalize and certify touched sessions after ingest")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	if strings.TrimSpace(eventsPath) == "" {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: errorFields{Error: "--events is required"}}, exitInvalidInput)
	}

	payload, err := readEventsInput(eventsPath)
	if err != nil {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if err := validate.ValidateEventsJSONL(payload); err != nil {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	events, err := decodeEvents(payload)
	if err != nil {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeIngestOutput(jsonOutput, ingestOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	output, err := ingestEvents(ctx, runtime.engine, events, finalize)
	output.Warnings = append(runtime.warns, output.Warnings...)
	if err != nil {
		output.errorFields = fieldsForError(err)
		return writeIngestOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
	}
	output.OK = true
	return writeIngestOutput(jsonOutput, output, exitOK)
}

func ingestEvents(ctx context.Context, engine *attendance.Engine, events []schema.ActivityEvent, finalize bool) (ingestOutput, error) {
	output := ingestOutput{Events: len(events)}
	touched := map[string]struct{}{}
	finalized := map[string]struct{}{}
	for _, event := range events {
		result, err := engine.Ingest(ctx, event)
		if err != nil {
			return output, err
		}
		switch {
		case result.Duplicate:
			output.Duplicates++
		case result.Orphaned:
			output.Orphaned++
		default:
			output.Accepted++
		}
		output.Warnings = append(output.Warnings, result.Warnings...)
		if result.Session != nil {
			touched[result.Session.SessionID] = struct{}{}
		}
		if result.Finalized != nil {
			finalized[result.Finalized.Session.SessionID] = struct{}{}
			output.Outcomes = append(output.Outcomes, *result.Finalized)
		}
	}
	for sessionID := range touched {
		output.Sessions = append(output.Sessions, sessionID)
	}
	slices.Sort(output.Sessions)
	if !finalize {
		return output, nil
	}
	for _, sessionID := range output.Sessions {
		if _, done := finalized[sessionID]; done {
			continue
		}
		outcome, err := engine.Finalize(ctx, sessionID, timeline.FinalizeOptions{})
		if err != nil {
			return output, err
		}
		output.Outcomes = append(output.Outcomes, outcome)
	}
	return output, nil
}

func readEventsInput(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read events from stdin: %w", err)
		}
		return payload, nil
	}
	// #nosec G304 -- events path is explicit local user input.
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return payload, nil
}

func decodeEvents(payload []byte) ([]schema.ActivityEvent, error) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var events []schema.ActivityEvent
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var event schema.ActivityEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, coreerrors.Invalid(fmt.Errorf("events line %d: %w", line, err), coreerrors.CodeMalformedEvent)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func writeIngestOutput(jsonOutput bool, output ingestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("ingest error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("ingest ok: events=%d accepted=%d duplicates=%d orphaned=%d sessions=%d\n",
		output.Events, output.Accepted, output.Duplicates, output.Orphaned, len(output.Sessions))
	for _, outcome := range output.Outcomes {
		printOutcome(outcome)
	}
	for _, warning := range output.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return exitCode
}

func printOutcome(outcome attendance.Outcome) {
	blockID := "-"
	if outcome.Record != nil {
		blockID = outcome.Record.BlockID
	}
	fmt.Printf("session %s: status=%s total=%d active=%d idle=%d block=%s\n",
		outcome.Session.SessionID, outcome.Result.Status,
		outcome.Session.TotalMinutes, outcome.Session.ActiveMinutes, outcome.Session.IdleMinutes, blockID)
	for _, violation := range outcome.Result.Violations {
		fmt.Printf("  %s %s: %s\n", violation.Severity, violation.Type, violation.Message)
	}
}
