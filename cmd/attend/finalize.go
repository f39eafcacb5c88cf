package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/davidahmann/attend/core/attendance"
	"github.com/davidahmann/attend/core/timeline"
)

type finalizeOutput struct {
	OK       bool                `json:"ok"`
	Outcome  *attendance.Outcome `json:"outcome,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
	errorFields
}

func runFinalize(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Finalize a journaled session, validate it against the configured policy, and certify the result. Finalizing twice returns the existing outcome.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"session":           true,
		"ended-at":          true,
		"scheduled-start":   true,
		"scheduled-minutes": true,
		"config":            true,
	})

	flagSet := flag.NewFlagSet("finalize", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var sessionID string
	var endedAt string
	var scheduledStart string
	var scheduledMinutes int
	var configPath string
	var revalidate bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&sessionID, "session", "", "session id")
	flagSet.StringVar(&endedAt, "ended-at", "", "meeting end time (RFC3339) used when no LEFT was seen")
	flagSet.StringVar(&scheduledStart, "scheduled-start", "", "scheduled start (RFC3339)")
	flagSet.IntVar(&scheduledMinutes, "scheduled-minutes", 0, "scheduled duration in minutes")
	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.BoolVar(&revalidate, "revalidate", false, "re-run validation on an already finalized session")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: errorFields{Error: "--session is required"}}, exitInvalidInput)
	}
	options := timeline.FinalizeOptions{ScheduledDurationMinutes: scheduledMinutes}
	var err error
	if options.EndedAt, err = parseOptionalTime("ended-at", endedAt); err != nil {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if options.ScheduledStart, err = parseOptionalTime("scheduled-start", scheduledStart); err != nil {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}

	ctx := context.Background()
	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{errorFields: fieldsForError(err)}, exitCodeForError(err, exitInvalidInput))
	}
	defer func() { _ = runtime.Close() }()

	var outcome attendance.Outcome
	if revalidate {
		outcome, err = runtime.engine.Revalidate(ctx, sessionID)
	} else {
		outcome, err = runtime.engine.Finalize(ctx, sessionID, options)
	}
	if err != nil {
		return writeFinalizeOutput(jsonOutput, finalizeOutput{Warnings: runtime.warns, errorFields: fieldsForError(err)}, exitCodeForError(err, exitInternalFailure))
	}
	return writeFinalizeOutput(jsonOutput, finalizeOutput{OK: true, Outcome: &outcome, Warnings: runtime.warns}, exitOK)
}

func parseOptionalTime(name, value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return parsed.UTC(), nil
}

func writeFinalizeOutput(jsonOutput bool, output finalizeOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("finalize error: %s\n", output.Error)
		return exitCode
	}
	printOutcome(*output.Outcome)
	for _, warning := range output.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return exitCode
}
