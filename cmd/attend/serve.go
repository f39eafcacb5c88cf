package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davidahmann/attend/core/api"
)

const shutdownTimeout = 10 * time.Second

func runServe(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Serve event ingestion, finalization and record, chain and Merkle verification over HTTP, with Prometheus metrics on /metrics.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"config": true,
		"listen": true,
	})

	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var configPath string
	var listen string
	var helpFlag bool

	flagSet.StringVar(&configPath, "config", "", "project config path")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		fmt.Printf("serve error: %s\n", err)
		return exitInvalidInput
	}
	if helpFlag {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		fmt.Println("serve error: unexpected positional arguments")
		return exitInvalidInput
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := openRuntime(ctx, configPath)
	if err != nil {
		fmt.Printf("serve error: %s\n", err)
		return exitCodeForError(err, exitInvalidInput)
	}
	defer func() { _ = runtime.Close() }()
	for _, warning := range runtime.warns {
		runtime.logger.Warn().Msg(warning)
	}

	if strings.TrimSpace(listen) == "" {
		listen = runtime.config.Server.Listen
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Printf("serve error: %s\n", err)
		return exitInternalFailure
	}
	if err := serve(ctx, runtime, listener); err != nil {
		runtime.logger.Error().Err(err).Msg("server stopped")
		return exitInternalFailure
	}
	return exitOK
}

// serve runs the HTTP server on listener until ctx is cancelled, then drains
// in-flight requests.
func serve(ctx context.Context, runtime *engineRuntime, listener net.Listener) error {
	handler, err := api.NewHandler(api.Config{
		Engine:             runtime.engine,
		RateLimitPerMinute: runtime.config.Server.RateLimitPerMinute,
		MaxRequestBytes:    runtime.config.Server.MaxRequestBytes,
	})
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		runtime.logger.Info().Str("addr", listener.Addr().String()).Msg("serving attendance api")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
