// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// galleryd serves an in-memory gallery API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"zombiezen.com/go/gallery/galleryserver"
	"zombiezen.com/go/gallery/snowflake"
	"zombiezen.com/go/log"
)

const shutdownTimeout = 10 * time.Second

// Environment variables that provide flag defaults.
const (
	addrEnv      = "GALLERY_ADDR"
	epochEnv     = "GALLERY_SNOWFLAKE_EPOCH"
	machineIDEnv = "GALLERY_MACHINE_ID"
	rateEnv      = "GALLERY_RATE_LIMIT"
	burstEnv     = "GALLERY_RATE_BURST"
)

type config struct {
	addr      string
	epochMS   int64
	machineID uint
	rate      float64
	burst     int
	users     []string
	debug     bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd := newRootCommand(os.Stderr, run)
	err := cmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "galleryd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stderr io.Writer, runFunc func(context.Context, log.Logger, *config) error) *cobra.Command {
	cfg := new(config)
	var envErr error
	envDefault := func(name string, parse func(string) error) {
		v, ok := os.LookupEnv(name)
		if !ok || envErr != nil {
			return
		}
		if err := parse(v); err != nil {
			envErr = fmt.Errorf("%s=%q: %w", name, v, err)
		}
	}
	cfg.addr = getEnv(addrEnv, ":8080")
	cfg.epochMS = galleryserver.DefaultEpoch.UnixMilli()
	envDefault(epochEnv, func(v string) (err error) {
		cfg.epochMS, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	envDefault(machineIDEnv, func(v string) error {
		n, err := strconv.ParseUint(v, 10, 0)
		cfg.machineID = uint(n)
		return err
	})
	envDefault(rateEnv, func(v string) (err error) {
		cfg.rate, err = strconv.ParseFloat(v, 64)
		return err
	})
	cfg.burst = 10
	envDefault(burstEnv, func(v string) (err error) {
		cfg.burst, err = strconv.Atoi(v)
		return err
	})

	cmd := &cobra.Command{
		Use:           "galleryd [flags]",
		Short:         "Serve the gallery API",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("configuration: %w", envErr)
			}
			if _, err := cfg.serverOptions(); err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			return runFunc(cmd.Context(), newLogger(stderr, cfg.debug), cfg)
		},
	}
	cmd.SetErr(stderr)
	flags := cmd.Flags()
	flags.StringVar(&cfg.addr, "addr", cfg.addr, "address to listen on (env "+addrEnv+")")
	flags.Int64Var(&cfg.epochMS, "epoch", cfg.epochMS, "identifier epoch in Unix milliseconds (env "+epochEnv+")")
	flags.UintVar(&cfg.machineID, "machine-id", cfg.machineID,
		fmt.Sprintf("machine ID embedded in identifiers, less than %d (env %s)", snowflake.MaxMachineID, machineIDEnv))
	flags.Float64Var(&cfg.rate, "rate", cfg.rate, "requests per second allowed per API key, 0 for unlimited (env "+rateEnv+")")
	flags.IntVar(&cfg.burst, "burst", cfg.burst, "request burst allowed per API key (env "+burstEnv+")")
	flags.StringSliceVar(&cfg.users, "user", nil, "register a user with the given `handle` at startup (repeatable)")
	flags.BoolVar(&cfg.debug, "debug", false, "log debug messages and HTTP requests")
	return cmd
}

// serverOptions validates cfg and converts it into server options.
func (cfg *config) serverOptions() (*galleryserver.Options, error) {
	if cfg.machineID >= snowflake.MaxMachineID {
		return nil, fmt.Errorf("machine ID %d: %w", cfg.machineID, snowflake.ErrMachineID)
	}
	// IDs can only be generated while now lies in [epoch, epoch+2^41 ms).
	offset := time.Now().UnixMilli() - cfg.epochMS
	if offset < 0 {
		return nil, fmt.Errorf("epoch %d: %w", cfg.epochMS, snowflake.ErrBeforeEpoch)
	}
	if offset >= snowflake.MaxTimestamp {
		return nil, fmt.Errorf("epoch %d: %w", cfg.epochMS, snowflake.ErrTimestampOverflow)
	}
	if cfg.rate < 0 {
		return nil, fmt.Errorf("rate limit %v is negative", cfg.rate)
	}
	return &galleryserver.Options{
		Snowflake: snowflake.Config{
			Epoch:     time.UnixMilli(cfg.epochMS).UTC(),
			MachineID: uint16(cfg.machineID),
		},
		RateLimit: rate.Limit(cfg.rate),
		RateBurst: cfg.burst,
	}, nil
}

func run(ctx context.Context, logger log.Logger, cfg *config) error {
	opts, err := cfg.serverOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger
	srv, err := galleryserver.New(opts)
	if err != nil {
		return err
	}
	for _, handle := range cfg.users {
		apiKey, err := srv.RegisterUser(handle, "")
		if err != nil {
			return err
		}
		log.Logf(ctx, logger, log.Info, "Registered @%s with API key %s", handle, apiKey)
	}

	var handler http.Handler = srv
	if cfg.debug {
		handler = handlers.CombinedLoggingHandler(logWriter{ctx: ctx, logger: logger}, handler)
	}
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{ctx: ctx, logger: logger}))(handler)

	l, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return err
	}
	hsrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	// Shutdown does not wait for hijacked connections.
	hsrv.RegisterOnShutdown(srv.CloseGateways)
	log.Logf(ctx, logger, log.Info, "Listening on %v (machine ID %d, epoch %v)",
		l.Addr(), cfg.machineID, opts.Snowflake.Epoch.Format(time.RFC3339))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := hsrv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		log.Logf(ctx, logger, log.Info, "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hsrv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// newLogger returns a logger that writes one line per entry to w.
// Debug entries are dropped unless debug is true.
func newLogger(w io.Writer, debug bool) log.Logger {
	min := log.Info
	if debug {
		min = log.Debug
	}
	return &log.LevelFilter{
		Min:    min,
		Output: log.New(w, "", log.StdFlags|log.ShowLevel, nil),
	}
}

// logWriter sends each access log line to a logger at debug level.
type logWriter struct {
	ctx    context.Context
	logger log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	log.Logf(w.ctx, w.logger, log.Debug, "%s", p)
	return n, nil
}

type recoveryLogger struct {
	ctx    context.Context
	logger log.Logger
}

func (r recoveryLogger) Println(args ...interface{}) {
	log.Logf(r.ctx, r.logger, log.Error, "Panic serving request: %s", fmt.Sprint(args...))
}
