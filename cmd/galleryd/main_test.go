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

package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"zombiezen.com/go/gallery/galleryserver"
	"zombiezen.com/go/gallery/snowflake"
	"zombiezen.com/go/log"
	"zombiezen.com/go/log/testlog"
)

var configEnvs = []string{addrEnv, epochEnv, machineIDEnv, rateEnv, burstEnv}

// execute runs the root command with args
// and returns the configuration passed to the run function.
func execute(tb testing.TB, args ...string) (*config, string, error) {
	tb.Helper()
	stderr := new(bytes.Buffer)
	var got *config
	cmd := newRootCommand(stderr, func(ctx context.Context, logger log.Logger, cfg *config) error {
		got = cfg
		return nil
	})
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(testlog.WithTB(context.Background(), tb))
	return got, stderr.String(), err
}

// unsetenv removes an environment variable for the duration of the test.
func unsetenv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	if err := os.Unsetenv(name); err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	for _, name := range configEnvs {
		unsetenv(t, name)
	}
	cfg, _, err := execute(t)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.addr)
	assert.Equal(t, int64(1577836800000), cfg.epochMS)
	assert.Equal(t, uint(0), cfg.machineID)
	assert.Equal(t, 0.0, cfg.rate)
	assert.False(t, cfg.debug)

	opts, err := cfg.serverOptions()
	require.NoError(t, err)
	assert.True(t, opts.Snowflake.Epoch.Equal(galleryserver.DefaultEpoch))
	assert.Equal(t, rate.Limit(0), opts.RateLimit)
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv(addrEnv, "127.0.0.1:9999")
	t.Setenv(epochEnv, "1288834974657")
	t.Setenv(machineIDEnv, "1023")
	t.Setenv(rateEnv, "2.5")
	t.Setenv(burstEnv, "3")

	cfg, _, err := execute(t)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.addr)
	opts, err := cfg.serverOptions()
	require.NoError(t, err)
	assert.True(t, opts.Snowflake.Epoch.Equal(time.UnixMilli(1288834974657)))
	assert.Equal(t, uint16(1023), opts.Snowflake.MachineID)
	assert.Equal(t, rate.Limit(2.5), opts.RateLimit)
	assert.Equal(t, 3, opts.RateBurst)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv(machineIDEnv, "7")
	cfg, _, err := execute(t, "--machine-id=12", "--addr=:0", "--epoch=0", "--user=alice", "--user=bob", "--debug")
	require.NoError(t, err)
	assert.Equal(t, uint(12), cfg.machineID)
	assert.Equal(t, ":0", cfg.addr)
	assert.Equal(t, int64(0), cfg.epochMS)
	assert.Equal(t, []string{"alice", "bob"}, cfg.users)
	assert.True(t, cfg.debug)
}

func TestInvalidConfiguration(t *testing.T) {
	nowMS := time.Now().UnixMilli()
	futureEpoch := strconv.FormatInt(nowMS+time.Hour.Milliseconds(), 10)
	staleEpoch := strconv.FormatInt(nowMS-snowflake.MaxTimestamp-time.Hour.Milliseconds(), 10)
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want error
	}{
		{name: "UnparsableEpoch", env: map[string]string{epochEnv: "yesterday"}},
		{name: "UnparsableMachineID", env: map[string]string{machineIDEnv: "-1"}},
		{name: "UnparsableRate", env: map[string]string{rateEnv: "fast"}},
		{name: "EpochFlag", args: []string{"--epoch=yesterday"}},
		{name: "PositionalArgs", args: []string{"extra"}},
		{
			name: "MachineIDOutOfRange",
			args: []string{"--machine-id=1024"},
			want: snowflake.ErrMachineID,
		},
		{
			name: "FutureEpoch",
			env:  map[string]string{epochEnv: futureEpoch},
			want: snowflake.ErrBeforeEpoch,
		},
		{
			name: "FutureEpochFlag",
			args: []string{"--epoch=" + futureEpoch},
			want: snowflake.ErrBeforeEpoch,
		},
		{
			name: "EpochTooFarPast",
			args: []string{"--epoch=" + staleEpoch},
			want: snowflake.ErrTimestampOverflow,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			cfg, _, err := execute(t, test.args...)
			if err == nil {
				t.Fatal("execute did not return an error")
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Errorf("execute error = %v; want %v", err, test.want)
			}
			if cfg != nil {
				t.Error("run function called despite invalid configuration")
			}
		})
	}
}

func TestServerOptionsRejectsMachineID(t *testing.T) {
	cfg := &config{machineID: snowflake.MaxMachineID, epochMS: 0}
	_, err := cfg.serverOptions()
	if !errors.Is(err, snowflake.ErrMachineID) {
		t.Errorf("serverOptions() error = %v; want %v", err, snowflake.ErrMachineID)
	}
}

func TestRunRejectsMachineID(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	err := run(ctx, testlog.Logger{}, &config{addr: "127.0.0.1:0", machineID: 5000})
	if !errors.Is(err, snowflake.ErrMachineID) {
		t.Errorf("run(...) error = %v; want %v", err, snowflake.ErrMachineID)
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(testlog.WithTB(context.Background(), t))
	defer cancel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testlog.Logger{}, &config{
			addr:    addr,
			epochMS: galleryserver.DefaultEpoch.UnixMilli(),
			burst:   1,
		})
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + addr + "/api/snowflakes/0")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := newLogger(buf, false)
	ctx := context.Background()
	log.Logf(ctx, logger, log.Debug, "hidden")
	log.Logf(ctx, logger, log.Warn, "shown %d", 42)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown 42\n")

	buf.Reset()
	log.Logf(ctx, newLogger(buf, true), log.Debug, "visible")
	assert.Contains(t, buf.String(), "visible")
}
