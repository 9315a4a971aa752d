// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/service"
	"github.com/livekit/xrstream/pkg/simulator"
	"github.com/livekit/xrstream/pkg/telemetry"
	telemetryprom "github.com/livekit/xrstream/pkg/telemetry/prometheus"
	"github.com/livekit/xrstream/version"
)

const reloadDebounce = 500 * time.Millisecond

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to xrstream config file, reloaded on SIGHUP",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "xrstream config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"XRSTREAM_CONFIG"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and enables the simulated stream",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	return &cli.App{
		Name:        "xrstream",
		Usage:       "adaptive bitrate telemetry for VR streaming",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "simulate",
				Usage:  "streams over a simulated link in virtual time and prints how the bitrate adapted",
				Action: simulate,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "frames",
						Usage: "number of frames to stream",
						Value: 720,
					},
					&cli.Uint64Flag{
						Name:  "seed",
						Usage: "seed of the simulated packet loss",
						Value: 1,
					},
				},
			},
			{
				Name:   "print-config",
				Usage:  "prints the effective configuration",
				Action: printConfig,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	if conf.Development {
		conf.Simulator.Enabled = true
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{
				"127.0.0.1",
				"[::1]",
			}
		}
		logger.Infow("starting in development mode")
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	provider := config.NewProvider(conf)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := service.NewEventHub(logger.GetLogger())
	sink, closeSink, err := newTelemetrySink(conf, registry, events)
	if err != nil {
		return err
	}
	defer closeSink()

	sendSessionEvent(conf, sink)
	provider.OnUpdate("session", func(conf *config.Config) {
		sendSessionEvent(conf, sink)
	})

	server := service.NewServer(service.ServerParams{
		Config:   provider,
		Gatherer: registry,
		Events:   events,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Start(ctx)
	})
	eg.Go(func() error {
		watchReload(ctx, c, provider)
		return nil
	})
	if conf.Simulator.Enabled {
		eg.Go(func() error {
			return runSimulation(ctx, provider, sink)
		})
	}

	err = eg.Wait()
	logger.Infow("exit requested, shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newTelemetrySink wires every configured consumer behind a single queue.
func newTelemetrySink(conf *config.Config, registerer prometheus.Registerer, events *service.EventHub) (telemetry.Sink, func(), error) {
	var closers []io.Closer

	sinks := telemetry.FanoutSink{events}
	if conf.Telemetry.Prometheus {
		promSink, err := telemetryprom.NewSink(registerer, nil)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, promSink)
	}
	if conf.Telemetry.LogEvents {
		sinks = append(sinks, telemetry.LogSink{Logger: logger.GetLogger()})
	}
	if conf.Telemetry.EventLogFile != "" {
		f, err := os.OpenFile(conf.Telemetry.EventLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "could not open event log")
		}
		jsonSink := telemetry.NewJSONLinesSink(f, logger.GetLogger())
		sinks = append(sinks, jsonSink)
		closers = append(closers, jsonSink)
	}

	queued := telemetry.NewQueuedSink(telemetry.QueuedSinkParams{
		Next:      sinks,
		QueueSize: conf.Telemetry.EventQueueSize,
		Logger:    logger.GetLogger(),
	})
	return queued, func() {
		queued.Stop()
		for _, c := range closers {
			_ = c.Close()
		}
	}, nil
}

func sendSessionEvent(conf *config.Config, sink telemetry.Sink) {
	settings, err := conf.ToMap()
	if err != nil {
		logger.Warnw("could not encode settings", err)
		return
	}
	sink.SendEvent(telemetry.NewEvent(time.Now(), &telemetry.SessionEvent{Settings: settings}))
}

// watchReload reloads the config file on SIGHUP. Bursts of signals cause a single reload.
func watchReload(ctx context.Context, c *cli.Context, provider *config.Provider) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	debounced := debounce.New(reloadDebounce)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			debounced(func() {
				conf, err := getConfig(c)
				if err != nil {
					logger.Warnw("could not reload config", err)
					return
				}
				if _, err := provider.Update(conf); err != nil {
					logger.Warnw("rejected config", err)
					return
				}
				logger.Infow("config reloaded", "version", provider.Version())
			})
		}
	}
}

// runSimulation streams over the simulated link paced to wall clock time.
func runSimulation(ctx context.Context, provider *config.Provider, sink telemetry.Sink) error {
	sim, err := simulator.New(simulator.Params{
		Config: provider,
		Seed:   uint64(time.Now().UnixNano()),
		Sink:   sink,
	})
	if err != nil {
		return err
	}
	sim.Start()
	defer sim.Stop()

	logger.Infow("simulated stream started", "frameInterval", sim.FrameInterval())

	ticker := time.NewTicker(sim.FrameInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infow("simulated stream stopped", "result", sim.Result())
			return nil
		case <-ticker.C:
			if err := sim.RunFrames(ctx, 1); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
