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

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
)

const shutdownTimeout = 5 * time.Second

var ErrAlreadyRunning = errors.New("already running")

type ServerParams struct {
	Config   *config.Provider
	Gatherer prometheus.Gatherer
	Events   *EventHub
	Logger   logger.Logger
}

// Server exposes metrics, the telemetry event stream and the active configuration
// over HTTP.
type Server struct {
	params  ServerParams
	handler http.Handler
	running atomic.Bool

	httpServers []*http.Server
}

func NewServer(params ServerParams) *Server {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	s := &Server{
		params: params,
	}

	mux := http.NewServeMux()
	if params.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))
	}
	if params.Events != nil {
		mux.Handle("/events", params.Events)
	}
	mux.HandleFunc("/config", s.configHandler)
	mux.HandleFunc("/healthz", s.healthCheck)

	s.handler = configureMiddlewares(mux,
		cors.New(cors.Options{
			AllowedMethods: []string{"GET"},
		}),
	)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Start listens on every bind address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	conf := s.params.Config.Get()
	addresses := conf.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(conf.Port)))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		srv := &http.Server{Handler: s.handler}
		s.httpServers = append(s.httpServers, srv)

		eg.Go(func() error {
			s.params.Logger.Infow("starting xrstream server", "address", ln.Addr().String())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		if s.params.Events != nil {
			s.params.Events.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range s.httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.params.Logger.Warnw("could not shut down http server", err)
			}
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) configHandler(w http.ResponseWriter, _ *http.Request) {
	out, err := yaml.Marshal(s.params.Config.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Config-Version", fmt.Sprint(s.params.Config.Version()))
	_, _ = w.Write(out)
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	n.Use(negroni.NewRecovery())
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
