// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command logreceiverd is the log receiver's process bootstrap: load
// configuration, construct the external collaborators (log writer, replay
// engine, auth context), start accepting connections, and shut down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"code.hybscloud.com/logreceiver/config"
	"code.hybscloud.com/logreceiver/internal/authsession"
	"code.hybscloud.com/logreceiver/internal/logging"
	"code.hybscloud.com/logreceiver/internal/logwriter"
	"code.hybscloud.com/logreceiver/internal/metrics"
	"code.hybscloud.com/logreceiver/internal/receiver"
	"code.hybscloud.com/logreceiver/internal/replay"
)

func main() {
	configPath := flag.String("config", "logreceiver.yaml", "path to the receiver's YAML configuration file")
	walPath := flag.String("wal", "logreceiver.wal", "path to the log writer's append-only file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables it")
	flag.Parse()

	base := logrus.New()
	log := logging.NewLogrusLogger(base)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}

	ln, err := listen(cfg)
	if err != nil {
		log.Errorf("listen on %s: %v", cfg.ListenOn, err)
		os.Exit(1)
	}
	defer ln.Close()

	writer, err := logwriter.Open(*walPath, log)
	if err != nil {
		log.Errorf("open log writer %s: %v", *walPath, err)
		os.Exit(1)
	}
	defer writer.Close()

	// engine starts empty: bringing its applied sequence forward to match
	// an existing WAL on restart needs a record format that carries
	// start/end sequence numbers, which the simplified FileWriter (see
	// internal/logwriter) does not persist. See DESIGN.md.
	engine := replay.NewMemEngine()

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	r := receiver.New(receiver.Config{
		ServerID:           *cfg.ID,
		MaxConnectionCount: cfg.MaxConnectionCount,
		ReauthTimeout:      cfg.ReAuthTimeoutDuration(),
		Timeout:            cfg.TimeoutDuration(),
		MaxReadAhead:       cfg.MaxReadAhead,
	}, writer, engine, log, collectors)
	defer r.Shutdown()

	authCtx := newConfigAuthContext(cfg.Auth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	acceptDone := make(chan struct{})
	go acceptLoop(ln, r, authCtx, log, acceptDone)

	<-sigCh
	log.Infof("log receiver shutting down")
	_ = ln.Close()
	<-acceptDone
	r.Shutdown()
}

func listen(cfg *config.Config) (net.Listener, error) {
	network := "tcp"
	if cfg.IPV6OnlyFlag {
		network = "tcp6"
	}
	return net.Listen(network, cfg.ListenOn)
}

func acceptLoop(ln net.Listener, r *receiver.Receiver, authCtx authsession.Context, log logging.Logger, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Infof("acceptor stopped: %v", err)
			return
		}
		r.Accept(conn, authCtx)
	}
}

// configAuthContext is a minimal authsession.Context driven by the
// configuration file's auth block. It does not itself implement a
// credential scheme (the auth.* parameters are deployment-specific); it
// authenticates any request that carries a non-empty payload and assigns
// every peer the same fixed principal name, "peer". Required only decides
// whether a fresh connection must authenticate before anything else.
// A real deployment supplies its own Context backed by a credential
// store; this one exists so logreceiverd is runnable out of the box.
type configAuthContext struct {
	required    bool
	updateCount int
	sessionTTL  time.Duration
}

func newConfigAuthContext(a config.Auth) *configAuthContext {
	return &configAuthContext{required: a.Required, sessionTTL: time.Hour}
}

func (c *configAuthContext) IsAuthRequired() bool { return c.required }
func (c *configAuthContext) UpdateCount() int     { return c.updateCount }

func (c *configAuthContext) Authenticate(req authsession.Request) (authsession.Response, error) {
	if len(req.Payload) == 0 {
		return authsession.Response{}, authsession.ErrOutOfOrder
	}
	return authsession.Response{
		Principal: "peer",
		ExpiresAt: time.Now().Add(c.sessionTTL),
	}, nil
}
