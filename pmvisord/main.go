// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command pmvisord supervises the applications of an ecosystem file, and
// serves the control API used by the pmvisor command.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pmvisor/pmvisor"
	"github.com/pmvisor/pmvisor/config"
	"github.com/pmvisor/pmvisor/rest"
)

var addr string = "127.0.0.1:8321"
var conf string = "ecosystem.config.yaml"
var name string = "pmvisord"
var enable bool = true
var logFile string
var auth string
var maxConns int = 64
var grace time.Duration = 30 * time.Second

func main() {
	flag.StringVar(&addr, "a", addr, "listen address")
	flag.StringVar(&conf, "c", conf, "ecosystem file (yaml, json or toml)")
	flag.StringVar(&name, "n", name, "pmvisor name")
	flag.BoolVar(&enable, "e", enable, "start all applications")
	flag.StringVar(&logFile, "l", logFile, "log file, rotated (default stderr only)")
	flag.StringVar(&auth, "u", auth, "require basic auth as user:bcrypt-hash")
	flag.IntVar(&maxConns, "maxconns", maxConns, "maximum concurrent API connections")
	flag.DurationVar(&grace, "shutdown", grace, "time allowed for children to exit")
	flag.Parse()

	m := pmvisor.NewManager(name)
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
		defer lj.Close()
		m.AddLogWriter(lj)
		log.SetOutput(io.MultiWriter(os.Stderr, lj))
	}
	logger := m.Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.SetMetrics(pmvisor.NewMetrics(reg))

	f, e := config.Load(conf)
	if e != nil {
		log.Fatalf("Failed to load %s: %v", conf, e)
	}
	entries, errs := f.Entries()
	for _, e := range errs {
		logger.Printf("Not starting: %v", e)
	}
	for _, ent := range entries {
		if e := m.AddService(pmvisor.NewService(ent.Spec, ent.Policy)); e != nil {
			logger.Printf("Failed to add %s: %v", ent.Spec.Name, e)
		}
	}
	if enable {
		m.StartAll()
	}

	h := rest.NewHandler(m)
	h.SetGatherer(reg)
	if auth != "" {
		user, hash, ok := strings.Cut(auth, ":")
		if !ok {
			log.Fatalf("Bad -u value, expected user:hash")
		}
		if e := h.AddUser(user, []byte(hash)); e != nil {
			log.Fatalf("Bad password hash for %s: %v", user, e)
		}
	}

	l, e := net.Listen("tcp", addr)
	if e != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, e)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	srv := &http.Server{Handler: h}
	go func() {
		if e := srv.Serve(l); e != nil && !errors.Is(e, http.ErrServerClosed) {
			logger.Printf("API server failed: %v", e)
		}
	}()
	logger.Printf("Serving %d applications on %s", len(entries), addr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Wait for a termination signal, and shutdown cleanly if we get it.
	sig := <-sigs
	logger.Printf("Got %v", sig)

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	// Long polls would hold up the server shutdown.
	srv.Close()
	if e := m.Shutdown(ctx); e != nil {
		logger.Printf("Shutdown incomplete: %v", e)
		os.Exit(1)
	}
}
