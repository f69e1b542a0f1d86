//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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

// Package daemon runs the sitestat server: it reads the config,
// opens the store and serves the HTTP API until it is told to stop.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	h "github.com/tgres/sitestat/http"
	"github.com/tgres/sitestat/query"
	"github.com/tgres/sitestat/receiver"
	"github.com/tgres/sitestat/serde"
	"github.com/tgres/sitestat/stats"
)

// Options are what the command line adds to the config.
type Options struct {
	CfgPath        string
	GracefulProtos string // internal, see gracefulRestart
	Purge          bool   // delete all data and exit
}

var gracefulChildPid int

var getCwd = func() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Printf("Unable to determine current directory: %v", err)
		return ""
	}
	return wd
}

var savePid = func(pidPath string) error {
	f, err := os.Create(pidPath)
	if err != nil {
		return fmt.Errorf("Unable to create pid file '%s': (%v)", pidPath, err)
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
	log.Printf("Pid saved in %s.", pidPath)
	return nil
}

var initDb = func(cfg *Config) (serde.SerDe, error) {
	return serde.Open(cfg.DbConnectString, serde.Options{
		Prefix:        cfg.TablePrefix,
		PrimaryHost:   cfg.PrimaryHost,
		HostCacheSize: cfg.HostCacheSize,
	})
}

// Init runs the server. It returns the config when Finish needs to
// be called, nil if it never got that far.
func Init(opts Options) *Config {
	log.Printf("Sitestat starting.")

	cfg, err := readConfig(opts.CfgPath)
	if err != nil {
		log.Printf("Error reading config file %s: %v", opts.CfgPath, err)
		return nil
	}

	if err := processConfig(configer(cfg), getCwd()); err != nil { // This validates the config
		log.Printf("Error in config file %s: %v", opts.CfgPath, err)
		return nil
	}

	if err := savePid(cfg.PidPath); err != nil {
		log.Printf("%v", err)
		return nil
	}

	db, err := initDb(cfg)
	if err != nil {
		log.Printf("Error connecting to the DB: %v", err)
		return cfg
	}
	defer db.Close()
	log.Printf("Initialized DB connection.")

	if opts.Purge {
		if err := purge(db, cfg); err != nil {
			log.Printf("Purge: %v", err)
		}
		return cfg
	}

	rcvr := receiver.New(db, cfg.MaxIngestRate)
	engine := query.NewEngine(db, cfg.LatestLookback.Duration, cfg.RollupCacheTTL.Duration)

	defaultHost, _ := osHostname()
	router := h.NewRouter(rcvr, engine, h.RouterConfig{
		IngestToken: cfg.IngestToken,
		QueryToken:  cfg.QueryToken,
		DefaultHost: defaultHost,
	})

	sweeps, err := startSweeper(db, cfg)
	if err != nil {
		log.Printf("Could not schedule the retention sweep: %v", err)
		return cfg
	}

	sm := newServiceManager(router, cfg)
	if err := sm.run(opts.GracefulProtos); err != nil {
		log.Printf("Could not run the service manager: %v", err)
		stopSweeper(sweeps)
		return cfg
	}

	if opts.GracefulProtos != "" {
		// we have the listeners, the parent can go
		parent := syscall.Getppid()
		log.Printf("Init(): Killing parent pid: %v", parent)
		syscall.Kill(parent, syscall.SIGTERM)
	}

	waitForSignal(sm, opts)

	log.Printf("Gracefully exiting...")
	sm.closeListeners()
	stopSweeper(sweeps)
	return cfg
}

var waitForSignal = func(sm *serviceManager, opts Options) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		s := <-ch
		log.Printf("Got signal: %v", s)
		if s != syscall.SIGHUP {
			return
		}
		if gracefulChildPid == 0 {
			gracefulRestart(sm, opts)
		}
	}
}

func Finish(cfg *Config) {
	log.Println("main: All goroutines finished, exiting.")
	closeLog()
	os.Remove(cfg.PidPath)
}

// gracefulRestart starts a new copy of the process which inherits
// the listeners. The child kills us once it is serving.
func gracefulRestart(sm *serviceManager, opts Options) {
	if !filepath.IsAbs(os.Args[0]) {
		log.Printf("ERROR: Graceful restart only possible when %q started with absolute path, ignoring this request.", os.Args[0])
		return
	}

	files, protos := sm.listenerFilesAndProtocols()
	log.Printf("gracefulRestart(): Beginning graceful restart with sockets: %v and protos: %q", files, protos)

	cmd := exec.Command(os.Args[0], "-c", opts.CfgPath, "-graceful", protos)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files

	if err := cmd.Start(); err != nil {
		log.Printf("gracefulRestart(): Failed to launch, error: %v", err)
		return
	}
	gracefulChildPid = cmd.Process.Pid
	log.Printf("gracefulRestart(): Forked child, waiting to be killed...")
}

// sweeper is the retention job.
type sweeper struct {
	db        serde.Sweeper
	retention time.Duration
}

func (s *sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	start := time.Now()
	n, err := s.db.DeleteOlderThan(ctx, s.retention)
	if err != nil {
		log.Printf("Retention sweep failed: %v", err)
		return
	}
	stats.SweptSamples.Add(float64(n))
	log.Printf("Retention sweep: deleted %d samples older than %v in %v.", n, s.retention, time.Since(start))
}

var startSweeper = func(db serde.Sweeper, cfg *Config) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddJob(cfg.RetentionSchedule, &sweeper{db: db, retention: cfg.Retention.Duration}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func stopSweeper(c *cron.Cron) {
	if c == nil {
		return
	}
	// wait for a running sweep
	<-c.Stop().Done()
}

func purge(db serde.Sweeper, cfg *Config) error {
	if !cfg.AllowPurge {
		return fmt.Errorf("refusing to delete all data, allow-purge is not set")
	}
	log.Printf("Purge: deleting all samples and hosts.")
	return db.DeleteAll(context.Background())
}
