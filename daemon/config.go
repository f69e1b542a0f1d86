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

package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/tgres/sitestat/misc"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultHostCacheSize = 1024
)

type Config struct { // Needs to be exported for TOML to work
	PidPath           string   `toml:"pid-file"`
	LogPath           string   `toml:"log-file"`
	LogCycle          duration `toml:"log-cycle-interval"`
	DbConnectString   string   `toml:"db-connect-string"`
	TablePrefix       string   `toml:"table-prefix"`
	HttpListenSpec    string   `toml:"http-listen-spec"`
	IngestToken       string   `toml:"ingest-token"`
	QueryToken        string   `toml:"query-token"`
	PrimaryHost       string   `toml:"primary-host"`
	Retention         duration `toml:"retention"`
	RetentionSchedule string   `toml:"retention-schedule"`
	LatestLookback    duration `toml:"latest-lookback"`
	RollupCacheTTL    duration `toml:"rollup-cache-ttl"`
	HostCacheSize     int      `toml:"host-cache-size"`
	MaxIngestRate     float64  `toml:"max-ingest-rate"`
	AllowPurge        bool     `toml:"allow-purge"`
}

// duration also understands days, weeks, months and years
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = misc.BetterParseDuration(string(text))
	return err
}

var readConfig = func(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(cfgPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var osHostname = func() (string, error) {
	return os.Hostname()
}

func fromEnv(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func (c *Config) processConfigPidFile(wd string) error {
	if c.PidPath == "" {
		return fmt.Errorf("pid-file setting empty")
	}
	if !filepath.IsAbs(c.PidPath) {
		if wd == "" {
			return fmt.Errorf("pid-file must be absolute path if working directory cannot be determined")
		}
		c.PidPath = filepath.Join(wd, c.PidPath)
	}
	pidDir, _ := filepath.Split(c.PidPath)
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("Unable to create directory: '%s' (%v).", pidDir, err)
	}
	return nil
}

func (c *Config) processConfigLogFile(wd string) error {
	fromEnv("SITESTAT_LOG", &c.LogPath)
	if c.LogPath == "" {
		return fmt.Errorf("log-file setting empty")
	}
	if !filepath.IsAbs(c.LogPath) {
		if wd == "" {
			return fmt.Errorf("log-file must be absolute path if working directory cannot be determined")
		}
		c.LogPath = filepath.Join(wd, c.LogPath)
	}
	logDir, _ := filepath.Split(c.LogPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("Unable to create directory: '%s' (%v).", logDir, err)
	}

	log.Printf("Logs will be written to '%s'.", c.LogPath)
	return nil
}

func (c *Config) processConfigLogCycleInterval() error {
	if c.LogCycle.Duration == 0 {
		return fmt.Errorf("log-cycle-interval setting empty")
	}
	log.Printf("Will cycle logs every %v (log-cycle-interval).", c.LogCycle.Duration)

	logDir, _ := filepath.Split(c.LogPath)
	log.Printf("All further status messages will be written to log file(s) in '%s'.", logDir)
	logFileCycler(c.LogPath, c.LogCycle.Duration)
	log.Print("Server starting.")

	return nil
}

func (c *Config) processDbConnectString() error {
	fromEnv("SITESTAT_DB_CONNECT", &c.DbConnectString)
	if c.DbConnectString == "" {
		return fmt.Errorf("db-connect-string empty")
	}
	return nil
}

func (c *Config) processHttpListenSpec() error {
	if c.HttpListenSpec == "" {
		log.Printf("http-listen-spec is empty, nothing will be served.")
	}
	return nil
}

func (c *Config) processTokens() error {
	fromEnv("SITESTAT_INGEST_TOKEN", &c.IngestToken)
	fromEnv("SITESTAT_QUERY_TOKEN", &c.QueryToken)
	if c.IngestToken == "" {
		log.Printf("WARNING: ingest-token is empty, all collect requests will be refused.")
	}
	if c.QueryToken == "" {
		log.Printf("WARNING: query-token is empty, all query requests will be refused.")
	}
	if c.IngestToken != "" && c.IngestToken == c.QueryToken {
		return fmt.Errorf("ingest-token and query-token must differ")
	}
	return nil
}

func (c *Config) processPrimaryHost() error {
	if c.PrimaryHost == "" {
		h, err := osHostname()
		if err != nil {
			return fmt.Errorf("primary-host empty and hostname unknown: %v", err)
		}
		c.PrimaryHost = h
	}
	log.Printf("Primary host is %q (primary-host).", c.PrimaryHost)
	return nil
}

func (c *Config) processRetention() error {
	if c.Retention.Duration < 0 {
		return fmt.Errorf("retention must not be negative: %v", c.Retention.Duration)
	}
	if c.Retention.Duration == 0 {
		c.Retention.Duration = defaultRetention
		log.Printf("retention unspecified, defaults to %v", c.Retention.Duration)
	} else {
		log.Printf("Samples are kept for %v (retention).", c.Retention.Duration)
	}
	return nil
}

func (c *Config) processRetentionSchedule() error {
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "@daily"
	}
	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid retention-schedule %q: %v", c.RetentionSchedule, err)
	}
	log.Printf("Retention sweep schedule: %q (retention-schedule).", c.RetentionSchedule)
	return nil
}

// Must come after processRetention.
func (c *Config) processLatestLookback() error {
	if c.LatestLookback.Duration <= 0 {
		c.LatestLookback.Duration = c.Retention.Duration
	}
	return nil
}

func (c *Config) processRollupCacheTTL() error {
	if c.RollupCacheTTL.Duration <= 0 {
		log.Printf("Rollups are not cached (rollup-cache-ttl).")
		c.RollupCacheTTL.Duration = 0
	} else {
		log.Printf("Rollups are cached for %v (rollup-cache-ttl).", c.RollupCacheTTL.Duration)
	}
	return nil
}

func (c *Config) processHostCacheSize() error {
	if c.HostCacheSize == 0 {
		c.HostCacheSize = defaultHostCacheSize
	} else if c.HostCacheSize < 0 {
		log.Printf("Host address cache disabled (host-cache-size).")
		c.HostCacheSize = 0
	}
	return nil
}

func (c *Config) processMaxIngestRate() error {
	if c.MaxIngestRate < 0 {
		return fmt.Errorf("max-ingest-rate must not be negative: %v", c.MaxIngestRate)
	}
	if c.MaxIngestRate == 0 {
		log.Printf("max-ingest-rate unspecified, defaults to 0 (unlimited)")
	} else {
		log.Printf("Ingestion is limited to %v samples per second (max-ingest-rate).", c.MaxIngestRate)
	}
	return nil
}

type configer interface {
	processConfigPidFile(string) error
	processConfigLogFile(string) error
	processConfigLogCycleInterval() error
	processDbConnectString() error
	processHttpListenSpec() error
	processTokens() error
	processPrimaryHost() error
	processRetention() error
	processRetentionSchedule() error
	processLatestLookback() error
	processRollupCacheTTL() error
	processHostCacheSize() error
	processMaxIngestRate() error
}

var processConfig = func(c configer, wd string) error {
	if err := c.processConfigPidFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogCycleInterval(); err != nil {
		return err
	}
	for _, process := range []func() error{
		c.processDbConnectString,
		c.processHttpListenSpec,
		c.processTokens,
		c.processPrimaryHost,
		c.processRetention,
		c.processRetentionSchedule,
		c.processLatestLookback,
		c.processRollupCacheTTL,
		c.processHostCacheSize,
		c.processMaxIngestRate,
	} {
		if err := process(); err != nil {
			return err
		}
	}
	return nil
}
