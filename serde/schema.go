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

package serde

import (
	"database/sql"
	"fmt"
	"log"
)

// Timestamps are stored as BIGINT milliseconds since the epoch so
// that the same queries work on both databases.

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS %[1]ssamples (
       id BIGSERIAL NOT NULL PRIMARY KEY,
       series_id TEXT NOT NULL,
       label TEXT NOT NULL,
       host TEXT NOT NULL DEFAULT '',
       cpu_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
       mem_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
       io_read_rate BIGINT NOT NULL DEFAULT 0,
       io_write_rate BIGINT NOT NULL DEFAULT 0,
       ts_ms BIGINT NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_series_ts_idx ON %[1]ssamples (series_id, ts_ms)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_host_idx ON %[1]ssamples (host)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_ts_idx ON %[1]ssamples (ts_ms)`,
	`CREATE TABLE IF NOT EXISTS %[1]shosts (
       id BIGSERIAL NOT NULL PRIMARY KEY,
       host_name TEXT NOT NULL UNIQUE,
       host_ip TEXT NOT NULL UNIQUE,
       is_primary BOOLEAN NOT NULL DEFAULT FALSE,
       last_seen_ms BIGINT NOT NULL,
       status TEXT NOT NULL DEFAULT 'online')`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS %[1]ssamples (
       id INTEGER PRIMARY KEY AUTOINCREMENT,
       series_id TEXT NOT NULL,
       label TEXT NOT NULL,
       host TEXT NOT NULL DEFAULT '',
       cpu_usage REAL NOT NULL DEFAULT 0,
       mem_usage REAL NOT NULL DEFAULT 0,
       io_read_rate INTEGER NOT NULL DEFAULT 0,
       io_write_rate INTEGER NOT NULL DEFAULT 0,
       ts_ms INTEGER NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_series_ts_idx ON %[1]ssamples (series_id, ts_ms)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_host_idx ON %[1]ssamples (host)`,
	`CREATE INDEX IF NOT EXISTS %[1]ssamples_ts_idx ON %[1]ssamples (ts_ms)`,
	`CREATE TABLE IF NOT EXISTS %[1]shosts (
       id INTEGER PRIMARY KEY AUTOINCREMENT,
       host_name TEXT NOT NULL UNIQUE,
       host_ip TEXT NOT NULL UNIQUE,
       is_primary INTEGER NOT NULL DEFAULT 0,
       last_seen_ms INTEGER NOT NULL,
       status TEXT NOT NULL DEFAULT 'online')`,
}

func schemaFor(driver string) []string {
	if driver == "sqlite" {
		return sqliteSchema
	}
	return pgSchema
}

// snapshotTxOptions is what a window scan runs under. SQLite
// transactions are serializable already, and it does not accept an
// isolation level other than the default.
func snapshotTxOptions(driver string) *sql.TxOptions {
	if driver == "sqlite" {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (p *sqlSerDe) createTablesIfNotExist() error {
	for _, stmt := range schemaFor(p.driver) {
		if _, err := p.dbConn.Exec(fmt.Sprintf(stmt, p.prefix)); err != nil {
			log.Printf("ERROR: initial CREATE failed: %v", err)
			return err
		}
	}
	return nil
}
