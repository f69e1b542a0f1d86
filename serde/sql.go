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
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tgres/sitestat/metric"
	_ "modernc.org/sqlite"
)

const sampleColumns = "id, series_id, label, host, cpu_usage, mem_usage, io_read_rate, io_write_rate, ts_ms"

type sqlSerDe struct {
	dbConn      *sqlx.DB
	driver      string
	prefix      string
	primaryHost string
	hostCache   *lru.Cache
	clock       func() time.Time

	sqlInsert, sqlUpsertHost *sqlx.Stmt
}

type sampleRow struct {
	metric.Sample
	TsMs int64 `db:"ts_ms"`
}

func (r *sampleRow) sample() *metric.Sample {
	s := r.Sample
	s.Timestamp = metric.FromUnixMs(r.TsMs)
	return &s
}

type hostRow struct {
	Name       string `db:"host_name"`
	IP         string `db:"host_ip"`
	IsPrimary  bool   `db:"is_primary"`
	LastSeenMs int64  `db:"last_seen_ms"`
	Status     string `db:"status"`
}

type bucketRow struct {
	HourMs  int64   `db:"hour_ms"`
	AvgCPU  float64 `db:"avg_cpu"`
	AvgMem  float64 `db:"avg_mem"`
	Samples int     `db:"samples"`
}

var sqlOpen = func(driver, dsn string) (*sqlx.DB, error) {
	return sqlx.Open(driver, dsn)
}

// InitDb connects to the database, creates the tables unless they
// exist and prepares the statements. driver is "postgres" or
// "sqlite".
func InitDb(driver, connect_string string, opts Options) (SerDe, error) {
	dbConn, err := sqlOpen(driver, connect_string)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// every connection to :memory: is a database of its own,
		// and sqlite does not do concurrent writers anyway
		dbConn.SetMaxOpenConns(1)
	}
	p := &sqlSerDe{dbConn: dbConn, driver: driver, prefix: opts.Prefix, primaryHost: opts.PrimaryHost, clock: opts.Clock}
	if opts.HostCacheSize > 0 {
		if p.hostCache, err = lru.New(opts.HostCacheSize); err != nil {
			return nil, err
		}
	}
	if err := p.dbConn.Ping(); err != nil {
		return nil, err
	}
	if err := p.createTablesIfNotExist(); err != nil {
		return nil, err
	}
	if err := p.prepareSqlStatements(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *sqlSerDe) now() time.Time {
	if p.clock != nil {
		return p.clock()
	}
	return timeNow()
}

// q expands the table prefix and rebinds the placeholders for the
// driver.
func (p *sqlSerDe) q(query string) string {
	return p.dbConn.Rebind(fmt.Sprintf(query, p.prefix))
}

func (p *sqlSerDe) prepareSqlStatements() error {
	var err error
	if p.sqlInsert, err = p.dbConn.Preparex(p.q("INSERT INTO %[1]ssamples " +
		"(series_id, label, host, cpu_usage, mem_usage, io_read_rate, io_write_rate, ts_ms) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id")); err != nil {
		return err
	}
	if p.sqlUpsertHost, err = p.dbConn.Preparex(p.q("INSERT INTO %[1]shosts " +
		"(host_name, host_ip, is_primary, last_seen_ms, status) VALUES (?, ?, ?, ?, 'online') " +
		"ON CONFLICT (host_name) DO UPDATE SET last_seen_ms = excluded.last_seen_ms, status = 'online'")); err != nil {
		return err
	}
	return nil
}

func (p *sqlSerDe) Insert(ctx context.Context, s *metric.Sample) (int64, error) {
	now := p.now()
	tsMs, err := prepareSample(s, now)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := p.sqlInsert.QueryRowxContext(ctx, s.SeriesID, s.Label, s.Host,
		s.CPUUsage, s.MemUsage, s.IOReadRate, s.IOWriteRate, tsMs).Scan(&id); err != nil {
		log.Printf("Insert(): error inserting sample: %v", err)
		return 0, metric.StorageErr("insert", err)
	}
	s.ID = id

	if s.Host != "" {
		p.upsertHost(ctx, s, metric.UnixMs(now))
	}
	return 1, nil
}

// upsertHost marks the host seen at nowMs, the time of writing. It
// never fails, the sample is stored already.
func (p *sqlSerDe) upsertHost(ctx context.Context, s *metric.Sample, nowMs int64) {
	ip := s.HostIP
	if ip == "" {
		ip = s.Host
	}
	if _, err := p.sqlUpsertHost.ExecContext(ctx, s.Host, ip, s.Host == p.primaryHost, nowMs); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			log.Printf("Insert(): host %q not registered, address %q belongs to another host", s.Host, ip)
		} else {
			log.Printf("Insert(): error registering host %q: %v", s.Host, err)
		}
		return
	}
	if p.hostCache != nil {
		p.hostCache.Remove(s.Host)
	}
}

type sqlSampleIter struct {
	rows *sqlx.Rows
	cur  *metric.Sample
	err  error
}

func (it *sqlSampleIter) Next() bool {
	if it.err != nil || !it.rows.Next() {
		if it.err == nil {
			it.err = it.rows.Err()
		}
		return false
	}
	var r sampleRow
	if err := it.rows.StructScan(&r); err != nil {
		it.err = err
		return false
	}
	it.cur = r.sample()
	return true
}

func (it *sqlSampleIter) Sample() *metric.Sample { return it.cur }
func (it *sqlSampleIter) Err() error            { return it.err }

func (p *sqlSerDe) ScanWindow(ctx context.Context, seriesID string, from time.Time, fn func(int, SampleIter) error) error {
	tx, err := p.dbConn.BeginTxx(ctx, snapshotTxOptions(p.driver))
	if err != nil {
		return metric.StorageErr("scan window", err)
	}
	defer tx.Rollback()

	fromMs := metric.UnixMs(from)
	var count int
	if err := tx.GetContext(ctx, &count,
		p.q("SELECT COUNT(*) FROM %[1]ssamples WHERE series_id = ? AND ts_ms >= ?"), seriesID, fromMs); err != nil {
		return metric.StorageErr("scan window", err)
	}

	rows, err := tx.QueryxContext(ctx,
		p.q("SELECT "+sampleColumns+" FROM %[1]ssamples WHERE series_id = ? AND ts_ms >= ? ORDER BY ts_ms ASC, id ASC"),
		seriesID, fromMs)
	if err != nil {
		return metric.StorageErr("scan window", err)
	}
	defer rows.Close()

	it := &sqlSampleIter{rows: rows}
	if err := fn(count, it); err != nil {
		return metric.StorageErr("scan window", err)
	}
	return metric.StorageErr("scan window", it.Err())
}

func (p *sqlSerDe) selectSamples(ctx context.Context, op, query string, args ...interface{}) ([]*metric.Sample, error) {
	var rows []*sampleRow
	if err := p.dbConn.SelectContext(ctx, &rows, p.q(query), args...); err != nil {
		return nil, metric.StorageErr(op, err)
	}
	result := make([]*metric.Sample, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.sample())
	}
	return result, nil
}

func (p *sqlSerDe) Since(ctx context.Context, seriesID string, after time.Time, limit int) ([]*metric.Sample, error) {
	return p.selectSamples(ctx, "since",
		"SELECT "+sampleColumns+" FROM %[1]ssamples WHERE series_id = ? AND ts_ms > ? ORDER BY ts_ms ASC, id ASC LIMIT ?",
		seriesID, metric.UnixMs(after), limit)
}

func (p *sqlSerDe) Latest(ctx context.Context, seriesID string, limit int) ([]*metric.Sample, error) {
	return p.selectSamples(ctx, "latest",
		"SELECT "+sampleColumns+" FROM %[1]ssamples WHERE series_id = ? ORDER BY ts_ms DESC, id DESC LIMIT ?",
		seriesID, limit)
}

func (p *sqlSerDe) Rollup(ctx context.Context, from time.Time, limit int) ([]*metric.Bucket, error) {
	var rows []*bucketRow
	if err := p.dbConn.SelectContext(ctx, &rows, p.q(
		"SELECT (ts_ms / 3600000) * 3600000 AS hour_ms, AVG(cpu_usage) AS avg_cpu, AVG(mem_usage) AS avg_mem, COUNT(*) AS samples "+
			"FROM %[1]ssamples WHERE ts_ms >= ? GROUP BY (ts_ms / 3600000) * 3600000 ORDER BY hour_ms ASC LIMIT ?"),
		metric.UnixMs(from), limit); err != nil {
		return nil, metric.StorageErr("rollup", err)
	}
	result := make([]*metric.Bucket, 0, len(rows))
	for _, r := range rows {
		result = append(result, &metric.Bucket{
			Hour:    metric.FromUnixMs(r.HourMs),
			AvgCPU:  r.AvgCPU,
			AvgMem:  r.AvgMem,
			Samples: r.Samples,
		})
	}
	return result, nil
}

func (p *sqlSerDe) LatestPerSeries(ctx context.Context, from time.Time) ([]*metric.Sample, error) {
	samples, err := p.selectSamples(ctx, "latest per series",
		"SELECT s.id, s.series_id, s.label, s.host, s.cpu_usage, s.mem_usage, s.io_read_rate, s.io_write_rate, s.ts_ms "+
			"FROM %[1]ssamples s JOIN ("+
			"  SELECT series_id, host, MAX(ts_ms) AS max_ts FROM %[1]ssamples WHERE ts_ms >= ? GROUP BY series_id, host"+
			") m ON s.series_id = m.series_id AND s.host = m.host AND s.ts_ms = m.max_ts "+
			"ORDER BY s.host ASC, s.mem_usage DESC, s.series_id ASC, s.id DESC",
		metric.UnixMs(from))
	if err != nil {
		return nil, err
	}
	return dedupLatest(samples), nil
}

// dedupLatest keeps the first sample of each (host, series) pair,
// two samples of a series can share a timestamp.
func dedupLatest(samples []*metric.Sample) []*metric.Sample {
	type key struct{ host, series string }
	seen := make(map[key]bool, len(samples))
	result := samples[:0]
	for _, s := range samples {
		k := key{s.Host, s.SeriesID}
		if seen[k] {
			continue
		}
		seen[k] = true
		result = append(result, s)
	}
	return result
}

func (p *sqlSerDe) Hosts(ctx context.Context) ([]*metric.Host, error) {
	var rows []*hostRow
	if err := p.dbConn.SelectContext(ctx, &rows, p.q(
		"SELECT host_name, host_ip, is_primary, last_seen_ms, status FROM %[1]shosts ORDER BY is_primary DESC, host_name ASC")); err != nil {
		return nil, metric.StorageErr("hosts", err)
	}
	result := make([]*metric.Host, 0, len(rows))
	for _, r := range rows {
		result = append(result, &metric.Host{
			Name:      r.Name,
			IP:        r.IP,
			IsPrimary: r.IsPrimary,
			LastSeen:  metric.FromUnixMs(r.LastSeenMs),
			Status:    metric.HostStatus(r.Status),
		})
	}
	return result, nil
}

func (p *sqlSerDe) HostIP(ctx context.Context, name string) (string, error) {
	if p.hostCache != nil {
		if ip, ok := p.hostCache.Get(name); ok {
			return ip.(string), nil
		}
	}
	var ip string
	err := p.dbConn.GetContext(ctx, &ip, p.q("SELECT host_ip FROM %[1]shosts WHERE host_name = ?"), name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", metric.StorageErr("host ip", err)
	}
	if p.hostCache != nil {
		p.hostCache.Add(name, ip)
	}
	return ip, nil
}

func (p *sqlSerDe) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := metric.UnixMs(p.now().Add(-age))
	res, err := p.dbConn.ExecContext(ctx, p.q("DELETE FROM %[1]ssamples WHERE ts_ms < ?"), cutoff)
	if err != nil {
		return 0, metric.StorageErr("delete older", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *sqlSerDe) DeleteAll(ctx context.Context) error {
	for _, table := range []string{"samples", "hosts"} {
		if _, err := p.dbConn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", p.prefix, table)); err != nil {
			return metric.StorageErr("delete all", err)
		}
	}
	if p.hostCache != nil {
		p.hostCache.Purge()
	}
	return nil
}

func (p *sqlSerDe) Close() error {
	for _, stmt := range []*sqlx.Stmt{p.sqlInsert, p.sqlUpsertHost} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return p.dbConn.Close()
}
