// Package catalog is the persistent, relational store of drivers, channels,
// and scan history (spec §3, §4.1).
//
// Storage is a single SQLite file opened through database/sql, the same
// combination the teacher uses to talk to Plex's own library database
// (internal/plex/lineup.go, internal/plex/dvr.go) — reused here as the
// catalog's primary store rather than an external DB's side-channel.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bonproxy/tunerproxy/internal/dvbnid"
)

// FailureThreshold is the default failure_count at which a channel is
// soft-disabled (spec §4.1).
const FailureThreshold = 5

// Driver is one registered tuner driver (spec §3 "Driver record").
type Driver struct {
	ID             int64
	Path           string
	Name           string
	Group          string
	MaxInstances   int
	ScanEnabled    bool
	ScanIntervalH  int // hours
	ScanPriority   int
	PassiveEnabled bool
	LastScan       *time.Time
	NextScanAt     *time.Time
}

// Channel is one broadcast service as known to the catalog (spec §3 "Channel record").
type Channel struct {
	ID                int64
	DriverID          int64
	NID               uint16
	SID               uint16
	TSID              uint16
	ManualSheet       *uint16
	RawName           string
	NormalizedName    string
	PhysicalChannel   int
	RemoteControlKey  int
	ServiceType       string
	NetworkName       string
	BandType          dvbnid.BandType
	TerrestrialRegion string
	BonSpace          int
	BonChannel        int
	Priority          int
	IsEnabled         bool
	FailureCount      int
	LastSeen          time.Time
}

// ChannelInfo is an observed service, as produced by a scan or the passive
// analyzer (spec §4.3's ChannelInfo / §4.1's merge_scan input).
type ChannelInfo struct {
	NID              uint16
	SID              uint16
	TSID             uint16
	RawName          string
	PhysicalChannel  int
	RemoteControlKey int
	ServiceType      string
	NetworkName      string
	BonSpace         int
	BonChannel       int
}

// ChannelCandidate pairs a channel with its owning driver, as returned by
// GetChannelCandidates for the Logical Selector (spec §4.7).
type ChannelCandidate struct {
	Channel Channel
	Driver  Driver
}

// MergeResult summarizes a merge_scan outcome (spec §4.1).
type MergeResult struct {
	Inserted int
	Updated  int
	Disabled int
}

// Catalog is the persistent store.
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS bon_drivers (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	path              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL DEFAULT '',
	group_name        TEXT NOT NULL DEFAULT '',
	max_instances     INTEGER NOT NULL DEFAULT 1,
	scan_enabled      INTEGER NOT NULL DEFAULT 0,
	scan_interval_h   INTEGER NOT NULL DEFAULT 0,
	scan_priority     INTEGER NOT NULL DEFAULT 0,
	passive_enabled   INTEGER NOT NULL DEFAULT 1,
	last_scan         TEXT,
	next_scan_at      TEXT
);

CREATE TABLE IF NOT EXISTS channels (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	bon_driver_id       INTEGER NOT NULL REFERENCES bon_drivers(id),
	nid                 INTEGER NOT NULL,
	sid                 INTEGER NOT NULL,
	tsid                INTEGER NOT NULL,
	manual_sheet        INTEGER,
	raw_name            TEXT NOT NULL DEFAULT '',
	normalized_name     TEXT NOT NULL DEFAULT '',
	physical_channel    INTEGER NOT NULL DEFAULT 0,
	remote_control_key  INTEGER NOT NULL DEFAULT 0,
	service_type        TEXT NOT NULL DEFAULT '',
	network_name        TEXT NOT NULL DEFAULT '',
	band_type           TEXT NOT NULL DEFAULT '',
	terrestrial_region  TEXT NOT NULL DEFAULT '',
	bon_space           INTEGER NOT NULL DEFAULT 0,
	bon_channel         INTEGER NOT NULL DEFAULT 0,
	priority            INTEGER NOT NULL DEFAULT 0,
	is_enabled          INTEGER NOT NULL DEFAULT 1,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	last_seen           TEXT,
	UNIQUE(bon_driver_id, nid, sid, tsid, manual_sheet)
);

CREATE TABLE IF NOT EXISTS scan_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid            TEXT NOT NULL,
	bon_driver_id   INTEGER NOT NULL REFERENCES bon_drivers(id),
	ts              TEXT NOT NULL,
	channel_count   INTEGER NOT NULL,
	success         INTEGER NOT NULL,
	error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_channels_driver ON channels(bon_driver_id);
CREATE INDEX IF NOT EXISTS idx_channels_triplet ON channels(nid, sid, tsid);
CREATE INDEX IF NOT EXISTS idx_channels_enabled ON channels(is_enabled);
CREATE INDEX IF NOT EXISTS idx_channels_select ON channels(nid, tsid, priority DESC, is_enabled);
CREATE INDEX IF NOT EXISTS idx_drivers_group ON bon_drivers(group_name);
CREATE INDEX IF NOT EXISTS idx_channels_band ON channels(band_type);
`

// Open opens (creating if absent) the SQLite catalog at path and applies the
// schema. A short busy_timeout keeps the catalog usable from the scheduler,
// the session handlers, and the passive scanner without each caller needing
// its own retry loop.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite: one connection avoids SQLITE_BUSY between our own serialized writers
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: foreign_keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// UpsertDriver returns the driver id for path, creating a row on first sight.
// Idempotent on path (spec §4.1, §8 idempotence).
func (c *Catalog) UpsertDriver(ctx context.Context, path string) (int64, error) {
	if id, ok, err := c.driverIDForPath(ctx, path); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO bon_drivers (path, max_instances, passive_enabled) VALUES (?, 1, 1)
		 ON CONFLICT(path) DO NOTHING`, path)
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert driver %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("catalog: upsert driver %s: %w", path, err)
		}
		return id, nil
	}
	// Lost a race with another inserter; read back.
	id, ok, err := c.driverIDForPath(ctx, path)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("catalog: upsert driver %s: not found after insert race", path)
	}
	return id, nil
}

func (c *Catalog) driverIDForPath(ctx context.Context, path string) (int64, bool, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `SELECT id FROM bon_drivers WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("catalog: lookup driver %s: %w", path, err)
	}
	return id, true, nil
}

// GetGroupDrivers returns all drivers sharing group (empty slice if none).
func (c *Catalog) GetGroupDrivers(ctx context.Context, group string) ([]Driver, error) {
	rows, err := c.db.QueryContext(ctx, driverSelectCols+` WHERE group_name = ? ORDER BY id`, group)
	if err != nil {
		return nil, fmt.Errorf("catalog: group drivers %s: %w", group, err)
	}
	defer rows.Close()
	return scanDrivers(rows)
}

// GetDueDrivers returns drivers whose next scheduled active scan is due,
// ordered by scan_priority desc (spec §4.1, §4.9).
func (c *Catalog) GetDueDrivers(ctx context.Context, now time.Time) ([]Driver, error) {
	rows, err := c.db.QueryContext(ctx,
		driverSelectCols+` WHERE scan_enabled = 1 AND scan_interval_h > 0
		 AND next_scan_at IS NOT NULL AND next_scan_at <= ?
		 ORDER BY scan_priority DESC, id`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("catalog: due drivers: %w", err)
	}
	defer rows.Close()
	return scanDrivers(rows)
}

const driverSelectCols = `SELECT id, path, name, group_name, max_instances, scan_enabled, scan_interval_h,
	scan_priority, passive_enabled, last_scan, next_scan_at FROM bon_drivers`

func scanDrivers(rows *sql.Rows) ([]Driver, error) {
	var out []Driver
	for rows.Next() {
		var d Driver
		var scanEnabled, passiveEnabled int
		var lastScan, nextScan sql.NullString
		if err := rows.Scan(&d.ID, &d.Path, &d.Name, &d.Group, &d.MaxInstances, &scanEnabled,
			&d.ScanIntervalH, &d.ScanPriority, &passiveEnabled, &lastScan, &nextScan); err != nil {
			return nil, fmt.Errorf("catalog: scan driver row: %w", err)
		}
		d.ScanEnabled = scanEnabled != 0
		d.PassiveEnabled = passiveEnabled != 0
		if lastScan.Valid {
			if t, err := time.Parse(time.RFC3339, lastScan.String); err == nil {
				d.LastScan = &t
			}
		}
		if nextScan.Valid {
			if t, err := time.Parse(time.RFC3339, nextScan.String); err == nil {
				d.NextScanAt = &t
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate drivers: %w", err)
	}
	return out, nil
}

// SetScanPolicy updates a driver's scheduling parameters (admin edit path).
func (c *Catalog) SetScanPolicy(ctx context.Context, driverID int64, enabled bool, intervalHours, priority int, passive bool) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE bon_drivers SET scan_enabled=?, scan_interval_h=?, scan_priority=?, passive_enabled=? WHERE id=?`,
		boolToInt(enabled), intervalHours, priority, boolToInt(passive), driverID)
	if err != nil {
		return fmt.Errorf("catalog: set scan policy driver=%d: %w", driverID, err)
	}
	return nil
}

// ListChannels returns enabled channels whose normalized name contains
// filter (case-insensitive), or every enabled channel when filter is empty.
// Used to answer get_channel_list (spec §6).
func (c *Catalog) ListChannels(ctx context.Context, filter string) ([]ChannelCandidate, error) {
	q := channelSelectCols + driverJoinCols + ` WHERE c.is_enabled = 1`
	var args []interface{}
	if filter != "" {
		q += ` AND c.normalized_name LIKE ?`
		args = append(args, "%"+strings.ToLower(filter)+"%")
	}
	q += ` ORDER BY c.nid, c.tsid, c.sid`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list channels filter=%q: %w", filter, err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// GetChannelCandidates returns enabled channels matching (nid, tsid[, sid]),
// sorted channel.priority desc, driver.scan_priority desc (spec §4.1).
func (c *Catalog) GetChannelCandidates(ctx context.Context, nid, tsid uint16, sid *uint16) ([]ChannelCandidate, error) {
	q := channelSelectCols + driverJoinCols + ` WHERE c.nid = ? AND c.tsid = ? AND c.is_enabled = 1`
	args := []interface{}{nid, tsid}
	if sid != nil {
		q += ` AND c.sid = ?`
		args = append(args, *sid)
	}
	q += ` ORDER BY c.priority DESC, d.scan_priority DESC, c.id`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: channel candidates nid=%d tsid=%d: %w", nid, tsid, err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

const channelSelectCols = `SELECT c.id, c.bon_driver_id, c.nid, c.sid, c.tsid, c.manual_sheet, c.raw_name,
	c.normalized_name, c.physical_channel, c.remote_control_key, c.service_type, c.network_name,
	c.band_type, c.terrestrial_region, c.bon_space, c.bon_channel, c.priority, c.is_enabled,
	c.failure_count, c.last_seen,
	d.id, d.path, d.name, d.group_name, d.max_instances, d.scan_enabled, d.scan_interval_h,
	d.scan_priority, d.passive_enabled, d.last_scan, d.next_scan_at`

const driverJoinCols = ` FROM channels c JOIN bon_drivers d ON d.id = c.bon_driver_id`

func scanCandidates(rows *sql.Rows) ([]ChannelCandidate, error) {
	var out []ChannelCandidate
	for rows.Next() {
		var cc ChannelCandidate
		var manualSheet sql.NullInt64
		var isEnabled, scanEnabled, passiveEnabled int
		var lastSeen, lastScan, nextScan sql.NullString
		var bandType string
		if err := rows.Scan(
			&cc.Channel.ID, &cc.Channel.DriverID, &cc.Channel.NID, &cc.Channel.SID, &cc.Channel.TSID,
			&manualSheet, &cc.Channel.RawName, &cc.Channel.NormalizedName, &cc.Channel.PhysicalChannel,
			&cc.Channel.RemoteControlKey, &cc.Channel.ServiceType, &cc.Channel.NetworkName, &bandType,
			&cc.Channel.TerrestrialRegion, &cc.Channel.BonSpace, &cc.Channel.BonChannel, &cc.Channel.Priority,
			&isEnabled, &cc.Channel.FailureCount, &lastSeen,
			&cc.Driver.ID, &cc.Driver.Path, &cc.Driver.Name, &cc.Driver.Group, &cc.Driver.MaxInstances,
			&scanEnabled, &cc.Driver.ScanIntervalH, &cc.Driver.ScanPriority, &passiveEnabled, &lastScan, &nextScan,
		); err != nil {
			return nil, fmt.Errorf("catalog: scan candidate row: %w", err)
		}
		cc.Channel.BandType = dvbnid.BandType(bandType)
		cc.Channel.IsEnabled = isEnabled != 0
		cc.Driver.ScanEnabled = scanEnabled != 0
		cc.Driver.PassiveEnabled = passiveEnabled != 0
		if manualSheet.Valid {
			v := uint16(manualSheet.Int64)
			cc.Channel.ManualSheet = &v
		}
		if lastSeen.Valid {
			if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
				cc.Channel.LastSeen = t
			}
		}
		if lastScan.Valid {
			if t, err := time.Parse(time.RFC3339, lastScan.String); err == nil {
				cc.Driver.LastScan = &t
			}
		}
		if nextScan.Valid {
			if t, err := time.Parse(time.RFC3339, nextScan.String); err == nil {
				cc.Driver.NextScanAt = &t
			}
		}
		out = append(out, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate candidates: %w", err)
	}
	return out, nil
}

// MergeScan applies an active scan's results transactionally (spec §4.1):
// observed services are upserted, and previously-enabled automatic channels
// (manual_sheet IS NULL) absent from this scan are soft-disabled.
func (c *Catalog) MergeScan(ctx context.Context, driverID int64, observed []ChannelInfo) (MergeResult, error) {
	var res MergeResult
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("catalog: merge_scan begin: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[channelKey]struct{}, len(observed))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, info := range observed {
		seen[channelKey{info.NID, info.SID, info.TSID}] = struct{}{}
		updated, err := upsertObservedTx(ctx, tx, driverID, info, now)
		if err != nil {
			return res, err
		}
		if updated {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, nid, sid, tsid FROM channels WHERE bon_driver_id = ? AND is_enabled = 1 AND manual_sheet IS NULL`, driverID)
	if err != nil {
		return res, fmt.Errorf("catalog: merge_scan enumerate existing: %w", err)
	}
	var toDisable []int64
	for rows.Next() {
		var id int64
		var nid, sid, tsid uint16
		if err := rows.Scan(&id, &nid, &sid, &tsid); err != nil {
			rows.Close()
			return res, fmt.Errorf("catalog: merge_scan scan existing: %w", err)
		}
		if _, ok := seen[channelKey{nid, sid, tsid}]; !ok {
			toDisable = append(toDisable, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, fmt.Errorf("catalog: merge_scan iterate existing: %w", err)
	}
	rows.Close()

	for _, id := range toDisable {
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET is_enabled = 0 WHERE id = ?`, id); err != nil {
			return res, fmt.Errorf("catalog: merge_scan disable channel=%d: %w", id, err)
		}
		res.Disabled++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("catalog: merge_scan commit: %w", err)
	}
	return res, nil
}

type channelKey struct {
	nid, sid, tsid uint16
}

func upsertObservedTx(ctx context.Context, tx *sql.Tx, driverID int64, info ChannelInfo, now string) (updated bool, err error) {
	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM channels WHERE bon_driver_id = ? AND nid = ? AND sid = ? AND tsid = ? AND manual_sheet IS NULL`,
		driverID, info.NID, info.SID, info.TSID).Scan(&id)
	band := dvbnid.Band(info.NID)
	region, _ := dvbnid.Region(info.NID)
	if err == sql.ErrNoRows {
		_, insErr := tx.ExecContext(ctx,
			`INSERT INTO channels (bon_driver_id, nid, sid, tsid, raw_name, normalized_name,
			 physical_channel, remote_control_key, service_type, network_name, band_type,
			 terrestrial_region, bon_space, bon_channel, priority, is_enabled, failure_count, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, 0, ?)`,
			driverID, info.NID, info.SID, info.TSID, info.RawName, normalizeName(info.RawName),
			info.PhysicalChannel, info.RemoteControlKey, info.ServiceType, info.NetworkName,
			string(band), region, info.BonSpace, info.BonChannel, now)
		if insErr != nil {
			return false, fmt.Errorf("catalog: merge_scan insert nid=%d sid=%d tsid=%d: %w", info.NID, info.SID, info.TSID, insErr)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: merge_scan lookup nid=%d sid=%d tsid=%d: %w", info.NID, info.SID, info.TSID, err)
	}
	_, updErr := tx.ExecContext(ctx,
		`UPDATE channels SET raw_name=?, normalized_name=?, physical_channel=?, remote_control_key=?,
		 service_type=?, network_name=?, band_type=?, terrestrial_region=?, bon_space=?, bon_channel=?,
		 is_enabled=1, failure_count=0, last_seen=? WHERE id=?`,
		info.RawName, normalizeName(info.RawName), info.PhysicalChannel, info.RemoteControlKey,
		info.ServiceType, info.NetworkName, string(band), region, info.BonSpace, info.BonChannel, now, id)
	if updErr != nil {
		return false, fmt.Errorf("catalog: merge_scan update channel=%d: %w", id, updErr)
	}
	return true, nil
}

// PassiveUpdate applies passively-observed services (spec §4.1): touches
// last_seen and resets failure_count always; writes the full row only when
// raw_name or service_type changed; inserts newly-seen services.
func (c *Catalog) PassiveUpdate(ctx context.Context, driverID int64, observed []ChannelInfo) (int, error) {
	touched := 0
	now := time.Now().UTC().Format(time.RFC3339)
	for _, info := range observed {
		var id int64
		var rawName, serviceType string
		err := c.db.QueryRowContext(ctx,
			`SELECT id, raw_name, service_type FROM channels
			 WHERE bon_driver_id = ? AND nid = ? AND sid = ? AND tsid = ? AND manual_sheet IS NULL`,
			driverID, info.NID, info.SID, info.TSID).Scan(&id, &rawName, &serviceType)
		if err == sql.ErrNoRows {
			band := dvbnid.Band(info.NID)
			region, _ := dvbnid.Region(info.NID)
			_, insErr := c.db.ExecContext(ctx,
				`INSERT INTO channels (bon_driver_id, nid, sid, tsid, raw_name, normalized_name,
				 physical_channel, remote_control_key, service_type, network_name, band_type,
				 terrestrial_region, bon_space, bon_channel, priority, is_enabled, failure_count, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, 0, ?)`,
				driverID, info.NID, info.SID, info.TSID, info.RawName, normalizeName(info.RawName),
				info.PhysicalChannel, info.RemoteControlKey, info.ServiceType, info.NetworkName,
				string(band), region, info.BonSpace, info.BonChannel, now)
			if insErr != nil {
				return touched, fmt.Errorf("catalog: passive_update insert nid=%d sid=%d tsid=%d: %w", info.NID, info.SID, info.TSID, insErr)
			}
			touched++
			continue
		}
		if err != nil {
			return touched, fmt.Errorf("catalog: passive_update lookup nid=%d sid=%d tsid=%d: %w", info.NID, info.SID, info.TSID, err)
		}
		if rawName != info.RawName || serviceType != info.ServiceType {
			if _, err := c.db.ExecContext(ctx,
				`UPDATE channels SET raw_name=?, normalized_name=?, service_type=?, last_seen=?, failure_count=0 WHERE id=?`,
				info.RawName, normalizeName(info.RawName), info.ServiceType, now, id); err != nil {
				return touched, fmt.Errorf("catalog: passive_update full update channel=%d: %w", id, err)
			}
		} else {
			if _, err := c.db.ExecContext(ctx,
				`UPDATE channels SET last_seen=?, failure_count=0 WHERE id=?`, now, id); err != nil {
				return touched, fmt.Errorf("catalog: passive_update touch channel=%d: %w", id, err)
			}
		}
		touched++
	}
	return touched, nil
}

// IncrementFailure increments a channel's failure_count, disabling it at
// FailureThreshold, and returns the new count (spec §4.1, §4.7).
func (c *Catalog) IncrementFailure(ctx context.Context, channelID int64) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: increment_failure begin channel=%d: %w", channelID, err)
	}
	defer tx.Rollback()
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT failure_count FROM channels WHERE id = ?`, channelID).Scan(&count); err != nil {
		return 0, fmt.Errorf("catalog: increment_failure lookup channel=%d: %w", channelID, err)
	}
	count++
	disable := count >= FailureThreshold
	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET failure_count = ?, is_enabled = CASE WHEN ? THEN 0 ELSE is_enabled END WHERE id = ?`,
		count, disable, channelID); err != nil {
		return 0, fmt.Errorf("catalog: increment_failure update channel=%d: %w", channelID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: increment_failure commit channel=%d: %w", channelID, err)
	}
	return count, nil
}

// ResetFailure clears a channel's failure_count (spec §4.1, §4.7).
func (c *Catalog) ResetFailure(ctx context.Context, channelID int64) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE channels SET failure_count = 0 WHERE id = ?`, channelID); err != nil {
		return fmt.Errorf("catalog: reset_failure channel=%d: %w", channelID, err)
	}
	return nil
}

// RecordScanHistory appends a scan-history entry (spec §3) and advances the
// driver's next_scan_at by its scan interval.
func (c *Catalog) RecordScanHistory(ctx context.Context, driverID int64, channelCount int, scanErr error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: record_scan_history begin driver=%d: %w", driverID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var errMsg sql.NullString
	success := 1
	if scanErr != nil {
		success = 0
		errMsg = sql.NullString{String: scanErr.Error(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_history (uuid, bon_driver_id, ts, channel_count, success, error) VALUES (?, ?, ?, ?, ?, ?)`,
		newHistoryID(), driverID, now.Format(time.RFC3339), channelCount, success, errMsg); err != nil {
		return fmt.Errorf("catalog: record_scan_history insert driver=%d: %w", driverID, err)
	}

	var intervalH int
	if err := tx.QueryRowContext(ctx, `SELECT scan_interval_h FROM bon_drivers WHERE id = ?`, driverID).Scan(&intervalH); err != nil {
		return fmt.Errorf("catalog: record_scan_history read interval driver=%d: %w", driverID, err)
	}
	next := now
	if intervalH > 0 {
		next = now.Add(time.Duration(intervalH) * time.Hour)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bon_drivers SET last_scan = ?, next_scan_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), next.Format(time.RFC3339), driverID); err != nil {
		return fmt.Errorf("catalog: record_scan_history update driver=%d: %w", driverID, err)
	}
	return tx.Commit()
}

func normalizeName(raw string) string {
	return strings.Join(strings.Fields(strings.ToUpper(raw)), " ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
