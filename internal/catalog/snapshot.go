package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
)

func newHistoryID() string {
	return uuid.NewString()
}

// snapshotDoc is the support-bundle export shape for ExportCompressedSnapshot.
type snapshotDoc struct {
	Drivers     []Driver      `json:"drivers"`
	Channels    []Channel     `json:"channels"`
	ScanHistory []historyItem `json:"scan_history"`
}

type historyItem struct {
	UUID         string `json:"uuid"`
	DriverID     int64  `json:"driver_id"`
	Timestamp    string `json:"ts"`
	ChannelCount int    `json:"channel_count"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// ExportCompressedSnapshot writes a brotli-compressed JSON dump of every
// driver, channel, and scan-history row to path, for support bundles. Uses
// the same temp-file-then-rename strategy as the old JSON catalog's Save, so
// readers never observe a partially-written file.
func (c *Catalog) ExportCompressedSnapshot(ctx context.Context, path string) error {
	doc, err := c.buildSnapshotDoc(ctx)
	if err != nil {
		return fmt.Errorf("catalog: export snapshot: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: export snapshot marshal: %w", err)
	}

	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".catalog-snapshot-*.br.tmp")
	if err != nil {
		return fmt.Errorf("catalog: export snapshot create temp: %w", err)
	}
	tmpName := tmp.Name()

	bw := brotli.NewWriterLevel(tmp, brotli.DefaultCompression)
	_, writeErr := bw.Write(data)
	flushErr := bw.Close()
	closeErr := tmp.Close()
	if writeErr != nil || flushErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog: export snapshot write: %w", writeErr)
		}
		if flushErr != nil {
			return fmt.Errorf("catalog: export snapshot flush: %w", flushErr)
		}
		return fmt.Errorf("catalog: export snapshot close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: export snapshot chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: export snapshot rename: %w", err)
	}
	return nil
}

func (c *Catalog) buildSnapshotDoc(ctx context.Context) (snapshotDoc, error) {
	var doc snapshotDoc

	drows, err := c.db.QueryContext(ctx, driverSelectCols+` ORDER BY id`)
	if err != nil {
		return doc, fmt.Errorf("query drivers: %w", err)
	}
	drivers, err := scanDrivers(drows)
	drows.Close()
	if err != nil {
		return doc, err
	}
	doc.Drivers = drivers

	crows, err := c.db.QueryContext(ctx, channelSelectCols+driverJoinCols+` ORDER BY c.id`)
	if err != nil {
		return doc, fmt.Errorf("query channels: %w", err)
	}
	candidates, err := scanCandidates(crows)
	crows.Close()
	if err != nil {
		return doc, err
	}
	doc.Channels = make([]Channel, len(candidates))
	for i, cc := range candidates {
		doc.Channels[i] = cc.Channel
	}

	hrows, err := c.db.QueryContext(ctx,
		`SELECT uuid, bon_driver_id, ts, channel_count, success, error FROM scan_history ORDER BY id`)
	if err != nil {
		return doc, fmt.Errorf("query scan_history: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var item historyItem
		var success int
		var errMsg sql.NullString
		if err := hrows.Scan(&item.UUID, &item.DriverID, &item.Timestamp, &item.ChannelCount, &success, &errMsg); err != nil {
			return doc, fmt.Errorf("scan scan_history row: %w", err)
		}
		item.Success = success != 0
		item.Error = errMsg.String
		doc.ScanHistory = append(doc.ScanHistory, item)
	}
	if err := hrows.Err(); err != nil {
		return doc, fmt.Errorf("iterate scan_history: %w", err)
	}
	return doc, nil
}
