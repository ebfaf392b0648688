package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"peerxfer/storage"
)

func printHistory(w io.Writer, store *storage.Store, limit int) error {
	rows, err := store.ListTransfers(storage.TransferFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("list transfers: %w", err)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No transfers recorded.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Direction", "Peer", "File", "Size", "Progress", "Status", "Updated", "Error"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)

	for _, row := range rows {
		table.Append(historyRow(row))
	}
	table.Render()
	return nil
}

func historyRow(row storage.Transfer) []string {
	return []string{
		shortID(row.TransferID),
		row.Direction,
		row.PeerDeviceID,
		filepath.Base(row.LocalPath),
		humanize.Bytes(uint64(max(row.TotalSize, 0))),
		progressText(row.BytesTransferred, row.TotalSize),
		row.Status,
		humanize.Time(time.UnixMilli(row.UpdatedAt)),
		row.Error,
	}
}

func progressText(done, total int64) string {
	if total <= 0 {
		return "-"
	}
	return strconv.FormatFloat(float64(done)*100/float64(total), 'f', 1, 64) + "%"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
