// Package deferdel models the deferred deletion engine's durable work item,
// its lifecycle groups, and the adaptive timing that paces retries.
package deferdel

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// Group names the four lifecycle states a DeletionInfo can occupy.
type Group string

const (
	GroupToStop   Group = "TO_STOP"
	GroupStopping Group = "STOPPING"
	GroupToDelete Group = "TO_DELETE"
	GroupDeleting Group = "DELETING"
)

// Groups lists all four groups in processing order.
var Groups = []Group{GroupToStop, GroupStopping, GroupToDelete, GroupDeleting}

// DeletionInfo is the durable unit of work for one pending stop-or-delete
// operation against one VM on one service.
type DeletionInfo struct {
	VMID          string    `json:"vmid"`
	ServiceUUID   string    `json:"service_uuid"`
	Created       time.Time `json:"created"`
	NextCheck     time.Time `json:"next_check"`
	FatalRetries  int       `json:"fatal_retries"`
	TotalRetries  int       `json:"total_retries"`
	Retries       int       `json:"retries"`
}

// Key returns the storage key for this item within a group.
func (d *DeletionInfo) Key() string {
	return Key(d.ServiceUUID, d.VMID)
}

// Key builds the storage key for a (service_uuid, vmid) pair.
func Key(serviceUUID, vmid string) string {
	return fmt.Sprintf("%s_%s", serviceUUID, vmid)
}

// NewDeletionInfo creates a fresh record with created/next_check set to now
// and all counters zeroed.
func NewDeletionInfo(serviceUUID, vmid string, now time.Time) *DeletionInfo {
	return &DeletionInfo{
		VMID:        vmid,
		ServiceUUID: serviceUUID,
		Created:     now,
		NextCheck:   now,
	}
}

// ReportHeader is the exact column order the CSV report writes.
var ReportHeader = []string{
	"vmid", "created", "next_check", "service_uuid", "fatal_retries", "total_retries", "retries",
}

// WriteReport renders groups (in the given name-to-items order) as CSV,
// matching the original worker's report format: one header line, then per
// group a block of rows followed by a blank separator line.
func WriteReport(out io.Writer, groups []Group, items map[Group][]*DeletionInfo) error {
	w := csv.NewWriter(out)
	if err := w.Write(ReportHeader); err != nil {
		return err
	}
	for _, g := range groups {
		for _, item := range items[g] {
			row := []string{
				item.VMID,
				item.Created.UTC().Format(time.RFC3339),
				item.NextCheck.UTC().Format(time.RFC3339),
				item.ServiceUUID,
				fmt.Sprintf("%d", item.FatalRetries),
				fmt.Sprintf("%d", item.TotalRetries),
				fmt.Sprintf("%d", item.Retries),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		if _, err := io.WriteString(out, "\n"); err != nil {
			return err
		}
	}
	return nil
}
