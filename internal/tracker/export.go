package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Export schema versioning for forward-compatibility.
const exportVersion = 1

type exportFile struct {
	Version int            `json:"version"`
	Created int64          `json:"created_unix"`
	Mode    Mode           `json:"mode"`
	Records []exportRecord `json:"records"`
}

type exportRecord struct {
	Proto     string    `json:"proto"`
	Local     string    `json:"local"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	Inode     uint64    `json:"inode,omitempty"`
	UID       uint32    `json:"uid"`
	TxQueue   uint64    `json:"tx_queue"`
	RxQueue   uint64    `json:"rx_queue"`
	PID       int       `json:"pid,omitempty"`
	Exe       string    `json:"exe,omitempty"`
	Cmdline   []string  `json:"cmdline,omitempty"`
	User      string    `json:"user,omitempty"`
	Marker    string    `json:"marker"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Export writes every record to path as JSON. The file is replaced atomically.
func (e *Engine) Export(path string) error {
	mode := e.Mode()
	recs := e.List(Filter{})

	f := exportFile{
		Version: exportVersion,
		Created: e.opts.Now().Unix(),
		Mode:    mode,
		Records: make([]exportRecord, 0, len(recs)),
	}
	for _, r := range recs {
		f.Records = append(f.Records, exportRecord{
			Proto:     string(r.Key.Proto),
			Local:     r.Key.Local.String(),
			Remote:    r.Key.Remote.String(),
			State:     r.State,
			Inode:     r.Inode,
			UID:       r.UID,
			TxQueue:   r.TxQueue,
			RxQueue:   r.RxQueue,
			PID:       r.PID,
			Exe:       r.Exe,
			Cmdline:   r.Cmdline,
			User:      r.User,
			Marker:    r.Marker.String(),
			FirstSeen: r.FirstSeen,
			LastSeen:  r.LastSeen,
		})
	}

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode export")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "create export directory")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write export")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "replace export")
	}
	return nil
}
