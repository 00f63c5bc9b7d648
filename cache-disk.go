package dnshield

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"howett.net/plist"
)

// CurrentCacheVersion is the disk-tier schema version. A mismatch on open
// clears the disk tier (see ensureVersion).
const CurrentCacheVersion = 1

// diskMetadata is the single atomically-written metadata record that
// accompanies the cache directory.
type diskMetadata struct {
	Version         int
	CreatedAt       time.Time
	LastMaintenance time.Time
	TotalSize       int64
	EntryCount      int
}

// diskEntry is the on-disk, property-list-serialized form of a CacheEntry.
type diskEntry struct {
	SourceID      string
	FetchDate     time.Time
	TTLSeconds    int64
	DataSizeBytes int64
	Name          string
	Version       string
	Updated       time.Time
	Author        string
	SourceURL     string
	Description   string
	License       string
	Rules         []diskRule
}

type diskRule struct {
	Domain        string
	Action        string
	Type          string
	Priority      int32
	Source        string
	CustomMessage string
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	HasExpiresAt  bool
	Comment       string
}

func toDiskEntry(e CacheEntry) diskEntry {
	d := diskEntry{
		SourceID:      e.SourceID,
		FetchDate:     e.FetchDate,
		TTLSeconds:    e.TTLSeconds,
		DataSizeBytes: e.DataSizeBytes,
	}
	if e.RuleSet != nil {
		d.Name = e.RuleSet.Metadata.Name
		d.Version = e.RuleSet.Metadata.Version
		d.Updated = e.RuleSet.Metadata.Updated
		d.Author = e.RuleSet.Metadata.Author
		d.SourceURL = e.RuleSet.Metadata.SourceURL
		d.Description = e.RuleSet.Metadata.Description
		d.License = e.RuleSet.Metadata.License
		for _, r := range e.RuleSet.Rules {
			dr := diskRule{
				Domain: r.Domain, Action: r.Action, Type: r.Type, Priority: r.Priority,
				Source: r.Source, CustomMessage: r.CustomMessage, UpdatedAt: r.UpdatedAt, Comment: r.Comment,
			}
			if r.ExpiresAt != nil {
				dr.ExpiresAt = *r.ExpiresAt
				dr.HasExpiresAt = true
			}
			d.Rules = append(d.Rules, dr)
		}
	}
	return d
}

func fromDiskEntry(d diskEntry) CacheEntry {
	rs := &RuleSet{
		Metadata: RuleSetMetadata{
			Name: d.Name, Version: d.Version, Updated: d.Updated, Author: d.Author,
			SourceURL: d.SourceURL, Description: d.Description, License: d.License,
		},
	}
	for _, dr := range d.Rules {
		r := Rule{
			Domain: dr.Domain, Action: dr.Action, Type: dr.Type, Priority: dr.Priority,
			Source: dr.Source, CustomMessage: dr.CustomMessage, UpdatedAt: dr.UpdatedAt, Comment: dr.Comment,
		}
		if dr.HasExpiresAt {
			t := dr.ExpiresAt
			r.ExpiresAt = &t
		}
		rs.Rules = append(rs.Rules, r)
	}
	return CacheEntry{
		RuleSet: rs, FetchDate: d.FetchDate, TTLSeconds: d.TTLSeconds,
		SourceID: d.SourceID, DataSizeBytes: d.DataSizeBytes,
	}
}

// diskTier is the single-writer on-disk cache directory: one file per
// entry plus one atomically-written metadata record.
type diskTier struct {
	dir    string
	budget int64
}

func newDiskTier(dir string, budgetBytes int64) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &CacheIoError{Op: "mkdir", Err: err}
	}
	d := &diskTier{dir: dir, budget: budgetBytes}
	if err := d.ensureVersion(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *diskTier) metadataPath() string { return filepath.Join(d.dir, "cache_metadata.plist") }

func (d *diskTier) filename(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".cache")
}

func (d *diskTier) readMetadata() (diskMetadata, error) {
	b, err := os.ReadFile(d.metadataPath())
	if os.IsNotExist(err) {
		return diskMetadata{Version: CurrentCacheVersion, CreatedAt: time.Now()}, nil
	}
	if err != nil {
		return diskMetadata{}, &CacheIoError{Op: "read metadata", Err: err}
	}
	var m diskMetadata
	if _, err := plist.Unmarshal(b, &m); err != nil {
		return diskMetadata{}, &CacheIoError{Op: "decode metadata", Err: err}
	}
	return m, nil
}

func (d *diskTier) writeMetadata(m diskMetadata) error {
	b, err := plist.Marshal(m, plist.XMLFormat)
	if err != nil {
		return &CacheIoError{Op: "encode metadata", Err: err}
	}
	tmp := d.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &CacheIoError{Op: "write metadata", Err: err}
	}
	if err := os.Rename(tmp, d.metadataPath()); err != nil {
		return &CacheIoError{Op: "rename metadata", Err: err}
	}
	return nil
}

// ensureVersion clears the disk tier when the on-disk metadata version
// doesn't match CurrentCacheVersion. A richer per-step migration path is
// intentionally left as a seam (see migrationSteps) rather than implemented
// now, matching the scaffold-not-wired-up state of the thing this is
// grounded on.
func (d *diskTier) ensureVersion() error {
	m, err := d.readMetadata()
	if err != nil {
		return err
	}
	if m.Version == CurrentCacheVersion {
		return nil
	}
	if err := d.clear(); err != nil {
		return err
	}
	return d.recomputeMetadata()
}

// migrationSteps is the seam for future version-to-version migrations; a
// present-day version bump with no registered step falls back to clearing
// the tier (ensureVersion).
var migrationSteps = map[[2]int]func(*diskTier) error{}

// migrate runs a backup-then-restore wrapped migration from 'from' to 'to'
// using any registered steps. No steps are registered and nothing in this
// package calls it.
func (d *diskTier) migrate(from, to int) error {
	backup := d.dir + ".backup"
	if err := os.RemoveAll(backup); err != nil {
		return &CacheIoError{Op: "migrate backup cleanup", Err: err}
	}
	if err := copyDir(d.dir, backup); err != nil {
		return &CacheIoError{Op: "migrate backup", Err: err}
	}
	for v := from; v < to; v++ {
		step, ok := migrationSteps[[2]int{v, v + 1}]
		if !ok {
			continue
		}
		if err := step(d); err != nil {
			os.RemoveAll(d.dir)
			os.Rename(backup, d.dir)
			return &CacheIoError{Op: "migrate step", Err: err}
		}
	}
	os.RemoveAll(backup)
	return nil
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return os.MkdirAll(dst, 0o755)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (d *diskTier) clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil && !os.IsNotExist(err) {
		return &CacheIoError{Op: "list", Err: err}
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".cache" {
			os.Remove(filepath.Join(d.dir, e.Name()))
		}
	}
	return d.writeMetadata(diskMetadata{Version: CurrentCacheVersion, CreatedAt: time.Now(), LastMaintenance: time.Now()})
}

func (d *diskTier) get(sourceID string) (CacheEntry, bool, error) {
	path := d.filename(sourceID)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, &CacheIoError{Op: "read entry", Err: err}
	}
	var de diskEntry
	if _, err := plist.Unmarshal(b, &de); err != nil {
		return CacheEntry{}, false, &CacheIoError{Op: "decode entry", Err: err}
	}
	now := time.Now()
	os.Chtimes(path, now, now)
	return fromDiskEntry(de), true, nil
}

// store writes entry to disk, evicting oldest-by-mtime entries until it
// fits within the byte budget.
func (d *diskTier) store(sourceID string, entry CacheEntry) error {
	b, err := plist.Marshal(toDiskEntry(entry), plist.XMLFormat)
	if err != nil {
		return &CacheIoError{Op: "encode entry", Err: err}
	}
	if err := d.makeRoom(int64(len(b))); err != nil {
		return err
	}
	tmp := d.filename(sourceID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &CacheIoError{Op: "write entry", Err: err}
	}
	if err := os.Rename(tmp, d.filename(sourceID)); err != nil {
		return &CacheIoError{Op: "rename entry", Err: err}
	}
	return d.recomputeMetadata()
}

func (d *diskTier) makeRoom(incoming int64) error {
	if d.budget <= 0 {
		return nil
	}
	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil && !os.IsNotExist(err) {
		return &CacheIoError{Op: "list", Err: err}
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".cache" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{filepath.Join(d.dir, e.Name()), info.Size(), info.ModTime()})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for i := 0; total+incoming > d.budget && i < len(files); i++ {
		os.Remove(files[i].path)
		total -= files[i].size
	}
	return nil
}

func (d *diskTier) remove(sourceID string) error {
	if err := os.Remove(d.filename(sourceID)); err != nil && !os.IsNotExist(err) {
		return &CacheIoError{Op: "remove entry", Err: err}
	}
	return d.recomputeMetadata()
}

func (d *diskTier) recomputeMetadata() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil && !os.IsNotExist(err) {
		return &CacheIoError{Op: "list", Err: err}
	}
	var total int64
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".cache" {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}
	existing, _ := d.readMetadata()
	return d.writeMetadata(diskMetadata{
		Version: CurrentCacheVersion, CreatedAt: existing.CreatedAt,
		LastMaintenance: time.Now(), TotalSize: total, EntryCount: count,
	})
}
