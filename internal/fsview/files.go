// Package fsview maps the flat file listing of a table to its logical
// multi-version state: file groups, file slices, and the point-in-time
// queries the rest of the engine is built on. Visibility is derived
// strictly from COMPLETED instants on the timeline.
package fsview

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/arkilian/tidelake/pkg/types"
)

// BaseFile is a full snapshot of a file group written at one instant.
type BaseFile struct {
	Path        string
	Partition   string
	FileID      string
	WriteToken  string
	InstantTime string
	Size        int64
}

// LogFile is an append-only delta merged on read into its slice's base.
type LogFile struct {
	Path        string
	Partition   string
	FileID      string
	InstantTime string
	Version     int
	Size        int64
}

// FileSlice is one versioned snapshot of a file group: an optional base
// file plus the log files written on top of it, ordered by instant time.
type FileSlice struct {
	Partition string
	FileID    string
	// BaseInstantTime is the instant that opened this slice: the base
	// file's instant, or the first log file's instant for a log-only slice.
	BaseInstantTime string
	BaseFile        *BaseFile
	LogFiles        []LogFile
}

// HasBaseFile reports whether the slice carries a base file.
func (s FileSlice) HasBaseFile() bool {
	return s.BaseFile != nil
}

// AllPaths returns every file path of the slice.
func (s FileSlice) AllPaths() []string {
	var paths []string
	if s.BaseFile != nil {
		paths = append(paths, s.BaseFile.Path)
	}
	for _, lf := range s.LogFiles {
		paths = append(paths, lf.Path)
	}
	return paths
}

// FileGroup is every file version ever written for one logical file
// identity within a partition. Slices are ordered descending by
// BaseInstantTime (newest first).
type FileGroup struct {
	Partition string
	FileID    string
	Slices    []FileSlice
}

// LatestSliceBeforeOrOn returns the newest slice with BaseInstantTime <= t.
func (g FileGroup) LatestSliceBeforeOrOn(t string) (FileSlice, bool) {
	for _, s := range g.Slices {
		if s.BaseInstantTime <= t {
			return s, true
		}
	}
	return FileSlice{}, false
}

// BaseFileName renders the object name of a base file:
// <fileID>_<token>_<instant>.base
func BaseFileName(fileID, writeToken, instantTime string) string {
	return fileID + "_" + writeToken + "_" + instantTime + ".base"
}

// LogFileName renders the object name of a log file:
// .<fileID>_<instant>.log.<version>
func LogFileName(fileID, instantTime string, version int) string {
	return fmt.Sprintf(".%s_%s.log.%d", fileID, instantTime, version)
}

// ParseDataFileName parses a data object path into a base or log file.
// Exactly one of the returns is non-nil on success.
func ParseDataFileName(partition, objectPath string) (*BaseFile, *LogFile, bool) {
	name := path.Base(objectPath)

	if strings.HasPrefix(name, ".") {
		// log file: .<fileID>_<instant>.log.<version>
		trimmed := strings.TrimPrefix(name, ".")
		idx := strings.LastIndex(trimmed, ".log.")
		if idx < 0 {
			return nil, nil, false
		}
		version, err := strconv.Atoi(trimmed[idx+len(".log."):])
		if err != nil {
			return nil, nil, false
		}
		stem := trimmed[:idx]
		us := strings.LastIndex(stem, "_")
		if us < 0 {
			return nil, nil, false
		}
		fileID, instant := stem[:us], stem[us+1:]
		if fileID == "" || !types.ValidInstantTime(instant) {
			return nil, nil, false
		}
		return nil, &LogFile{
			Path:        objectPath,
			Partition:   partition,
			FileID:      fileID,
			InstantTime: instant,
			Version:     version,
		}, true
	}

	if !strings.HasSuffix(name, ".base") {
		return nil, nil, false
	}
	stem := strings.TrimSuffix(name, ".base")
	last := strings.LastIndex(stem, "_")
	if last < 0 {
		return nil, nil, false
	}
	instant := stem[last+1:]
	rest := stem[:last]
	mid := strings.LastIndex(rest, "_")
	if mid < 0 {
		return nil, nil, false
	}
	fileID, token := rest[:mid], rest[mid+1:]
	if fileID == "" || token == "" || !types.ValidInstantTime(instant) {
		return nil, nil, false
	}
	return &BaseFile{
		Path:        objectPath,
		Partition:   partition,
		FileID:      fileID,
		WriteToken:  token,
		InstantTime: instant,
	}, nil, true
}

// BuildFileGroups assembles file groups from already-filtered base and log
// files (callers filter to COMPLETED instants first). Log files attach to
// the slice with the greatest base instant at or before their own instant;
// log files older than every base form a log-only slice.
func BuildFileGroups(partition string, bases []BaseFile, logs []LogFile) []FileGroup {
	type groupFiles struct {
		bases []BaseFile
		logs  []LogFile
	}
	byID := make(map[string]*groupFiles)
	for _, b := range bases {
		g := byID[b.FileID]
		if g == nil {
			g = &groupFiles{}
			byID[b.FileID] = g
		}
		g.bases = append(g.bases, b)
	}
	for _, l := range logs {
		g := byID[l.FileID]
		if g == nil {
			g = &groupFiles{}
			byID[l.FileID] = g
		}
		g.logs = append(g.logs, l)
	}

	groups := make([]FileGroup, 0, len(byID))
	for fileID, gf := range byID {
		groups = append(groups, buildGroup(partition, fileID, gf.bases, gf.logs))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].FileID < groups[j].FileID })
	return groups
}

func buildGroup(partition, fileID string, bases []BaseFile, logs []LogFile) FileGroup {
	// Deduplicate concurrent write attempts for the same instant: keep one
	// base per instant (greatest token wins for determinism).
	sort.Slice(bases, func(i, j int) bool {
		if bases[i].InstantTime != bases[j].InstantTime {
			return bases[i].InstantTime < bases[j].InstantTime
		}
		return bases[i].WriteToken < bases[j].WriteToken
	})
	dedup := bases[:0]
	for i, b := range bases {
		if i+1 < len(bases) && bases[i+1].InstantTime == b.InstantTime {
			continue
		}
		dedup = append(dedup, b)
	}
	bases = dedup

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].InstantTime != logs[j].InstantTime {
			return logs[i].InstantTime < logs[j].InstantTime
		}
		return logs[i].Version < logs[j].Version
	})

	var slices []FileSlice
	for i := range bases {
		b := bases[i]
		slices = append(slices, FileSlice{
			Partition:       partition,
			FileID:          fileID,
			BaseInstantTime: b.InstantTime,
			BaseFile:        &b,
		})
	}

	var orphanLogs []LogFile
	for _, l := range logs {
		// attach to the newest slice with base instant <= log instant
		attached := false
		for i := len(slices) - 1; i >= 0; i-- {
			if slices[i].BaseInstantTime <= l.InstantTime {
				slices[i].LogFiles = append(slices[i].LogFiles, l)
				attached = true
				break
			}
		}
		if !attached {
			orphanLogs = append(orphanLogs, l)
		}
	}
	if len(orphanLogs) > 0 {
		slices = append([]FileSlice{{
			Partition:       partition,
			FileID:          fileID,
			BaseInstantTime: orphanLogs[0].InstantTime,
			LogFiles:        orphanLogs,
		}}, slices...)
	}

	// newest first
	sort.Slice(slices, func(i, j int) bool {
		return slices[i].BaseInstantTime > slices[j].BaseInstantTime
	})
	return FileGroup{Partition: partition, FileID: fileID, Slices: slices}
}
