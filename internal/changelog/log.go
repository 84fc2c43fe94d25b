// Package changelog keeps the per-datasheet append-only revision log.
package changelog

import (
	"sort"
	"sync"

	"sheetsync/internal/command"
)

type stream struct {
	mu      sync.RWMutex
	entries []command.ChangeLog
}

// Log assigns gapless revisions starting at 1 per datasheet. Entries are
// never removed.
type Log struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

func New() *Log {
	return &Log{streams: make(map[string]*stream)}
}

func (l *Log) stream(datasheetID string, create bool) *stream {
	l.mu.RLock()
	s, ok := l.streams[datasheetID]
	l.mu.RUnlock()
	if ok || !create {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.streams[datasheetID]; !ok {
		s = &stream{}
		l.streams[datasheetID] = s
	}
	return s
}

// Append stores the command under the next revision of the datasheet and
// returns the stored entry.
func (l *Log) Append(datasheetID string, c command.Command) command.ChangeLog {
	s := l.stream(datasheetID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := command.ChangeLog{
		DatasheetID: datasheetID,
		Revision:    int64(len(s.entries)) + 1,
		Command:     c,
	}
	s.entries = append(s.entries, entry)
	return entry
}

// EntriesSince returns the entries with revision strictly greater than
// revision, in order. Unknown datasheets yield an empty slice.
func (l *Log) EntriesSince(datasheetID string, revision int64) []command.ChangeLog {
	return l.Range(datasheetID, revision, -1)
}

// Range returns the entries in (after, upTo]. A negative upTo means the log
// head.
func (l *Log) Range(datasheetID string, after, upTo int64) []command.ChangeLog {
	s := l.stream(datasheetID, false)
	if s == nil {
		return []command.ChangeLog{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	head := int64(len(s.entries))
	if upTo < 0 || upTo > head {
		upTo = head
	}
	if after < 0 {
		after = 0
	}
	if after >= upTo {
		return []command.ChangeLog{}
	}
	out := make([]command.ChangeLog, upTo-after)
	copy(out, s.entries[after:upTo])
	return out
}

// Head is the latest revision assigned for the datasheet.
func (l *Log) Head(datasheetID string) int64 {
	s := l.stream(datasheetID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries))
}

// Datasheets lists the datasheet ids with a log, sorted.
func (l *Log) Datasheets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.streams))
	for id := range l.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
