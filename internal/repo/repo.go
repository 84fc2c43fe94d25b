package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sheetsync/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Sheet guards one datasheet's state. The dispatcher is the only writer.
type Sheet struct {
	mu   sync.RWMutex
	data *domain.Datasheet

	stall *Stall
}

// Stall records why dispatch stopped for a datasheet.
type Stall struct {
	Revision int64
	Err      error
}

// Read runs fn with the datasheet under a read lock. fn must not keep d.
func (s *Sheet) Read(fn func(d *domain.Datasheet)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// Write runs fn with exclusive access to the datasheet and its stall state.
func (s *Sheet) Write(fn func(d *domain.Datasheet, stall **Stall)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data, &s.stall)
}

func (s *Sheet) Snapshot() *domain.Datasheet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

func (s *Sheet) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Revision
}

func (s *Sheet) Stall() *Stall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stall == nil {
		return nil
	}
	st := *s.stall
	return &st
}

// Repo is the in-memory datasheet registry and record store.
type Repo struct {
	mu     sync.RWMutex
	sheets map[string]*Sheet
}

func New() *Repo {
	return &Repo{sheets: make(map[string]*Sheet)}
}

// Insert registers a datasheet. The repo takes ownership of d.
func (r *Repo) Insert(d *domain.Datasheet) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("datasheet id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sheets[d.ID]; ok {
		return fmt.Errorf("datasheet %s already exists", d.ID)
	}
	r.sheets[d.ID] = &Sheet{data: d}
	return nil
}

func (r *Repo) Sheet(datasheetID string) (*Sheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sheets[datasheetID]
	if !ok {
		return nil, domain.UnknownDatasheetError{DatasheetID: datasheetID}
	}
	return s, nil
}

func (r *Repo) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sheets))
	for id := range r.sheets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetRecord returns a copy of the record, or ErrNotFound when the datasheet
// has no such record.
func (r *Repo) GetRecord(_ context.Context, datasheetID, recordID string) (domain.Record, error) {
	s, err := r.Sheet(datasheetID)
	if err != nil {
		return domain.Record{}, err
	}
	var (
		rec domain.Record
		ok  bool
	)
	s.Read(func(d *domain.Datasheet) {
		rec, ok = d.Record(recordID)
		if ok {
			data := make(map[string]string, len(rec.Data))
			for k, v := range rec.Data {
				data[k] = v
			}
			rec = domain.Record{Data: data}
		}
	})
	if !ok {
		return domain.Record{}, fmt.Errorf("record %s in datasheet %s: %w", recordID, datasheetID, ErrNotFound)
	}
	return rec, nil
}
