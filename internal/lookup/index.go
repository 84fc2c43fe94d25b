// Package lookup indexes which lookup cells mirror which source cells.
package lookup

import (
	"fmt"
	"sort"
	"sync"

	"sheetsync/internal/command"
)

// Coord addresses one cell.
type Coord struct {
	DatasheetID string `json:"datasheet_id"`
	RecordID    string `json:"record_id"`
	FieldID     string `json:"field_id"`
}

func (c Coord) String() string {
	return fmt.Sprintf("%s.%s.%s", c.DatasheetID, c.RecordID, c.FieldID)
}

// Link says the Dependent lookup cell mirrors the Target cell.
type Link struct {
	Dependent Coord `json:"dependent"`
	Target    Coord `json:"target"`
}

// Derived is a synthetic update produced for one dependent datasheet.
type Derived struct {
	DatasheetID string
	Command     command.UpdateCellValue
}

// ConflictError rejects pointing an already linked cell at another target.
type ConflictError struct {
	Dependent Coord
	Existing  Coord
	Requested Coord
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("lookup %s already mirrors %s, cannot mirror %s", e.Dependent, e.Existing, e.Requested)
}

// CycleError rejects a link whose propagation would loop back.
type CycleError struct {
	Dependent Coord
	Target    Coord
}

func (e CycleError) Error() string {
	return fmt.Sprintf("lookup %s -> %s would form a cycle", e.Dependent, e.Target)
}

// Index has no removal: links live for the life of the process.
type Index struct {
	mu         sync.RWMutex
	dependents map[Coord][]Coord
	targets    map[Coord]Coord
}

func NewIndex() *Index {
	return &Index{
		dependents: make(map[Coord][]Coord),
		targets:    make(map[Coord]Coord),
	}
}

// Link records dependent -> target. Linking the same pair again is a no-op
// and reports created=false.
func (x *Index) Link(dependent, target Coord) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.targets[dependent]; ok {
		if existing == target {
			return false, nil
		}
		return false, ConflictError{Dependent: dependent, Existing: existing, Requested: target}
	}
	// Walk up from the target; reaching the dependent means a loop.
	for c, seen := target, 0; seen <= len(x.targets); seen++ {
		if c == dependent {
			return false, CycleError{Dependent: dependent, Target: target}
		}
		next, ok := x.targets[c]
		if !ok {
			break
		}
		c = next
	}
	x.targets[dependent] = target
	x.dependents[target] = append(x.dependents[target], dependent)
	return true, nil
}

// OnCellUpdated returns one synthetic UpdateCellValue per cell mirroring
// the updated cell, in link creation order.
func (x *Index) OnCellUpdated(datasheetID, recordID, fieldID, value string) []Derived {
	x.mu.RLock()
	defer x.mu.RUnlock()
	deps := x.dependents[Coord{DatasheetID: datasheetID, RecordID: recordID, FieldID: fieldID}]
	if len(deps) == 0 {
		return nil
	}
	out := make([]Derived, 0, len(deps))
	for _, d := range deps {
		out = append(out, Derived{
			DatasheetID: d.DatasheetID,
			Command:     command.UpdateCellValue{RecordID: d.RecordID, FieldID: d.FieldID, Value: value},
		})
	}
	return out
}

// Target returns the cell a lookup cell references.
func (x *Index) Target(dependent Coord) (Coord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.targets[dependent]
	return t, ok
}

// Links lists every link, ordered by dependent.
func (x *Index) Links() []Link {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Link, 0, len(x.targets))
	for dep, target := range x.targets {
		out = append(out, Link{Dependent: dep, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependent.String() < out[j].Dependent.String() })
	return out
}
