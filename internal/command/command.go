package command

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"sheetsync/internal/domain"
)

type Type string

const (
	TypeCreateRow       Type = "CREATE_ROW"
	TypeUpdateCellValue Type = "UPDATE_CELLVALUE"
)

// Raw is the wire form of a command.
type Raw struct {
	Type Type     `json:"type" enum:"CREATE_ROW,UPDATE_CELLVALUE"`
	Args []string `json:"args"`
}

// Command is closed over CreateRow and UpdateCellValue.
type Command interface {
	Type() Type
	Args() []string
	sealed()
}

// CreateRow appends a new empty record to the default view.
type CreateRow struct{}

func (CreateRow) Type() Type     { return TypeCreateRow }
func (CreateRow) Args() []string { return []string{} }
func (CreateRow) sealed()        {}

// UpdateCellValue overwrites one cell.
type UpdateCellValue struct {
	RecordID string
	FieldID  string
	Value    string
}

func (UpdateCellValue) Type() Type { return TypeUpdateCellValue }
func (c UpdateCellValue) Args() []string {
	return []string{c.RecordID, c.FieldID, c.Value}
}
func (UpdateCellValue) sealed() {}

// ArgumentArityError rejects a command with the wrong number of arguments.
type ArgumentArityError struct {
	Type Type
	Want int
	Got  int
}

func (e ArgumentArityError) Error() string {
	return fmt.Sprintf("%s expects %d args, got %d", e.Type, e.Want, e.Got)
}

type UnknownCommandError struct {
	Type Type
}

func (e UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type %q", e.Type)
}

// Parse validates the structure of a raw command.
func Parse(raw Raw) (Command, error) {
	switch raw.Type {
	case TypeCreateRow:
		if len(raw.Args) != 0 {
			return nil, ArgumentArityError{Type: raw.Type, Want: 0, Got: len(raw.Args)}
		}
		return CreateRow{}, nil
	case TypeUpdateCellValue:
		if len(raw.Args) != 3 {
			return nil, ArgumentArityError{Type: raw.Type, Want: 3, Got: len(raw.Args)}
		}
		return UpdateCellValue{RecordID: raw.Args[0], FieldID: raw.Args[1], Value: raw.Args[2]}, nil
	default:
		return nil, UnknownCommandError{Type: raw.Type}
	}
}

func Encode(c Command) Raw {
	return Raw{Type: c.Type(), Args: c.Args()}
}

// ChangeLog is one entry of a datasheet's append-only log.
type ChangeLog struct {
	DatasheetID string
	Revision    int64
	Command     Command
}

type changeLogJSON struct {
	DatasheetID string `json:"datasheetId"`
	Revision    int64  `json:"revision"`
	Command     Raw    `json:"command"`
}

func (c ChangeLog) MarshalJSON() ([]byte, error) {
	if c.Command == nil {
		return nil, fmt.Errorf("changelog %s@%d has no command", c.DatasheetID, c.Revision)
	}
	return json.Marshal(changeLogJSON{
		DatasheetID: c.DatasheetID,
		Revision:    c.Revision,
		Command:     Encode(c.Command),
	})
}

func (c *ChangeLog) UnmarshalJSON(data []byte) error {
	var wire changeLogJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	cmd, err := Parse(wire.Command)
	if err != nil {
		return err
	}
	*c = ChangeLog{DatasheetID: wire.DatasheetID, Revision: wire.Revision, Command: cmd}
	return nil
}

// OutOfOrderError is returned when an entry is not the next revision of the
// datasheet it is applied to.
type OutOfOrderError struct {
	DatasheetID string
	Applied     int64
	Revision    int64
}

func (e OutOfOrderError) Error() string {
	return fmt.Sprintf("datasheet %s at revision %d cannot apply revision %d", e.DatasheetID, e.Applied, e.Revision)
}

// RecordID is the id CreateRow allocates for the entry at revision of
// datasheetID. It is name-based so replaying a log reproduces the same ids.
func RecordID(datasheetID string, revision int64) string {
	name := datasheetID + "|" + strconv.FormatInt(revision, 10)
	return "rec" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Apply mutates the datasheet in place and advances its revision. The
// datasheet is left untouched when an error is returned.
func Apply(d *domain.Datasheet, entry ChangeLog) error {
	if entry.DatasheetID != d.ID {
		return fmt.Errorf("changelog for datasheet %s applied to %s", entry.DatasheetID, d.ID)
	}
	if entry.Revision != d.Revision+1 {
		return OutOfOrderError{DatasheetID: d.ID, Applied: d.Revision, Revision: entry.Revision}
	}
	switch c := entry.Command.(type) {
	case CreateRow:
		d.InsertRecord(RecordID(d.ID, entry.Revision))
	case UpdateCellValue:
		if err := d.SetCell(c.RecordID, c.FieldID, c.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported command %T", entry.Command)
	}
	d.Revision = entry.Revision
	return nil
}
