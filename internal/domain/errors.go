package domain

import "fmt"

// UnknownDatasheetError is returned for operations against a datasheet id
// with no registered state.
type UnknownDatasheetError struct {
	DatasheetID string
}

func (e UnknownDatasheetError) Error() string {
	return fmt.Sprintf("unknown datasheet %s", e.DatasheetID)
}

// UnknownRecordError is returned when a command or read targets a record
// that does not exist in the datasheet.
type UnknownRecordError struct {
	DatasheetID string
	RecordID    string
}

func (e UnknownRecordError) Error() string {
	return fmt.Sprintf("unknown record %s in datasheet %s", e.RecordID, e.DatasheetID)
}

// UnresolvedLookupError is a read-time result for a Lookup cell whose
// reference cannot be followed.
type UnresolvedLookupError struct {
	DatasheetID string
	RecordID    string
	FieldID     string
	Reason      string
}

func (e UnresolvedLookupError) Error() string {
	return fmt.Sprintf("unresolved lookup %s.%s.%s: %s", e.DatasheetID, e.RecordID, e.FieldID, e.Reason)
}

// LookupWriteError rejects a direct write to a Lookup cell. Lookup cells only
// change by propagation from the cell they mirror.
type LookupWriteError struct {
	DatasheetID string
	RecordID    string
	FieldID     string
}

func (e LookupWriteError) Error() string {
	return fmt.Sprintf("field %s of datasheet %s is a lookup field; update the target cell instead (record %s)", e.FieldID, e.DatasheetID, e.RecordID)
}
