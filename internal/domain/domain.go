package domain

import "fmt"

type FieldType string

const (
	FieldText   FieldType = "text"
	FieldLookup FieldType = "lookup"
)

// Field is either a Text field or a Lookup field. Lookup fields carry the
// datasheet and field they mirror and never store data of their own.
type Field struct {
	Type        FieldType `json:"type" enum:"text,lookup"`
	DatasheetID string    `json:"datasheet_id,omitempty"`
	FieldID     string    `json:"field_id,omitempty"`
}

func TextField() Field { return Field{Type: FieldText} }

func LookupField(datasheetID, fieldID string) Field {
	return Field{Type: FieldLookup, DatasheetID: datasheetID, FieldID: fieldID}
}

func (f Field) IsLookup() bool { return f.Type == FieldLookup }

// Validate checks the variant carries exactly the attributes it needs.
func (f Field) Validate() error {
	switch f.Type {
	case FieldText:
		if f.DatasheetID != "" || f.FieldID != "" {
			return fmt.Errorf("text field cannot reference a datasheet")
		}
	case FieldLookup:
		if f.DatasheetID == "" || f.FieldID == "" {
			return fmt.Errorf("lookup field requires datasheet_id and field_id")
		}
	default:
		return fmt.Errorf("invalid field type %q", f.Type)
	}
	return nil
}

type Record struct {
	Data map[string]string `json:"data"`
}

func (r Record) clone() Record {
	data := make(map[string]string, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data}
}

type View struct {
	Rows []string `json:"rows"`
}

// Datasheet owns its fields, records and views. Revision counts the change
// log entries applied so far.
type Datasheet struct {
	ID       string            `json:"id"`
	Revision int64             `json:"revision"`
	Fields   map[string]Field  `json:"field_map"`
	Views    []View            `json:"views"`
	Records  map[string]Record `json:"records"`
}

// NewDatasheet returns an empty datasheet with a single default view.
func NewDatasheet(id string) *Datasheet {
	return &Datasheet{
		ID:      id,
		Fields:  map[string]Field{},
		Views:   []View{{Rows: []string{}}},
		Records: map[string]Record{},
	}
}

// DefaultView returns the first view, creating it when the datasheet has none.
func (d *Datasheet) DefaultView() *View {
	if len(d.Views) == 0 {
		d.Views = append(d.Views, View{Rows: []string{}})
	}
	return &d.Views[0]
}

func (d *Datasheet) Record(id string) (Record, bool) {
	r, ok := d.Records[id]
	return r, ok
}

func (d *Datasheet) HasRecord(id string) bool {
	_, ok := d.Records[id]
	return ok
}

// InsertRecord adds an empty record and appends it to the default view.
func (d *Datasheet) InsertRecord(id string) {
	d.Records[id] = Record{Data: map[string]string{}}
	view := d.DefaultView()
	view.Rows = append(view.Rows, id)
}

// SetCell overwrites a single cell of an existing record.
func (d *Datasheet) SetCell(recordID, fieldID, value string) error {
	r, ok := d.Records[recordID]
	if !ok {
		return UnknownRecordError{DatasheetID: d.ID, RecordID: recordID}
	}
	if r.Data == nil {
		r.Data = map[string]string{}
		d.Records[recordID] = r
	}
	r.Data[fieldID] = value
	return nil
}

// Clone returns a deep copy safe to hand out of a lock.
func (d *Datasheet) Clone() *Datasheet {
	out := &Datasheet{
		ID:       d.ID,
		Revision: d.Revision,
		Fields:   make(map[string]Field, len(d.Fields)),
		Views:    make([]View, len(d.Views)),
		Records:  make(map[string]Record, len(d.Records)),
	}
	for k, f := range d.Fields {
		out.Fields[k] = f
	}
	for i, v := range d.Views {
		out.Views[i] = View{Rows: append([]string{}, v.Rows...)}
	}
	for k, r := range d.Records {
		out.Records[k] = r.clone()
	}
	return out
}
