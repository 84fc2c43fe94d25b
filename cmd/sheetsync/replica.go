package main

import (
	"sort"

	"sheetsync/internal/command"
	"sheetsync/internal/domain"
	sheetsyncsdk "sheetsync/sdk/go"
)

// replica is a client-side copy of a datasheet kept current by applying
// changelog entries in revision order.
type replica struct {
	d *domain.Datasheet
}

func newReplica(snapshot sheetsyncsdk.Datasheet) (*replica, error) {
	d := domain.NewDatasheet(snapshot.ID)
	d.Revision = snapshot.Revision
	for id, f := range snapshot.FieldMap {
		field := domain.Field{Type: domain.FieldType(f.Type), DatasheetID: f.DatasheetID, FieldID: f.FieldID}
		if err := field.Validate(); err != nil {
			return nil, err
		}
		d.Fields[id] = field
	}
	if len(snapshot.Views) > 0 {
		d.Views = d.Views[:0]
		for _, v := range snapshot.Views {
			d.Views = append(d.Views, domain.View{Rows: append([]string{}, v.Rows...)})
		}
	}
	for _, r := range snapshot.Records {
		data := make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			data[k] = v
		}
		d.Records[r.ID] = domain.Record{Data: data}
	}
	return &replica{d: d}, nil
}

// Apply applies entry. Entries at or below the replica's revision were
// already folded into the snapshot and are skipped.
func (r *replica) Apply(entry sheetsyncsdk.ChangeLog) (bool, error) {
	if entry.Revision <= r.d.Revision {
		return false, nil
	}
	cmd, err := command.Parse(command.Raw{Type: command.Type(entry.Command.Type), Args: entry.Command.Args})
	if err != nil {
		return false, err
	}
	if err := command.Apply(r.d, command.ChangeLog{DatasheetID: entry.DatasheetID, Revision: entry.Revision, Command: cmd}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *replica) View() sheetsyncsdk.Datasheet {
	out := sheetsyncsdk.Datasheet{
		ID:       r.d.ID,
		Revision: r.d.Revision,
		FieldMap: make(map[string]sheetsyncsdk.Field, len(r.d.Fields)),
		Rows:     append([]string{}, r.d.DefaultView().Rows...),
	}
	for id, f := range r.d.Fields {
		out.FieldMap[id] = sheetsyncsdk.Field{Type: string(f.Type), DatasheetID: f.DatasheetID, FieldID: f.FieldID}
	}
	for _, v := range r.d.Views {
		out.Views = append(out.Views, sheetsyncsdk.View{Rows: append([]string{}, v.Rows...)})
	}
	ids := make([]string, 0, len(r.d.Records))
	for id := range r.d.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out.Records = append(out.Records, sheetsyncsdk.Record{ID: id, Data: r.d.Records[id].Data})
	}
	return out
}
