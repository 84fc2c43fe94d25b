package main

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"sheetsync/internal/command"
	sheetsyncsdk "sheetsync/sdk/go"
)

func snapshot() sheetsyncsdk.Datasheet {
	return sheetsyncsdk.Datasheet{
		ID:       "2",
		Revision: 1,
		FieldMap: map[string]sheetsyncsdk.Field{"text1": {Type: "text"}, "text2": {Type: "text"}},
		Rows:     []string{"rcd3", "rcd4"},
		Views:    []sheetsyncsdk.View{{Rows: []string{"rcd3", "rcd4"}}},
		Records: []sheetsyncsdk.Record{
			{ID: "rcd3", Data: map[string]string{"text1": "a3", "text2": "b3"}},
			{ID: "rcd4", Data: map[string]string{"text1": "a4", "text2": "b4"}},
		},
	}
}

func entry(rev int64, typ string, args ...string) sheetsyncsdk.ChangeLog {
	return sheetsyncsdk.ChangeLog{DatasheetID: "2", Revision: rev, Command: sheetsyncsdk.Command{Type: typ, Args: args}}
}

func TestReplicaSkipsSnapshotRevisions(t *testing.T) {
	r, err := newReplica(snapshot())
	assert.Equal(t, err, nil)

	applied, err := r.Apply(entry(1, sheetsyncsdk.CommandUpdateCellValue, "rcd3", "text2", "stale"))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)

	applied, err = r.Apply(entry(2, sheetsyncsdk.CommandUpdateCellValue, "rcd3", "text2", "fresh"))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)

	applied, err = r.Apply(entry(3, sheetsyncsdk.CommandCreateRow))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)

	view := r.View()
	assert.Equal(t, view.Revision, int64(3))
	assert.Equal(t, view.Rows, []string{"rcd3", "rcd4", command.RecordID("2", 3)})
	for _, rec := range view.Records {
		if rec.ID == "rcd3" {
			assert.Equal(t, rec.Data["text2"], "fresh")
		}
	}
}

func TestReplicaRejectsGap(t *testing.T) {
	r, err := newReplica(snapshot())
	assert.Equal(t, err, nil)
	_, err = r.Apply(entry(5, sheetsyncsdk.CommandCreateRow))
	var ooo command.OutOfOrderError
	assert.Equal(t, errors.As(err, &ooo), true)
}

func TestParseCoord(t *testing.T) {
	c, err := parseCoord("1.rcd1.lookup1")
	assert.Equal(t, err, nil)
	assert.Equal(t, c, sheetsyncsdk.Coord{DatasheetID: "1", RecordID: "rcd1", FieldID: "lookup1"})
	assert.Equal(t, formatCoord(c), "1.rcd1.lookup1")

	_, err = parseCoord("1.rcd1")
	assert.NotEqual(t, err, nil)
}
