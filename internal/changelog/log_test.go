package changelog

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"sheetsync/internal/command"
)

func TestAppendAssignsSequentialRevisions(t *testing.T) {
	l := New()
	for i := int64(1); i <= 5; i++ {
		entry := l.Append("1", command.CreateRow{})
		assert.Equal(t, entry.Revision, i)
		assert.Equal(t, entry.DatasheetID, "1")
	}
	other := l.Append("2", command.CreateRow{})
	assert.Equal(t, other.Revision, int64(1))
	assert.Equal(t, l.Head("1"), int64(5))
	assert.Equal(t, l.Head("missing"), int64(0))
	assert.Equal(t, l.Datasheets(), []string{"1", "2"})
}

func TestEntriesSince(t *testing.T) {
	l := New()
	for i := 0; i < 4; i++ {
		l.Append("1", command.UpdateCellValue{RecordID: "rcd1", FieldID: "text1", Value: string(rune('a' + i))})
	}
	entries := l.EntriesSince("1", 2)
	assert.Equal(t, len(entries), 2)
	assert.Equal(t, entries[0].Revision, int64(3))
	assert.Equal(t, entries[1].Revision, int64(4))

	assert.Equal(t, len(l.EntriesSince("1", 0)), 4)
	assert.Equal(t, len(l.EntriesSince("1", -3)), 4)
	assert.Equal(t, len(l.EntriesSince("1", 4)), 0)
	assert.Equal(t, len(l.EntriesSince("1", 10)), 0)
	assert.Equal(t, len(l.EntriesSince("unknown", 0)), 0)

	r := l.Range("1", 1, 3)
	assert.Equal(t, len(r), 2)
	assert.Equal(t, r[0].Revision, int64(2))
	assert.Equal(t, r[1].Revision, int64(3))
}

func TestConcurrentAppendIsGapless(t *testing.T) {
	l := New()
	const writers, perWriter = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append("1", command.CreateRow{})
			}
		}()
	}
	wg.Wait()

	entries := l.EntriesSince("1", 0)
	assert.Equal(t, len(entries), writers*perWriter)
	for i, e := range entries {
		if e.Revision != int64(i+1) {
			t.Fatalf("entry %d has revision %d", i, e.Revision)
		}
	}
}
