package storage

import (
	"testing"
	"time"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func msg(id, channel, sender, text, status string, at time.Time) CachedMessage {
	return CachedMessage{ID: id, ChannelID: channel, SenderID: sender, Text: text, Status: status, SentAt: at}
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := openTest(t)
	at := time.Now().Truncate(time.Millisecond)

	m := msg("m1", "bob", "me", "hello", "sending", at)
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Status = "sent"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.MessagesForChannel("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("%d rows after double upsert", len(got))
	}
	if got[0].Status != "sent" || !got[0].SentAt.Equal(at) {
		t.Fatalf("row %+v", got[0])
	}
}

func TestMessagesForChannelOrdersBySendTime(t *testing.T) {
	db := openTest(t)
	base := time.Now().Truncate(time.Millisecond)

	// Inserted out of order on purpose.
	db.UpsertMessage(msg("m3", "bob", "me", "third", "sent", base.Add(2*time.Second)))
	db.UpsertMessage(msg("m1", "bob", "bob", "first", "sent", base))
	db.UpsertMessage(msg("m2", "bob", "me", "second", "sent", base.Add(time.Second)))
	db.UpsertMessage(msg("x1", "carol", "carol", "other channel", "sent", base))

	got, err := db.MessagesForChannel("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("%d rows", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Text != want {
			t.Fatalf("position %d holds %q", i, got[i].Text)
		}
	}
}

func TestRelabelMessageKeepsPosition(t *testing.T) {
	db := openTest(t)
	at := time.Now().Truncate(time.Millisecond)
	db.UpsertMessage(msg("local-1", "bob", "me", "hi", "sending", at))

	if err := db.RelabelMessage("bob", "local-1", "srv-9", "sent"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.MessagesForChannel("bob")
	if len(got) != 1 || got[0].ID != "srv-9" || got[0].Status != "sent" {
		t.Fatalf("rows %+v", got)
	}
	if !got[0].SentAt.Equal(at) {
		t.Fatal("relabel moved the message in time")
	}

	if err := db.RelabelMessage("bob", "local-1", "srv-10", "sent"); err == nil {
		t.Fatal("relabel of a missing row succeeded")
	}
}

func TestDeleteMessage(t *testing.T) {
	db := openTest(t)
	db.UpsertMessage(msg("m1", "bob", "me", "hi", "sent", time.Now()))
	if err := db.DeleteMessage("bob", "m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.MessagesForChannel("bob")
	if len(got) != 0 {
		t.Fatalf("%d rows after delete", len(got))
	}
}

func TestReplaceChannelPreservesPendingRows(t *testing.T) {
	db := openTest(t)
	base := time.Now().Truncate(time.Millisecond)

	db.UpsertMessage(msg("old-1", "bob", "bob", "stale", "sent", base))
	db.UpsertMessage(msg("local-1", "bob", "me", "pending", "sending", base.Add(time.Second)))
	db.UpsertMessage(msg("local-2", "bob", "me", "broken", "failed", base.Add(2*time.Second)))

	err := db.ReplaceChannel("bob", []CachedMessage{
		msg("h1", "bob", "bob", "authoritative", "sent", base),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := db.MessagesForChannel("bob")
	if len(got) != 3 {
		t.Fatalf("%d rows after replace", len(got))
	}
	ids := map[string]bool{}
	for _, m := range got {
		ids[m.ID] = true
	}
	if !ids["h1"] || !ids["local-1"] || !ids["local-2"] || ids["old-1"] {
		t.Fatalf("wrong survivors: %v", ids)
	}
}

func TestSetFlagsPersists(t *testing.T) {
	db := openTest(t)
	db.UpsertMessage(msg("m1", "bob", "bob", "hi", "sent", time.Now()))

	if err := db.SetFlags("bob", "m1", true, false); err != nil {
		t.Fatal(err)
	}
	got, _ := db.MessagesForChannel("bob")
	if !got[0].Starred || got[0].Pinned {
		t.Fatalf("flags %+v", got[0])
	}

	if err := db.SetFlags("bob", "missing", true, true); err == nil {
		t.Fatal("flags set on a missing row")
	}
}

func TestReplaceChannelKeepsFlaggedRows(t *testing.T) {
	db := openTest(t)
	base := time.Now().Truncate(time.Millisecond)

	db.UpsertMessage(msg("old-1", "bob", "bob", "unmarked", "sent", base))
	starred := msg("old-2", "bob", "bob", "marked", "sent", base.Add(time.Second))
	starred.Starred = true
	db.UpsertMessage(starred)

	err := db.ReplaceChannel("bob", []CachedMessage{
		msg("h1", "bob", "bob", "history", "sent", base),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := db.MessagesForChannel("bob")
	ids := map[string]bool{}
	for _, m := range got {
		ids[m.ID] = m.Starred
	}
	if _, kept := ids["old-2"]; !kept || !ids["old-2"] {
		t.Fatalf("starred row lost: %+v", got)
	}
	if _, kept := ids["old-1"]; kept {
		t.Fatal("unmarked stale row survived replace")
	}
}

func TestCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Now().Truncate(time.Millisecond)
	db.UpsertMessage(msg("m1", "bob", "me", "persisted", "sent", at))
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	got, err := db2.MessagesForChannel("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "persisted" {
		t.Fatalf("rows %+v", got)
	}
}
