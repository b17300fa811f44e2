package pop3

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/kumo/db"
)

func testSnapshot() *MailboxSnapshot {
	metas := []db.MessageMetadata{
		{ID: 11, UID: 101, ContentHash: "aaa", Size: 1024},
		{ID: 12, UID: 102, ContentHash: "bbb", Size: 2048},
		{ID: 13, UID: 103, ContentHash: "ccc", Size: 512},
		{ID: 14, UID: 104, ContentHash: "ddd", Size: 4096},
	}
	return newMailboxSnapshot(7, 42, 0x5f3759df, metas)
}

func TestSnapshotLiveStat(t *testing.T) {
	m := testSnapshot()

	count, size := m.LiveStat()
	if count != 4 || size != 7680 {
		t.Errorf("LiveStat() = (%d, %d), want (4, 7680)", count, size)
	}

	// [1024, 2048, 512 deleted, 4096] leaves 3 messages, 7168 octets.
	if perr := m.MarkDeleted(3); perr != nil {
		t.Fatalf("MarkDeleted(3) = %v", perr)
	}
	count, size = m.LiveStat()
	if count != 3 || size != 7168 {
		t.Errorf("LiveStat() after DELE 3 = (%d, %d), want (3, 7168)", count, size)
	}
}

func TestSnapshotNumbersAreStable(t *testing.T) {
	m := testSnapshot()

	if perr := m.MarkDeleted(2); perr != nil {
		t.Fatalf("MarkDeleted(2) = %v", perr)
	}

	// Deleting message 2 must not renumber messages 3 and 4.
	msg, perr := m.Message(3)
	if perr != nil {
		t.Fatalf("Message(3) = %v", perr)
	}
	if msg.UID != 103 {
		t.Errorf("Message(3).UID = %d, want 103", msg.UID)
	}
	msg, perr = m.Message(4)
	if perr != nil {
		t.Fatalf("Message(4) = %v", perr)
	}
	if msg.UID != 104 {
		t.Errorf("Message(4).UID = %d, want 104", msg.UID)
	}
}

func TestSnapshotDeletedMessagesInvisible(t *testing.T) {
	m := testSnapshot()

	if perr := m.MarkDeleted(1); perr != nil {
		t.Fatalf("MarkDeleted(1) = %v", perr)
	}

	if _, perr := m.Message(1); perr == nil {
		t.Error("Message(1) succeeded on a deleted message")
	} else if perr.Kind != KindMessageNotFound {
		t.Errorf("Kind = %v, want KindMessageNotFound", perr.Kind)
	}

	// Re-deleting is the same as addressing a missing message.
	if perr := m.MarkDeleted(1); perr == nil {
		t.Error("MarkDeleted(1) succeeded twice")
	} else if perr.Kind != KindMessageNotFound {
		t.Errorf("Kind = %v, want KindMessageNotFound", perr.Kind)
	}
}

func TestSnapshotResetRestoresEverything(t *testing.T) {
	m := testSnapshot()

	for n := 1; n <= m.Total; n++ {
		if perr := m.MarkDeleted(n); perr != nil {
			t.Fatalf("MarkDeleted(%d) = %v", n, perr)
		}
	}
	count, size := m.LiveStat()
	if count != 0 || size != 0 {
		t.Fatalf("LiveStat() with all deleted = (%d, %d), want (0, 0)", count, size)
	}

	m.ResetDeleted()
	count, size = m.LiveStat()
	if count != 4 || size != 7680 {
		t.Errorf("LiveStat() after RSET = (%d, %d), want (4, 7680)", count, size)
	}
	uids, hashes := m.DeletedMessages()
	if len(uids) != 0 || len(hashes) != 0 {
		t.Errorf("DeletedMessages() after RSET = (%v, %v), want empty", uids, hashes)
	}
}

func TestSnapshotDeletedMessages(t *testing.T) {
	m := testSnapshot()
	m.MarkDeleted(2)
	m.MarkDeleted(4)

	uids, hashes := m.DeletedMessages()
	wantUIDs := []imap.UID{102, 104}
	wantHashes := []string{"bbb", "ddd"}
	if len(uids) != 2 {
		t.Fatalf("DeletedMessages() uids = %v, want %v", uids, wantUIDs)
	}
	for i := range wantUIDs {
		if uids[i] != wantUIDs[i] {
			t.Errorf("uids[%d] = %d, want %d", i, uids[i], wantUIDs[i])
		}
		if hashes[i] != wantHashes[i] {
			t.Errorf("hashes[%d] = %q, want %q", i, hashes[i], wantHashes[i])
		}
	}
}

func TestUIDLToken(t *testing.T) {
	m := testSnapshot()
	msg, perr := m.Message(1)
	if perr != nil {
		t.Fatalf("Message(1) = %v", perr)
	}

	// uid-validity 0x5f3759df, uid 101 = 0x65, both fixed-width.
	want := "5f3759df00000065"
	if got := m.UIDLToken(msg); got != want {
		t.Errorf("UIDLToken() = %q, want %q", got, want)
	}

	// Deletion state never changes the token.
	m.MarkDeleted(2)
	if got := m.UIDLToken(msg); got != want {
		t.Errorf("UIDLToken() after unrelated DELE = %q, want %q", got, want)
	}
}

func TestMessageOutOfRange(t *testing.T) {
	m := testSnapshot()
	for _, n := range []int{0, -1, 5} {
		if _, perr := m.Message(n); perr == nil {
			t.Errorf("Message(%d) succeeded, want error", n)
		}
	}
}
