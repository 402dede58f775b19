package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/store"
)

type fakeFetcher struct {
	pages map[int64][]remote.InboundMessage // cursor -> page
	calls int
}

func (f *fakeFetcher) FetchMessages(_ context.Context, chatID, direction string, cursorMs int64, limit int) ([]remote.InboundMessage, error) {
	f.calls++
	return f.pages[cursorMs], nil
}

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus, *fakeFetcher) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fetcher := &fakeFetcher{pages: map[int64][]remote.InboundMessage{}}
	e := NewEngine(db, b, fetcher, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(func() { e.Close() })
	return e, db, b, fetcher
}

func publishMessage(b *bus.Bus, msg remote.InboundMessage) {
	b.Publish(bus.Event{Kind: bus.KindRemoteMessage, Timestamp: time.Now(), Payload: msg})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestForeignMessageInserted(t *testing.T) {
	_, db, b, _ := testEngine(t)

	publishMessage(b, remote.InboundMessage{
		ServerID: "s1", ChatID: "chat1", SenderID: "them",
		Content: "hi there", Kind: "text", Timestamp: 5000,
	})

	waitFor(t, func() bool {
		m, _ := db.GetByServerID("s1")
		return m != nil
	})

	m, _ := db.GetByServerID("s1")
	if m.Status != store.StatusSent || m.CreatedAt != 5000 {
		t.Errorf("unexpected row: %+v", m)
	}
	if m.ClientMsgID != "srv:s1" {
		t.Errorf("client id = %q, want synthetic srv:s1", m.ClientMsgID)
	}
}

func TestEchoMergesOntoOptimisticRow(t *testing.T) {
	_, db, b, _ := testEngine(t)

	local := &store.Message{
		ClientMsgID: "c1", ChatID: "chat1", SenderID: "me",
		Content: "mine", Kind: store.KindText, Status: store.StatusSyncing,
		CreatedAt: 4000,
	}
	if err := db.InsertMessage(local); err != nil {
		t.Fatalf("insert: %v", err)
	}

	publishMessage(b, remote.InboundMessage{
		ServerID: "s1", ClientMsgID: "c1", ChatID: "chat1", SenderID: "me",
		Content: "mine", Kind: "text", Timestamp: 4321,
	})

	waitFor(t, func() bool {
		m, _ := db.GetByClientID("c1")
		return m.ServerID == "s1"
	})

	m, _ := db.GetByClientID("c1")
	if m.Status != store.StatusSent {
		t.Errorf("status = %q, want sent", m.Status)
	}
	// The optimistic timestamp stays; the chat must not reorder.
	if m.CreatedAt != 4000 {
		t.Errorf("created_at = %d, want local 4000", m.CreatedAt)
	}

	all, _ := db.ListMessages("chat1", 0, 10)
	if len(all) != 1 {
		t.Errorf("expected 1 row after echo, got %d", len(all))
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	_, db, b, _ := testEngine(t)

	msg := remote.InboundMessage{
		ServerID: "s1", ChatID: "chat1", SenderID: "them",
		Content: "once", Kind: "text", Timestamp: 5000,
	}
	for i := 0; i < 3; i++ {
		publishMessage(b, msg)
	}

	waitFor(t, func() bool {
		m, _ := db.GetByServerID("s1")
		return m != nil
	})
	time.Sleep(100 * time.Millisecond)

	all, _ := db.ListMessages("chat1", 0, 10)
	if len(all) != 1 {
		t.Errorf("expected 1 row after replay, got %d", len(all))
	}
}

func TestReactionAndPinEvents(t *testing.T) {
	_, db, b, _ := testEngine(t)

	m := &store.Message{
		ClientMsgID: "c1", ServerID: "s1", ChatID: "chat1", SenderID: "me",
		Content: "hi", Kind: store.KindText, Status: store.StatusSent, CreatedAt: 1000,
	}
	db.InsertMessage(m)

	b.Publish(bus.Event{Kind: bus.KindRemoteReaction, Payload: remote.InboundReaction{
		ChatID: "chat1", MessageServerID: "s1", Emoji: "🔥", ReactorID: "u2", Timestamp: 2000,
	}})
	b.Publish(bus.Event{Kind: bus.KindRemotePin, Payload: remote.InboundPin{
		ChatID: "chat1", MessageServerID: "s1", Pinned: true,
	}})
	// Events for unknown messages are dropped without error.
	b.Publish(bus.Event{Kind: bus.KindRemoteReaction, Payload: remote.InboundReaction{
		ChatID: "chat1", MessageServerID: "ghost", Emoji: "👻",
	}})

	waitFor(t, func() bool {
		got, _ := db.GetByServerID("s1")
		return len(got.Reactions) == 1 && got.IsPinned
	})
}

func TestInboundMediaStoredCompleted(t *testing.T) {
	_, db, b, _ := testEngine(t)

	publishMessage(b, remote.InboundMessage{
		ServerID: "s1", ChatID: "chat1", SenderID: "them", Kind: "image",
		Multimedia: []remote.Media{{
			Name: "pic.jpg", FilePath: "chats/chat1/pic.jpg",
			MimeType: "image/jpeg", SignedURL: "https://blob/get/pic.jpg",
		}},
		Timestamp: 5000,
	})

	waitFor(t, func() bool {
		m, _ := db.GetByServerID("s1")
		return m != nil
	})

	m, _ := db.GetByServerID("s1")
	if len(m.Multimedia) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(m.Multimedia))
	}
	if m.Multimedia[0].State != store.UploadCompleted {
		t.Errorf("state = %q, want completed", m.Multimedia[0].State)
	}
}

func TestAttachmentsFromMedia(t *testing.T) {
	if got := attachmentsFromMedia(nil); got != nil {
		t.Errorf("nil media: got %v, want nil", got)
	}

	atts := attachmentsFromMedia([]remote.Media{{
		Name: "clip.mp4", FilePath: "chats/chat1/clip.mp4", MimeType: "video/mp4",
		Width: 640, Height: 480, Size: 2048,
		SignedURL: "https://blob/get/clip.mp4", ExpirationTime: 9000,
	}})
	if len(atts) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(atts))
	}
	a := atts[0]
	if a.State != store.UploadCompleted {
		t.Errorf("state = %q, want completed", a.State)
	}
	if a.Name != "clip.mp4" || a.FilePath != "chats/chat1/clip.mp4" || a.MimeType != "video/mp4" {
		t.Errorf("descriptor fields dropped: %+v", a)
	}
	if a.Width != 640 || a.Height != 480 || a.Size != 2048 {
		t.Errorf("dimensions dropped: %+v", a)
	}
	if a.SignedURL != "https://blob/get/clip.mp4" || a.ExpirationTime != 9000 {
		t.Errorf("read url dropped: %+v", a)
	}
	if a.LocalPath != "" || a.UploadURL != "" {
		t.Errorf("outbound-only fields should stay empty: %+v", a)
	}
}

func TestInferKindFillsGaps(t *testing.T) {
	tests := []struct {
		name string
		msg  remote.InboundMessage
		want store.Kind
	}{
		{"explicit wins", remote.InboundMessage{Kind: "blink", Content: "https://dial.to/x"}, store.KindBlink},
		{"media over empty", remote.InboundMessage{Multimedia: []remote.Media{{MimeType: "image/png"}}}, store.KindImage},
		{"media over text", remote.InboundMessage{Kind: "text", Multimedia: []remote.Media{{MimeType: "video/mp4"}}}, store.KindVideo},
		{"giphy link", remote.InboundMessage{Content: "https://media.giphy.com/media/abc/giphy.gif"}, store.KindGif},
		{"plain fallback", remote.InboundMessage{Content: "hello"}, store.KindText},
	}
	for _, tt := range tests {
		if got := inferKind(tt.msg); got != tt.want {
			t.Errorf("%s: inferKind() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBackfillFromLatest(t *testing.T) {
	e, db, _, fetcher := testEngine(t)

	db.InsertMessage(&store.Message{
		ClientMsgID: "c1", ChatID: "chat1", SenderID: "me",
		Content: "old", Kind: store.KindText, Status: store.StatusSent, CreatedAt: 3000,
	})

	fetcher.pages[3000] = []remote.InboundMessage{
		{ServerID: "s4", ChatID: "chat1", SenderID: "them", Content: "missed", Kind: "text", Timestamp: 4000},
		{ServerID: "s5", ChatID: "chat1", SenderID: "them", Content: "also missed", Kind: "text", Timestamp: 5000},
	}

	if err := e.Backfill(context.Background(), "chat1"); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	all, _ := db.ListMessages("chat1", 0, 10)
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].ServerID != "s5" {
		t.Errorf("newest = %q, want s5", all[0].ServerID)
	}
}

func TestBackfillEmptyChat(t *testing.T) {
	e, db, _, fetcher := testEngine(t)

	fetcher.pages[0] = []remote.InboundMessage{
		{ServerID: "s1", ChatID: "chat1", SenderID: "them", Content: "first", Kind: "text", Timestamp: 1000},
	}

	if err := e.Backfill(context.Background(), "chat1"); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	m, _ := db.GetByServerID("s1")
	if m == nil {
		t.Fatal("expected backfilled row")
	}
}
