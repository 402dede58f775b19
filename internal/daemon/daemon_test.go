package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/api"
	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/focus"
	"github.com/yarsha/chatsync/internal/history"
	"github.com/yarsha/chatsync/internal/linkscan"
	"github.com/yarsha/chatsync/internal/lock"
	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/send"
	"github.com/yarsha/chatsync/internal/status"
	"github.com/yarsha/chatsync/internal/store"
	intsync "github.com/yarsha/chatsync/internal/sync"
	"github.com/yarsha/chatsync/internal/upload"
)

// TestDaemonLifecycle composes the daemon by hand against a fake backend and
// drives one send end to end through the control API.
func TestDaemonLifecycle(t *testing.T) {
	sessionDir := t.TempDir()

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	// A second daemon on the same session must be refused.
	if _, err := lock.Acquire(sessionDir); err == nil {
		t.Fatal("second lock acquire should fail")
	} else {
		var held *lock.LockHeldError
		if !errors.As(err, &held) {
			t.Fatalf("expected LockHeldError, got %v", err)
		}
	}

	b := bus.New()
	db, err := store.Open(filepath.Join(sessionDir, "messages.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/messages":
			var msg remote.OutboundMessage
			json.NewDecoder(r.Body).Decode(&msg)
			json.NewEncoder(w).Encode(remote.Ack{ServerID: "srv-" + msg.ClientMsgID, Timestamp: time.Now().UnixMilli()})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"messages": []remote.InboundMessage{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	logger := zap.NewNop()
	machine := status.NewMachine(b)
	client := remote.NewClient(backend.URL, logger)
	mgr := upload.NewManager(db, client, client, logger)
	pipeline := send.NewPipeline(db, client, mgr, linkscan.NewScanner(logger), b, logger)
	pipeline.Start(context.Background())
	defer pipeline.Close()
	engine := intsync.NewEngine(db, b, client, logger)
	engine.Start(context.Background())
	defer engine.Close()
	loader := history.NewLoader(db, engine, client, 50, logger)
	stream := remote.NewStream("ws://unused.invalid", b, machine, logger)
	coord := focus.NewCoordinator(stream, engine, logger)

	refresher := upload.NewRefresher(db, client, logger)
	srv := api.NewServer(pipeline, coord, loader, refresher, db, machine, logger)
	control := httptest.NewServer(srv.Router())
	defer control.Close()

	// Focus a chat, then send through the control API.
	req, _ := http.NewRequest(http.MethodPut, control.URL+"/v1/focus/chat1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("focus status = %d", resp.StatusCode)
	}

	resp, err = http.Post(control.URL+"/v1/chats/chat1/messages", "application/json",
		strings.NewReader(`{"senderId":"me","content":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	var sendBody map[string]string
	json.NewDecoder(resp.Body).Decode(&sendBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	id := sendBody["clientMsgId"]
	var final *store.Message
	for i := 0; i < 200; i++ {
		final, _ = db.GetByClientID(id)
		if final != nil && final.Status == store.StatusSent {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final == nil || final.Status != store.StatusSent {
		t.Fatalf("message never delivered: %+v", final)
	}
	if final.ServerID != "srv-"+id {
		t.Errorf("server id = %q", final.ServerID)
	}

	// The delivered message shows up in the chat page.
	resp, err = http.Get(control.URL + "/v1/chats/chat1/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var page struct {
		Messages []json.RawMessage `json:"messages"`
	}
	json.NewDecoder(resp.Body).Decode(&page)
	if len(page.Messages) != 1 {
		t.Errorf("expected 1 message in page, got %d", len(page.Messages))
	}
}
