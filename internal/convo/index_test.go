package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/store"
	"go.uber.org/zap"
)

var ident = identity.Info{WalletAddress: "0xme", Connected: true, Authenticated: true}

type fakeStore struct {
	mu        sync.Mutex
	convs     []store.Conversation
	msgs      []store.Message
	latest    map[string]store.Message
	unread    map[string]int
	unreadErr map[string]error

	listFailures int // transient errors returned before success
	listCalls    int
}

func (f *fakeStore) ListConversations(_ context.Context, _ string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listFailures > 0 {
		f.listFailures--
		return nil, &store.Error{Status: 503, Message: "unavailable"}
	}
	return append([]store.Conversation(nil), f.convs...), nil
}

func (f *fakeStore) ListWalletMessages(_ context.Context, _ string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.msgs...), nil
}

func (f *fakeStore) LatestChatMessage(_ context.Context, chatID string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.latest[chatID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakeStore) UnreadCount(_ context.Context, chatID, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.unreadErr[chatID]; ok {
		return 0, err
	}
	return f.unread[chatID], nil
}

// testIndex returns an index whose retry sleeps are recorded, not slept.
func testIndex(f *fakeStore) (*Index, *[]time.Duration) {
	ix := NewIndex(f, nil, bus.New(), zap.NewNop())
	delays := &[]time.Duration{}
	ix.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return ix, delays
}

func conv(id string, activityMs int64) store.Conversation {
	return store.Conversation{
		ID: id, ParticipantA: "0xme", ParticipantB: "0xpeer",
		LastActivity: time.UnixMilli(activityMs),
	}
}

func TestLoadAllJoinsLatestAndSorts(t *testing.T) {
	f := &fakeStore{
		convs: []store.Conversation{conv("a", 1000), conv("b", 2000)},
		msgs: []store.Message{
			// Newest first, as the store returns them.
			{ID: "m3", ChatID: "a", Content: "newest in a", CreatedAt: time.UnixMilli(5000)},
			{ID: "m2", ChatID: "b", Content: "newest in b", CreatedAt: time.UnixMilli(3000)},
			{ID: "m1", ChatID: "a", Content: "older", CreatedAt: time.UnixMilli(500)},
		},
		unread: map[string]int{"b": 2},
	}
	ix, _ := testIndex(f)

	got, err := ix.LoadAll(context.Background(), ident)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations", len(got))
	}
	// Chat a's latest message (t=5000) outranks chat b (t=3000).
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s,%s; want a,b", got[0].ID, got[1].ID)
	}
	if got[0].LastMessage == nil || got[0].LastMessage.Content != "newest in a" {
		t.Errorf("preview = %+v", got[0].LastMessage)
	}
	if !got[1].Unread {
		t.Error("chat b should be unread")
	}
	if got[0].Unread {
		t.Error("chat a should be read")
	}
	if !ix.IsUnread("b") {
		t.Error("IsUnread(b) = false")
	}
}

func TestLoadAllAuthRequired(t *testing.T) {
	ix, _ := testIndex(&fakeStore{})
	_, err := ix.LoadAll(context.Background(), identity.Info{})
	if !errors.Is(err, identity.ErrAuthRequired) {
		t.Errorf("error = %v, want ErrAuthRequired", err)
	}
}

func TestLoadAllRetriesTransient(t *testing.T) {
	f := &fakeStore{convs: []store.Conversation{conv("a", 1000)}, listFailures: 2}
	ix, delays := testIndex(f)

	_, err := ix.LoadAll(context.Background(), ident)
	if err != nil {
		t.Fatalf("LoadAll() error = %v, want recovery", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestLoadAllTerminalAfterRetries(t *testing.T) {
	f := &fakeStore{listFailures: 100}
	ix, delays := testIndex(f)

	_, err := ix.LoadAll(context.Background(), ident)
	if !store.IsTransient(err) {
		t.Fatalf("error = %v, want terminal transient store error", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
}

func TestLoadAllNoRetryOnPermanentError(t *testing.T) {
	ix, delays := testIndex(&fakeStore{})
	ix.fetch = permanentFailStore{}

	_, err := ix.LoadAll(context.Background(), ident)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(*delays) != 0 {
		t.Errorf("permanent error retried %d times, want 0", len(*delays))
	}
}

type permanentFailStore struct{}

func (permanentFailStore) ListConversations(context.Context, string) ([]store.Conversation, error) {
	return nil, &store.Error{Status: 400, Message: "bad request"}
}
func (permanentFailStore) ListWalletMessages(context.Context, string) ([]store.Message, error) {
	return nil, nil
}
func (permanentFailStore) LatestChatMessage(context.Context, string) (*store.Message, error) {
	return nil, nil
}
func (permanentFailStore) UnreadCount(context.Context, string, string) (int, error) {
	return 0, nil
}

func TestUnreadCheckFailureTreatedAsRead(t *testing.T) {
	f := &fakeStore{
		convs:     []store.Conversation{conv("a", 1000)},
		unreadErr: map[string]error{"a": errors.New("rpc broken")},
	}
	ix, _ := testIndex(f)

	got, err := ix.LoadAll(context.Background(), ident)
	if err != nil {
		t.Fatalf("LoadAll() error = %v (unread failures must be tolerated)", err)
	}
	if got[0].Unread {
		t.Error("failed unread check should default to read")
	}
}

func TestApplyUpdateMovesToFrontStable(t *testing.T) {
	f := &fakeStore{
		convs: []store.Conversation{conv("a", 3000), conv("b", 2000), conv("c", 1000)},
		latest: map[string]store.Message{
			"c": {ID: "m9", ChatID: "c", Content: "bump", CreatedAt: time.UnixMilli(9000)},
		},
	}
	ix, _ := testIndex(f)
	if _, err := ix.LoadAll(context.Background(), ident); err != nil {
		t.Fatal(err)
	}

	updated := conv("c", 9000)
	ix.ApplyUpdate(context.Background(), updated)

	got := ix.Snapshot()
	wantOrder := []string{"c", "a", "b"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("order = %v, want %v", ids(got), wantOrder)
		}
	}
	if got[0].LastMessage == nil || got[0].LastMessage.Content != "bump" {
		t.Errorf("updated preview = %+v, want refetched latest", got[0].LastMessage)
	}
	// Sort invariant holds after the event.
	for i := 1; i < len(got); i++ {
		if got[i].LastActivity.After(got[i-1].LastActivity) {
			t.Errorf("list unsorted at %d", i)
		}
	}
}

func TestApplyInsertIgnoresDuplicate(t *testing.T) {
	f := &fakeStore{convs: []store.Conversation{conv("a", 1000)}}
	ix, _ := testIndex(f)
	if _, err := ix.LoadAll(context.Background(), ident); err != nil {
		t.Fatal(err)
	}

	ix.ApplyInsert(context.Background(), conv("a", 2000))
	if got := ix.Snapshot(); len(got) != 1 {
		t.Errorf("duplicate insert grew list to %d", len(got))
	}
}

func TestApplyInsertFetchesPreviewAsync(t *testing.T) {
	f := &fakeStore{
		latest: map[string]store.Message{
			"new": {ID: "m1", ChatID: "new", Content: "first", CreatedAt: time.UnixMilli(100)},
		},
	}
	ix, _ := testIndex(f)

	ix.ApplyInsert(context.Background(), conv("new", 100))

	// The entry is visible immediately, possibly without a preview.
	if got := ix.Snapshot(); len(got) != 1 {
		t.Fatalf("got %d conversations", len(got))
	}

	deadline := time.After(2 * time.Second)
	for {
		got := ix.Snapshot()
		if got[0].LastMessage != nil && got[0].LastMessage.Content == "first" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("preview never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMarkAndClearUnread(t *testing.T) {
	f := &fakeStore{convs: []store.Conversation{conv("a", 1000)}}
	ix, _ := testIndex(f)
	if _, err := ix.LoadAll(context.Background(), ident); err != nil {
		t.Fatal(err)
	}

	ix.MarkUnread("a")
	if !ix.IsUnread("a") || !ix.Snapshot()[0].Unread {
		t.Error("MarkUnread not reflected")
	}
	ix.ClearUnread("a")
	if ix.IsUnread("a") || ix.Snapshot()[0].Unread {
		t.Error("ClearUnread not reflected")
	}
}

func ids(convs []store.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
