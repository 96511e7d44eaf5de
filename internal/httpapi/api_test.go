package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/codec"
	"github.com/mgalvao/wch/internal/convo"
	"github.com/mgalvao/wch/internal/engine"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/names"
	"github.com/mgalvao/wch/internal/notify"
	"github.com/mgalvao/wch/internal/outbound"
	"github.com/mgalvao/wch/internal/presence"
	"github.com/mgalvao/wch/internal/realtime"
	"github.com/mgalvao/wch/internal/receipts"
	"github.com/mgalvao/wch/internal/store"
	"github.com/mgalvao/wch/internal/subs"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu      sync.Mutex
	convs   []store.Conversation
	history map[string][]store.Message
	nextID  string
}

func (f *fakeBackend) ListConversations(context.Context, string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Conversation(nil), f.convs...), nil
}

func (f *fakeBackend) ListWalletMessages(context.Context, string) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeBackend) LatestChatMessage(context.Context, string) (*store.Message, error) {
	return nil, nil
}

func (f *fakeBackend) UnreadCount(context.Context, string, string) (int, error) { return 0, nil }

func (f *fakeBackend) ListChatMessages(_ context.Context, chatID string, _ int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.history[chatID]...), nil
}

func (f *fakeBackend) ListParticipants(context.Context, string) ([]store.Participant, error) {
	return nil, nil
}

func (f *fakeBackend) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			out := c
			return &out, nil
		}
	}
	return nil, &store.Error{Status: 404, Message: "no such chat"}
}

func (f *fakeBackend) InsertMessage(_ context.Context, m store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = f.nextID
	return m, nil
}

func (f *fakeBackend) UpsertReadReceipt(context.Context, string, string, string) error { return nil }

type fakeTransport struct{}

type nopHandle struct{}

func (nopHandle) Unsubscribe() error { return nil }
func (nopHandle) Track(any) error    { return nil }

func (fakeTransport) Subscribe(_ realtime.ChannelSpec, _ realtime.EventFunc, onStatus realtime.StatusFunc) (realtime.Handle, error) {
	go onStatus(realtime.StatusSubscribed)
	return nopHandle{}, nil
}

func (fakeTransport) Close() error { return nil }

func testToken(t *testing.T, wallet string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   wallet,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func newServer(t *testing.T) (*httptest.Server, *identity.Manager, *bus.Bus) {
	t.Helper()
	backend := &fakeBackend{
		convs: []store.Conversation{
			{ID: "c1", ParticipantA: "0xaaa", ParticipantB: "0xbbb", LastActivity: time.UnixMilli(1000)},
		},
		history: map[string][]store.Message{},
		nextID:  "srv1",
	}

	b := bus.New()
	logger := zap.NewNop()
	ident, err := identity.NewManager(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}

	idx := convo.NewIndex(backend, nil, b, logger)
	list := outbound.NewList(backend, codec.Passthrough{}, b, logger)
	tracker := receipts.NewTracker(backend, b, logger)
	coord := presence.NewCoordinator(b, logger)
	mgr := subs.NewManager(func() (realtime.Transport, error) { return fakeTransport{}, nil }, b, logger)
	t.Cleanup(mgr.Close)

	eng := engine.New(engine.Deps{
		Store:    backend,
		Identity: ident,
		Codec:    codec.Passthrough{},
		Index:    idx,
		List:     list,
		Receipts: tracker,
		Presence: coord,
		Subs:     mgr,
		Notify:   notify.NewTrigger("", logger),
		Bus:      b,
		Logger:   logger,
	})

	api := New("main", eng, ident, names.NewResolver("", logger), b, logger)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, ident, b
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStatusUnauthenticated(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string]any](t, resp)
	if got["authenticated"] != false {
		t.Errorf("status = %v, want unauthenticated", got)
	}
	if got["session"] != "main" {
		t.Errorf("session = %v", got["session"])
	}
}

func TestPairFlow(t *testing.T) {
	srv, ident, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/pair", nil)
	pair := decode[map[string]string](t, resp)
	if pair["message"] == "" || pair["uri"] == "" || pair["qr"] == "" {
		t.Fatalf("pair response = %v", pair)
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(pair["message"])), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	resp = postJSON(t, srv.URL+"/v1/pair/complete", map[string]string{
		"address":   address,
		"signature": hexutil.Encode(sig),
		"token":     testToken(t, address),
	})
	if resp.StatusCode != http.StatusOK {
		body := decode[map[string]string](t, resp)
		t.Fatalf("pair/complete = %d: %v", resp.StatusCode, body)
	}
	resp.Body.Close()

	if err := ident.Current().Require(); err != nil {
		t.Errorf("identity not authenticated after pairing: %v", err)
	}
}

func TestPairCompleteRejectsSupersededNonce(t *testing.T) {
	srv, _, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/pair", nil)
	first := decode[map[string]string](t, resp)

	// A second pair request replaces the nonce; a signature over the
	// first message must no longer complete.
	resp = postJSON(t, srv.URL+"/v1/pair", nil)
	second := decode[map[string]string](t, resp)
	if first["message"] == second["message"] {
		t.Fatal("pair did not rotate the challenge message")
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(first["message"])), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27

	resp = postJSON(t, srv.URL+"/v1/pair/complete", map[string]string{
		"address":   ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		"signature": hexutil.Encode(sig),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("pair/complete with stale nonce = %d, want 401", resp.StatusCode)
	}
}

func TestConcurrentPairRequests(t *testing.T) {
	srv, _, _ := newServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := http.Post(srv.URL+"/v1/pair", "application/json", nil); err == nil {
				resp.Body.Close()
			}
			body := bytes.NewReader([]byte(`{"address":"0x0","signature":"0x0"}`))
			if resp, err := http.Post(srv.URL+"/v1/pair/complete", "application/json", body); err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
}

func TestPairCompleteRejectsBadSignature(t *testing.T) {
	srv, _, _ := newServer(t)

	resp := postJSON(t, srv.URL+"/v1/pair", nil)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/pair/complete", map[string]string{
		"address":   "0x0000000000000000000000000000000000000001",
		"signature": "0x00",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSendRequiresSelectedChat(t *testing.T) {
	srv, ident, _ := newServer(t)
	ident.SetWallet("0xaaa")

	resp := postJSON(t, srv.URL+"/v1/chats/c1/messages", map[string]any{"content": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSelectSendAndListMessages(t *testing.T) {
	srv, ident, _ := newServer(t)
	ident.SetWallet("0xaaa")
	if err := ident.SetToken("0xaaa", testToken(t, "0xaaa")); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, srv.URL+"/v1/chats/c1/select", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/chats/c1/messages", map[string]any{
		"recipient_wallet": "0xbbb",
		"content":          "hello",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send = %d", resp.StatusCode)
	}
	sent := decode[map[string]string](t, resp)
	if sent["optimistic_id"] == "" {
		t.Fatal("no optimistic id returned")
	}

	resp, err := http.Get(srv.URL + "/v1/chats/c1/messages")
	if err != nil {
		t.Fatal(err)
	}
	msgs := decode[[]store.Message](t, resp)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestEventsLongPoll(t *testing.T) {
	srv, _, b := newServer(t)

	done := make(chan []map[string]any, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/v1/events?namespace=session.&timeout=5")
		if err != nil {
			done <- nil
			return
		}
		done <- decode[[]map[string]any](t, resp)
	}()

	// Give the poller time to subscribe, then publish.
	time.Sleep(100 * time.Millisecond)
	b.Emit(bus.KindAuthRequired, nil)

	select {
	case events := <-done:
		if len(events) != 1 || events[0]["kind"] != bus.KindAuthRequired {
			t.Errorf("events = %v", events)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("long poll never returned")
	}
}

func TestEventsTimeoutReturnsEmptyList(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/events?namespace=never.&timeout=1")
	if err != nil {
		t.Fatal(err)
	}
	events := decode[[]map[string]any](t, resp)
	if len(events) != 0 {
		t.Errorf("events = %v, want empty", events)
	}
}
