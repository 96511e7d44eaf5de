package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/codec"
	"github.com/mgalvao/wch/internal/config"
	"github.com/mgalvao/wch/internal/convo"
	"github.com/mgalvao/wch/internal/engine"
	"github.com/mgalvao/wch/internal/httpapi"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/lock"
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

func testAPI(t *testing.T) *httpapi.API {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()

	ident, err := identity.NewManager(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}

	client := store.NewClient("http://127.0.0.1:1", "anon", ident)
	dial := func() (realtime.Transport, error) {
		return realtime.Dial("ws://127.0.0.1:1", "anon", "", logger)
	}

	idx := convo.NewIndex(client, nil, b, logger)
	list := outbound.NewList(client, codec.Passthrough{}, b, logger)
	tracker := receipts.NewTracker(client, b, logger)
	coord := presence.NewCoordinator(b, logger)
	mgr := subs.NewManager(dial, b, logger)
	t.Cleanup(mgr.Close)

	eng := engine.New(engine.Deps{
		Store:    client,
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
	return httpapi.New("test", eng, ident, names.NewResolver("", logger), b, logger)
}

func TestServerLifecycle(t *testing.T) {
	api := testAPI(t)

	// Port 0 keeps the test free of fixed-port collisions.
	srv, err := NewServer(Params{SessionName: "test", ListenAddr: "127.0.0.1:0"}, &config.Config{}, api, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/v1/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["session"] != "test" {
		t.Errorf("session = %v, want test", got["session"])
	}
	if got["authenticated"] != false {
		t.Errorf("fresh daemon reports authenticated: %v", got)
	}

	srv.Stop(context.Background())
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v after graceful stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListenAddrPrecedence(t *testing.T) {
	api := testAPI(t)

	// The Params override wins over config.
	srv, err := NewServer(
		Params{SessionName: "test", ListenAddr: "127.0.0.1:0"},
		&config.Config{ListenAddr: "10.0.0.1:1"},
		api,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Stop(context.Background())

	if srv.Addr() == "10.0.0.1:1" {
		t.Error("config address used despite override")
	}
}

func TestLockPreventsSecondDaemon(t *testing.T) {
	dir := t.TempDir()
	lk, err := lock.Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(dir); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}

	// Lock file names the owner.
	data, err := os.ReadFile(lk.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("lock file empty")
	}
}
