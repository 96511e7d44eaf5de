// Package httpapi exposes the daemon's local control surface over
// HTTP. Clients (the terminal UI, scripts) talk JSON to it; the engine
// does the work.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/engine"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/names"
	"github.com/mgalvao/wch/internal/outbound"
	"github.com/mgalvao/wch/internal/store"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// API is the HTTP handler set for one daemon session.
type API struct {
	session string
	engine  *engine.Engine
	ident   *identity.Manager
	names   *names.Resolver
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	pairing *identity.Pairing
}

func New(session string, eng *engine.Engine, ident *identity.Manager, resolver *names.Resolver, b *bus.Bus, logger *zap.Logger) *API {
	return &API{
		session: session,
		engine:  eng,
		ident:   ident,
		names:   resolver,
		bus:     b,
		logger:  logger,
	}
}

// Handler builds the routed handler with CORS for local tooling.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/pair", a.handlePair).Methods(http.MethodPost)
	r.HandleFunc("/v1/pair/complete", a.handlePairComplete).Methods(http.MethodPost)
	r.HandleFunc("/v1/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations", a.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id}/select", a.handleSelectChat).Methods(http.MethodPost)
	r.HandleFunc("/v1/chats/close", a.handleCloseChat).Methods(http.MethodPost)
	r.HandleFunc("/v1/chats/{id}/messages", a.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id}/messages", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{optimistic_id}/retry", a.handleRetry).Methods(http.MethodPost)
	r.HandleFunc("/v1/chats/{id}/typing", a.handleTyping).Methods(http.MethodPost)
	r.HandleFunc("/v1/chats/{id}/presence", a.handlePresence).Methods(http.MethodGet)
	r.HandleFunc("/v1/chats/{id}/receipts", a.handleReceipts).Methods(http.MethodGet)
	r.HandleFunc("/v1/focus", a.handleFocus).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", a.handleEvents).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

type statusResponse struct {
	Session       string          `json:"session"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	DisplayName   string          `json:"display_name,omitempty"`
	Authenticated bool            `json:"authenticated"`
	SelectedChat  string          `json:"selected_chat,omitempty"`
	Channels      []channelStatus `json:"channels"`
}

type channelStatus struct {
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	LastConnected time.Time `json:"last_connected,omitempty"`
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	info := a.ident.Current()
	resp := statusResponse{
		Session:       a.session,
		WalletAddress: info.WalletAddress,
		Authenticated: info.Require() == nil,
		SelectedChat:  a.engine.Selected(),
	}
	if info.WalletAddress != "" {
		resp.DisplayName = a.names.Display(info.WalletAddress)
	}
	for _, ch := range a.engine.Channels() {
		resp.Channels = append(resp.Channels, channelStatus{
			Kind:          string(ch.Kind),
			State:         string(ch.State),
			LastConnected: ch.LastConnected,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handlePair(w http.ResponseWriter, _ *http.Request) {
	p := identity.NewPairing(a.session)
	qr, err := p.QR()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.mu.Lock()
	a.pairing = p
	a.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{
		"uri":     p.URI(),
		"message": p.Message(),
		"qr":      qr,
	})
}

type pairCompleteRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Token     string `json:"token"`
}

func (a *API) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	p := a.pairing
	a.mu.Unlock()
	if p == nil {
		respondError(w, http.StatusConflict, "no pairing in progress")
		return
	}
	var req pairCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := p.Complete(req.Address, req.Signature); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	// A concurrent /v1/pair may have replaced the pairing; only clear
	// the one this signature actually completed.
	a.mu.Lock()
	if a.pairing == p {
		a.pairing = nil
	}
	a.mu.Unlock()

	a.ident.SetWallet(req.Address)
	if req.Token != "" {
		if err := a.ident.SetToken(req.Address, req.Token); err != nil {
			a.logger.Warn("token persist failed", zap.Error(err))
		}
	}
	address := a.ident.Current().WalletAddress
	a.bus.Emit(bus.KindAuthPaired, address)

	if err := a.engine.Start(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"wallet_address": address})
}

func (a *API) handleLogout(w http.ResponseWriter, _ *http.Request) {
	a.engine.CloseChat()
	a.ident.ClearWallet()
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type conversationView struct {
	store.Conversation
	PeerName string `json:"peer_name,omitempty"`
	Preview  string `json:"preview,omitempty"`
	Unread   bool   `json:"unread"`
}

func (a *API) handleConversations(w http.ResponseWriter, _ *http.Request) {
	wallet := a.ident.Current().WalletAddress
	convs := a.engine.Conversations()
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		v := conversationView{Conversation: c, Unread: c.Unread}
		v.PeerName = a.names.Display(c.Peer(wallet))
		if c.LastMessage != nil {
			v.Preview = c.LastMessage.Content
		}
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if err := a.engine.SelectChat(r.Context(), chatID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"selected": chatID})
}

func (a *API) handleCloseChat(w http.ResponseWriter, _ *http.Request) {
	a.engine.CloseChat()
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if a.engine.Selected() != chatID {
		respondError(w, http.StatusConflict, "chat is not selected")
		return
	}
	respondJSON(w, http.StatusOK, a.engine.Messages())
}

type sendRequest struct {
	RecipientWallet string         `json:"recipient_wallet"`
	Content         string         `json:"content"`
	Type            string         `json:"type"`
	Metadata        map[string]any `json:"metadata"`
	Encrypt         bool           `json:"encrypt"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if a.engine.Selected() != chatID {
		respondError(w, http.StatusConflict, "chat is not selected")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	optID, err := a.engine.Send(r.Context(), outbound.SendParams{
		RecipientWallet: req.RecipientWallet,
		Content:         req.Content,
		Type:            store.MessageType(req.Type),
		Metadata:        req.Metadata,
		Encrypt:         req.Encrypt,
	})
	if err != nil {
		// The optimistic entry is already in the list marked failed;
		// tell the caller which one.
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"optimistic_id": optID,
			"error":         err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"optimistic_id": optID})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	optID := mux.Vars(r)["optimistic_id"]
	newID, err := a.engine.RetryMessage(r.Context(), optID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"optimistic_id": newID})
}

type typingRequest struct {
	State string `json:"state"` // start | extend | stop
}

func (a *API) handleTyping(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if a.engine.Selected() != chatID {
		respondError(w, http.StatusConflict, "chat is not selected")
		return
	}
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.State {
	case "start":
		a.engine.StartTyping()
	case "extend":
		a.engine.ExtendTyping()
	case "stop":
		a.engine.StopTyping()
	default:
		respondError(w, http.StatusBadRequest, "state must be start, extend or stop")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if a.engine.Selected() != chatID {
		respondError(w, http.StatusConflict, "chat is not selected")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"users":  a.engine.Presence(),
		"typing": a.engine.TypingWallets(),
	})
}

func (a *API) handleReceipts(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if a.engine.Selected() != chatID {
		respondError(w, http.StatusConflict, "chat is not selected")
		return
	}
	respondJSON(w, http.StatusOK, a.engine.Receipts())
}

type focusRequest struct {
	Focused bool `json:"focused"`
}

func (a *API) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	a.engine.SetFocused(req.Focused)
	respondJSON(w, http.StatusOK, map[string]bool{"focused": req.Focused})
}

type eventView struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// handleEvents long-polls the bus: it returns as soon as one event in
// the requested namespace arrives, or an empty list on timeout.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	timeout := 25 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 && secs <= 60 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	ch, unsub := a.bus.Subscribe(namespace, 64)
	defer unsub()

	var events []eventView
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-ch:
		events = append(events, eventView{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload})
		// Drain whatever arrived together with it.
	drain:
		for {
			select {
			case evt := <-ch:
				events = append(events, eventView{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: evt.Payload})
			default:
				break drain
			}
		}
	case <-timer.C:
	case <-r.Context().Done():
	}

	if events == nil {
		events = []eventView{}
	}
	respondJSON(w, http.StatusOK, events)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case isAuthErr(err):
		respondError(w, http.StatusUnauthorized, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func isAuthErr(err error) bool {
	return errors.Is(err, identity.ErrAuthRequired)
}
