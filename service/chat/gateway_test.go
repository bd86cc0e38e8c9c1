package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/message"
	usermodel "PPChat/module/user/model"
	usersvc "PPChat/module/user/service"
	"PPChat/service/broadcast"
	"PPChat/service/chat/wire"
	"PPChat/service/presence"
	"PPChat/tools/errs"
	"PPChat/tools/security"
)

var testJWT = security.DefaultOptions([]byte("gateway-test-secret"))

// fakeTransport is an in-memory Transport. Frames written by the gateway
// arrive on out; frames pushed to in are read by the gateway.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.out <- append([]byte(nil), frame...)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeTransport) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- b
}

// next returns the next frame written to the client, decoded.
func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-f.out:
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame written")
	}
	return nil
}

func (f *fakeTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case b := <-f.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(wait):
	}
}

type harness struct {
	gw       *Gateway
	hub      *broadcast.Hub
	registry *presence.MemoryRegistry
	store    *message.MemoryStore
	dir      *usersvc.MemoryDirectory
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type outageResolver struct{}

func (outageResolver) Resolve(context.Context, string) (*usermodel.User, error) {
	return nil, errs.ErrUpstream.WrapMsg("directory down")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		hub:      broadcast.NewHub(nil),
		registry: presence.NewMemoryRegistry(),
		store:    message.NewMemoryStore(),
		dir: usersvc.NewMemoryDirectory(
			usermodel.User{ID: 1, Username: "alice"},
			usermodel.User{ID: 2, Username: "bob"},
			usermodel.User{ID: 3, Username: "carol"},
		),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.gw = NewGateway(Options{
		NodeID:   "test",
		Resolver: usersvc.NewTokenResolver(testJWT, h.dir),
		Registry: h.registry,
		Router:   h.hub,
		Store:    h.store,
		Notifier: presence.NewNotifier(h.hub, h.store, h.dir, nil),
	})
	t.Cleanup(func() {
		h.cancel()
		h.wg.Wait()
	})
	return h
}

func token(t *testing.T, user int64) string {
	t.Helper()
	tok, _, _, err := security.Generate(testJWT, strconv.FormatInt(user, 10), nil)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// open serves a connection in the background and waits until it joined.
func (h *harness) open(t *testing.T, user int64, hs Handshake) (*fakeTransport, <-chan error) {
	t.Helper()
	tr := newFakeTransport()
	if hs.Credential == "" {
		hs.Credential = token(t, user)
	}
	before := h.gw.Sessions().UserConns(user)
	done := make(chan error, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		done <- h.gw.Serve(h.ctx, tr, hs)
	}()
	waitFor(t, func() bool { return h.gw.Sessions().UserConns(user) > before })
	return tr, done
}

func (h *harness) shut(t *testing.T, tr *fakeTransport, done <-chan error) {
	t.Helper()
	tr.Close(CloseNormal, "bye")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_ScenarioA_MessageReachesBothSides(t *testing.T) {
	h := newHarness(t)
	a, da := h.open(t, 1, Handshake{Kind: KindChat, OtherUserID: 2})
	b, db := h.open(t, 2, Handshake{Kind: KindChat, OtherUserID: 1})

	a.send(t, map[string]any{"message": "  hello  "})

	for _, tr := range []*fakeTransport{a, b} {
		ev := tr.next(t)
		if ev["type"] != wire.TypeChatMessage || ev["message"] != "hello" ||
			ev["sender_id"] != float64(1) || ev["sender_username"] != "alice" || ev["timestamp"] == "" {
			t.Fatalf("chat-message = %v", ev)
		}
	}
	a.expectNone(t, 50*time.Millisecond)

	r, err := h.store.GetOrCreateRoom(context.Background(), 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := h.store.History(context.Background(), r.ID, nil)
	if len(msgs) != 1 || msgs[0].Body != "hello" || msgs[0].SenderID != 1 {
		t.Fatalf("History() = %+v", msgs)
	}

	h.shut(t, a, da)
	h.shut(t, b, db)
}

func TestGateway_ScenarioB_PresenceOnlyOnFlip(t *testing.T) {
	h := newHarness(t)
	// give user 1 a room with 2 so 2 is a partner
	if _, err := h.store.GetOrCreateRoom(context.Background(), 1, 2); err != nil {
		t.Fatal(err)
	}
	inbox, dInbox := h.open(t, 2, Handshake{Kind: KindChatList})

	x, dx := h.open(t, 1, Handshake{Kind: KindStatus})
	if ev := inbox.next(t); ev["type"] != wire.TypeStatus || ev["status"] != "online" || ev["last_online"] != nil {
		t.Fatalf("online event = %v", ev)
	}
	y, dy := h.open(t, 1, Handshake{Kind: KindChatList})
	inbox.expectNone(t, 50*time.Millisecond)

	h.shut(t, x, dx)
	inbox.expectNone(t, 50*time.Millisecond)

	h.shut(t, y, dy)
	ev := inbox.next(t)
	if ev["type"] != wire.TypeStatus || ev["status"] != "offline" || ev["user_id"] != float64(1) || ev["last_online"] == nil {
		t.Fatalf("offline event = %v", ev)
	}
	inbox.expectNone(t, 50*time.Millisecond)

	p, _ := h.registry.Presence(context.Background(), 1)
	if p.Online || p.Connections != 0 {
		t.Fatalf("presence after close = %+v", p)
	}
	h.shut(t, inbox, dInbox)
}

func TestGateway_ScenarioC_Typing(t *testing.T) {
	h := newHarness(t)
	a, da := h.open(t, 1, Handshake{Kind: KindChat, OtherUserID: 2})
	b, db := h.open(t, 2, Handshake{Kind: KindChat, OtherUserID: 1})
	inbox, di := h.open(t, 2, Handshake{Kind: KindChatList})

	a.send(t, map[string]any{"type": "typing", "is_typing": true})

	ev := b.next(t)
	if ev["type"] != wire.TypeTyping || ev["user_id"] != float64(1) || ev["is_typing"] != true {
		t.Fatalf("typing = %v", ev)
	}
	fev := inbox.next(t)
	if fev["type"] != wire.TypeFriendTyping || fev["user_id"] != float64(1) || fev["is_typing"] != true {
		t.Fatalf("friend_typing = %v", fev)
	}

	h.shut(t, a, da)
	h.shut(t, b, db)
	h.shut(t, inbox, di)
}

func TestGateway_EmptyMessageDropped(t *testing.T) {
	h := newHarness(t)
	a, da := h.open(t, 1, Handshake{Kind: KindChat, OtherUserID: 2})
	a.send(t, map[string]any{"type": "chat_message", "body": " \n "})
	a.expectNone(t, 100*time.Millisecond)
	if got, _ := h.store.PartnersOf(context.Background(), 1); len(got) != 0 {
		t.Fatalf("room created for empty message: %v", got)
	}
	h.shut(t, a, da)
}

func TestGateway_MalformedAndUnsupportedFrames(t *testing.T) {
	h := newHarness(t)
	a, da := h.open(t, 1, Handshake{Kind: KindChatList})

	a.in <- []byte("{not json")
	if ev := a.next(t); ev["type"] != wire.TypeError {
		t.Fatalf("malformed = %v", ev)
	}
	a.send(t, map[string]any{"type": "typing", "is_typing": true})
	if ev := a.next(t); ev["type"] != wire.TypeError {
		t.Fatalf("unsupported = %v", ev)
	}
	a.send(t, map[string]any{"type": "dance"})
	if ev := a.next(t); ev["type"] != wire.TypeError {
		t.Fatalf("unknown = %v", ev)
	}
	select {
	case <-a.closed:
		t.Fatalf("connection closed on bad frames")
	default:
	}
	h.shut(t, a, da)
}

func TestGateway_RejectsWithoutMutation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		hs   Handshake
		res  usersvc.IdentityResolver
		code int
		err  *errs.CodeError
	}{
		{"missing credential", Handshake{Kind: KindChatList}, nil, ClosePolicy, errs.ErrAuthentication},
		{"garbage credential", Handshake{Kind: KindChatList, Credential: "nope"}, nil, ClosePolicy, errs.ErrAuthentication},
		{"unknown user", Handshake{Kind: KindChatList, Credential: token(t, 99)}, nil, ClosePolicy, errs.ErrAuthentication},
		{"self chat", Handshake{Kind: KindChat, OtherUserID: 1, Credential: token(t, 1)}, nil, ClosePolicy, errs.ErrValidation},
		{"resolver outage", Handshake{Kind: KindChatList, Credential: "x"}, outageResolver{}, CloseTryAgain, errs.ErrUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := h.gw
			if tc.res != nil {
				gw = NewGateway(Options{Resolver: tc.res, Registry: h.registry, Router: h.hub, Store: h.store,
					Notifier: presence.NewNotifier(h.hub, h.store, h.dir, nil)})
			}
			tr := newFakeTransport()
			err := gw.Serve(context.Background(), tr, tc.hs)
			if !errors.Is(err, tc.err) {
				t.Fatalf("Serve() error = %v, want %v", err, tc.err)
			}
			if tr.closeCode() != tc.code {
				t.Fatalf("close code = %d, want %d", tr.closeCode(), tc.code)
			}
			if p, _ := h.registry.Presence(context.Background(), 1); p.Connections != 0 {
				t.Fatalf("registry mutated: %+v", p)
			}
			if h.hub.Groups() != 0 {
				t.Fatalf("groups left behind: %d", h.hub.Groups())
			}
		})
	}
}

func TestGateway_SelfChatSendsErrorFirst(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	_ = h.gw.Serve(context.Background(), tr, Handshake{Kind: KindChat, OtherUserID: 1, Credential: token(t, 1)})
	if ev := tr.next(t); ev["type"] != wire.TypeError {
		t.Fatalf("first frame = %v", ev)
	}
}

type failingRegistry struct{ presence.Registry }

func (failingRegistry) Open(context.Context, int64) (presence.Transition, error) {
	return presence.Transition{}, errs.ErrUpstream.WrapMsg("redis down")
}

func TestGateway_RegistryOutageLeavesGroups(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(Options{
		Resolver: usersvc.NewTokenResolver(testJWT, h.dir),
		Registry: failingRegistry{h.registry},
		Router:   h.hub,
		Store:    h.store,
		Notifier: presence.NewNotifier(h.hub, h.store, h.dir, nil),
	})
	tr := newFakeTransport()
	err := gw.Serve(context.Background(), tr, Handshake{Kind: KindChat, OtherUserID: 2, Credential: token(t, 1)})
	if !errors.Is(err, errs.ErrUpstream) || tr.closeCode() != CloseTryAgain {
		t.Fatalf("Serve() = %v, close %d", err, tr.closeCode())
	}
	if h.hub.Groups() != 0 {
		t.Fatalf("room group not left")
	}
}

type brokenStore struct{ message.Store }

func (brokenStore) GetOrCreateRoom(context.Context, int64, int64) (*chatmodel.ChatRoom, error) {
	return nil, errs.ErrUpstream.WrapMsg("postgres down")
}

func TestGateway_PersistenceOutageClosesTryAgain(t *testing.T) {
	h := newHarness(t)
	gw := NewGateway(Options{
		Resolver: usersvc.NewTokenResolver(testJWT, h.dir),
		Registry: h.registry,
		Router:   h.hub,
		Store:    brokenStore{h.store},
		Notifier: presence.NewNotifier(h.hub, h.store, h.dir, nil),
	})
	tr := newFakeTransport()
	done := make(chan error, 1)
	go func() {
		done <- gw.Serve(context.Background(), tr, Handshake{Kind: KindChat, OtherUserID: 2, Credential: token(t, 1)})
	}()
	waitFor(t, func() bool { return gw.Sessions().UserConns(1) == 1 })

	tr.send(t, map[string]any{"message": "hi"})
	if ev := tr.next(t); ev["type"] != wire.TypeError {
		t.Fatalf("frame = %v", ev)
	}
	<-done
	if tr.closeCode() != CloseTryAgain {
		t.Fatalf("close code = %d", tr.closeCode())
	}
	if p, _ := h.registry.Presence(context.Background(), 1); p.Connections != 0 {
		t.Fatalf("registry not released: %+v", p)
	}
}

func TestGateway_ShutdownCleansUp(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.open(t, 1, Handshake{Kind: KindChat, OtherUserID: 2})
	}
	h.open(t, 2, Handshake{Kind: KindChatList})

	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, u := range []int64{1, 2} {
		if p, _ := h.registry.Presence(context.Background(), u); p.Connections != 0 {
			t.Fatalf("user %d still counted: %+v", u, p)
		}
	}
	if h.hub.Groups() != 0 || h.gw.Sessions().Count() != 0 {
		t.Fatalf("leaked groups=%d sessions=%d", h.hub.Groups(), h.gw.Sessions().Count())
	}
}

func TestGateway_FinalizeOnce(t *testing.T) {
	h := newHarness(t)
	tr, done := h.open(t, 1, Handshake{Kind: KindStatus})

	// close from both sides at once
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Close(CloseNormal, "race")
		}()
	}
	h.gw.Sessions().CloseAll(CloseNormal, reasonShutdown)
	wg.Wait()
	<-done

	p, _ := h.registry.Presence(context.Background(), 1)
	if p.Connections != 0 || p.Online || p.LastOnline == nil {
		t.Fatalf("presence = %+v", p)
	}
	if h.gw.Sessions().Count() != 0 || h.hub.Groups() != 0 {
		t.Fatalf("leaked sessions=%d groups=%d", h.gw.Sessions().Count(), h.hub.Groups())
	}
}

type countingRegistry struct {
	presence.Registry
	mu     sync.Mutex
	closes int
}

func (c *countingRegistry) Close(ctx context.Context, user int64) (presence.Transition, error) {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Registry.Close(ctx, user)
}

func TestGateway_WriteFailureClosesOnce(t *testing.T) {
	h := newHarness(t)
	reg := &countingRegistry{Registry: h.registry}
	gw := NewGateway(Options{
		Resolver: usersvc.NewTokenResolver(testJWT, h.dir),
		Registry: reg,
		Router:   h.hub,
		Store:    h.store,
		Notifier: presence.NewNotifier(h.hub, h.store, h.dir, nil),
	})
	tr := newFakeTransport()
	done := make(chan error, 1)
	go func() {
		done <- gw.Serve(context.Background(), tr, Handshake{Kind: KindChatList, Credential: token(t, 2)})
	}()
	waitFor(t, func() bool { return gw.Sessions().UserConns(2) == 1 })

	// the writer fails on a closed pipe and the reader sees EOF
	tr.Close(CloseInternal, "network")
	h.hub.Publish(context.Background(), "chatlist_2", broadcast.Event{Type: "x", Frame: []byte(`{}`)})
	<-done

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closes != 1 {
		t.Fatalf("registry Close called %d times", reg.closes)
	}
}

// stallingPartners holds the first PartnersOf call after arm until release
// is closed.
type stallingPartners struct {
	presence.PartnerSource
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func (p *stallingPartners) PartnersOf(ctx context.Context, user int64) ([]int64, error) {
	if p.armed.CompareAndSwap(true, false) {
		close(p.stalled)
		select {
		case <-p.release:
		case <-ctx.Done():
		}
	}
	return p.PartnerSource.PartnersOf(ctx, user)
}

func TestGateway_StatusEventsFollowRegistryOrder(t *testing.T) {
	h := newHarness(t)
	partners := &stallingPartners{
		PartnerSource: h.store,
		stalled:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	h.gw = NewGateway(Options{
		Resolver: usersvc.NewTokenResolver(testJWT, h.dir),
		Registry: h.registry,
		Router:   h.hub,
		Store:    h.store,
		Notifier: presence.NewNotifier(h.hub, partners, h.dir, nil),
	})
	if _, err := h.store.GetOrCreateRoom(context.Background(), 1, 2); err != nil {
		t.Fatal(err)
	}
	inbox, dInbox := h.open(t, 2, Handshake{Kind: KindChatList})
	x, dx := h.open(t, 1, Handshake{Kind: KindStatus})
	if ev := inbox.next(t); ev["status"] != "online" {
		t.Fatalf("first event = %v", ev)
	}

	// the offline fan-out of x stalls while user 1 connects again
	partners.armed.Store(true)
	x.Close(CloseNormal, "bye")
	select {
	case <-partners.stalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("offline broadcast never started")
	}
	y := newFakeTransport()
	dy := make(chan error, 1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		dy <- h.gw.Serve(h.ctx, y, Handshake{Kind: KindStatus, Credential: token(t, 1)})
	}()
	time.Sleep(50 * time.Millisecond)
	close(partners.release)

	<-dx
	waitFor(t, func() bool { return h.gw.Sessions().UserConns(1) == 1 })

	var got []any
	for i := 0; i < 2; i++ {
		got = append(got, inbox.next(t)["status"])
	}
	inbox.expectNone(t, 50*time.Millisecond)
	if got[0] != "offline" || got[1] != "online" {
		t.Fatalf("status events = %v, want [offline online]", got)
	}
	p, _ := h.registry.Presence(context.Background(), 1)
	if !p.Online || p.Connections != 1 {
		t.Fatalf("presence = %+v", p)
	}

	h.shut(t, y, dy)
	h.shut(t, inbox, dInbox)
}

func TestGateway_ServeAfterShutdownRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	tr := newFakeTransport()
	err := h.gw.Serve(context.Background(), tr, Handshake{Kind: KindChatList, Credential: token(t, 1)})
	if !errors.Is(err, errs.ErrUpstream) || tr.closeCode() != CloseNormal {
		t.Fatalf("Serve() = %v, close %d", err, tr.closeCode())
	}
	if p, _ := h.registry.Presence(context.Background(), 1); p.Connections != 0 {
		t.Fatalf("registry mutated: %+v", p)
	}
	if h.hub.Groups() != 0 || h.gw.Sessions().Count() != 0 {
		t.Fatalf("groups=%d sessions=%d", h.hub.Groups(), h.gw.Sessions().Count())
	}
}
