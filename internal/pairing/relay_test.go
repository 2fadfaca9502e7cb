package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func startTestRelay(t *testing.T, numbers NumberUpserter) *Relay {
	t.Helper()
	relay := NewRelay(newTestMachine(t, numbers), discardLogger())
	relay.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relay.Stop(ctx)
	})
	return relay
}

func TestRelayFlowAcrossGoroutines(t *testing.T) {
	relay := startTestRelay(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")

	relay.HandleFrame(admin, []byte(`{"type":"server","step":0,"companyId":42}`))
	token := admin.next(t).Data.Token

	relay.HandleFrame(phone, []byte(fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token)))
	if r := phone.next(t); r.Data == nil || r.Data.Step != 1 {
		t.Fatalf("phone = %+v", r)
	}
	if r := admin.next(t); r.Data == nil || r.Data.Step != 1 {
		t.Fatalf("admin = %+v", r)
	}

	relay.HandleFrame(phone, []byte(fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"Support","phoneNumber":"+1"}`, token)))
	if r := phone.next(t); r.Data == nil || r.Data.Step != 2 {
		t.Fatalf("phone = %+v", r)
	}
	if r := admin.next(t); r.Data == nil || r.Data.WhatsAppNumber == nil {
		t.Fatalf("admin = %+v", r)
	}

	ctx := context.Background()
	if n, err := relay.SessionCount(ctx); err != nil || n != 0 {
		t.Fatalf("SessionCount() = %d, %v", n, err)
	}
}

func TestRelayConcurrentCreates(t *testing.T) {
	relay := startTestRelay(t, &fakeNumbers{})

	const admins = 32
	conns := make([]*fakeConn, admins)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("admin-%d", i))
		wg.Add(1)
		go func(conn *fakeConn, company int) {
			defer wg.Done()
			relay.HandleFrame(conn, []byte(fmt.Sprintf(`{"type":"server","step":0,"companyId":%d}`, company)))
		}(conns[i], i+1)
	}
	wg.Wait()

	tokens := make(map[string]bool)
	for _, conn := range conns {
		token := conn.next(t).Data.Token
		if tokens[token] {
			t.Fatalf("duplicate token %q", token)
		}
		tokens[token] = true
	}
	if n, err := relay.SessionCount(context.Background()); err != nil || n != admins {
		t.Fatalf("SessionCount() = %d, %v", n, err)
	}
}

func TestRelayLookup(t *testing.T) {
	relay := startTestRelay(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	relay.HandleFrame(admin, []byte(`{"type":"server","step":0,"companyId":9}`))
	ready := admin.next(t)

	ctx := context.Background()
	info, ok, err := relay.Lookup(ctx, ready.Data.Token)
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if info.CompanyID != 9 || info.State != StateAwaitingPhone || info.PairingURL != ready.Data.PairingURL {
		t.Fatalf("info = %+v", info)
	}
	if _, ok, _ := relay.Lookup(ctx, "missing"); ok {
		t.Fatal("Lookup() found unknown token")
	}
}

func TestRelayShutdownWaitsForPersistence(t *testing.T) {
	numbers := &fakeNumbers{gate: make(chan struct{})}
	relay := NewRelay(newTestMachine(t, numbers), discardLogger())
	relay.Start()

	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	relay.HandleFrame(admin, []byte(`{"type":"server","step":0,"companyId":42}`))
	token := admin.next(t).Data.Token
	relay.HandleFrame(phone, []byte(fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token)))
	phone.next(t)
	admin.next(t)
	relay.HandleFrame(phone, []byte(fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"A","phoneNumber":"+1"}`, token)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := relay.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	expectFail(t, phone.next(t), MsgShuttingDown)
	expectFail(t, admin.next(t), MsgShuttingDown)

	stopped := make(chan error, 1)
	go func() { stopped <- relay.Stop(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop() returned before persistence finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(numbers.gate)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(numbers.upserts()) != 1 {
		t.Fatalf("upsert calls = %d, want 1", len(numbers.upserts()))
	}
	if _, err := relay.SessionCount(ctx); !errors.Is(err, ErrRelayStopped) {
		t.Fatalf("SessionCount() after stop error = %v, want ErrRelayStopped", err)
	}
}

func TestRelayFrameAfterStop(t *testing.T) {
	relay := NewRelay(newTestMachine(t, &fakeNumbers{}), discardLogger())
	relay.Start()
	if err := relay.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	conn := newFakeConn("late")
	relay.HandleFrame(conn, []byte(`{"type":"server","step":0,"companyId":1}`))
	expectFail(t, conn.last(t), MsgShuttingDown)
}

func TestRelayHandleInvalid(t *testing.T) {
	relay := startTestRelay(t, &fakeNumbers{})
	conn := newFakeConn("binary")
	relay.HandleInvalid(conn)
	expectFail(t, conn.next(t), MsgInvalidPayload)
}

func TestRelayFramesRacingStopAreAnswered(t *testing.T) {
	relay := NewRelay(newTestMachine(t, &fakeNumbers{}), discardLogger())
	relay.Start()

	const senders = 64
	conns := make([]*fakeConn, senders)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("conn-%d", i))
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			relay.HandleFrame(conn, []byte(`{"type":"client","step":7}`))
		}(conns[i])
	}
	if err := relay.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	wg.Wait()

	for _, conn := range conns {
		got := conn.responses()
		if len(got) != 1 {
			t.Fatalf("%s got %d responses, want 1", conn.ID(), len(got))
		}
		if got[0].Msg != MsgInvalidPayload && got[0].Msg != MsgShuttingDown {
			t.Fatalf("%s got %q", conn.ID(), got[0].Msg)
		}
	}
}
