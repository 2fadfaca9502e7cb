package pairing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/pairrelay/internal/storage"
	"github.com/haasonsaas/pairrelay/pkg/models"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	closed bool
	sent   []Response
	events chan Response
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, events: make(chan Response, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.sent = append(c.sent, resp)
	select {
	case c.events <- resp:
	default:
	}
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Response, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) last(t *testing.T) Response {
	t.Helper()
	sent := c.responses()
	if len(sent) == 0 {
		t.Fatalf("conn %s received nothing", c.id)
	}
	return sent[len(sent)-1]
}

// next waits for the next response delivered to c.
func (c *fakeConn) next(t *testing.T) Response {
	t.Helper()
	select {
	case resp := <-c.events:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response on %s", c.id)
		return Response{}
	}
}

type fakeNumbers struct {
	mu    sync.Mutex
	calls []storage.NumberUpsert
	err   error
	gate  chan struct{}
}

func (f *fakeNumbers) UpsertNumber(ctx context.Context, in storage.NumberUpsert) (*models.WhatsAppNumber, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &models.WhatsAppNumber{
		ID:           fmt.Sprintf("num-%d", len(f.calls)),
		CompanyID:    in.CompanyID,
		DisplayName:  in.DisplayName,
		PhoneNumber:  in.PhoneNumber,
		IsConnected:  in.IsConnected,
		LastSyncedAt: in.LastSyncedAt,
		CreatedAt:    in.LastSyncedAt,
		UpdatedAt:    in.LastSyncedAt,
	}, nil
}

func (f *fakeNumbers) upserts() []storage.NumberUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.NumberUpsert, len(f.calls))
	copy(out, f.calls)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, numbers NumberUpserter) *Machine {
	t.Helper()
	machine, err := NewMachine(NewStore(), numbers, MachineConfig{
		BaseURL: "http://localhost:3000",
		Path:    "/whatsapp/qr",
		TTL:     3 * time.Minute,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return machine
}

func sendFrame(m *Machine, conn Conn, frame string) {
	m.HandleFrame(conn, []byte(frame))
}

// mustCreate runs a create for companyID and returns the minted token.
func mustCreate(t *testing.T, m *Machine, admin *fakeConn, companyID int64) string {
	t.Helper()
	sendFrame(m, admin, fmt.Sprintf(`{"type":"server","step":0,"companyId":%d}`, companyID))
	resp := admin.last(t)
	if resp.Code != CodeOK || resp.Data == nil || resp.Data.Token == "" {
		t.Fatalf("create response = %+v", resp)
	}
	return resp.Data.Token
}

func mustJoin(t *testing.T, m *Machine, phone *fakeConn, token string) {
	t.Helper()
	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	if resp := phone.last(t); resp.Code != CodeOK {
		t.Fatalf("join response = %+v", resp)
	}
}

func expectFail(t *testing.T, resp Response, msg string) {
	t.Helper()
	if resp.Code != CodeFail || resp.Msg != msg {
		t.Fatalf("response = {code:%d msg:%q}, want {code:-1 msg:%q}", resp.Code, resp.Msg, msg)
	}
	if resp.Data != nil {
		t.Fatalf("error response carried data: %+v", resp.Data)
	}
}
