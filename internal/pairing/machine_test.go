package pairing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewMachineValidation(t *testing.T) {
	numbers := &fakeNumbers{}
	tests := []struct {
		name    string
		store   *Store
		numbers NumberUpserter
		baseURL string
	}{
		{name: "nil store", numbers: numbers, baseURL: "http://localhost:3000"},
		{name: "nil numbers", store: NewStore(), baseURL: "http://localhost:3000"},
		{name: "relative base url", store: NewStore(), numbers: numbers, baseURL: "/qr"},
		{name: "bad base url", store: NewStore(), numbers: numbers, baseURL: "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMachine(tt.store, tt.numbers, MachineConfig{BaseURL: tt.baseURL}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCreateRepliesWithTokenAndPairingURL(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")

	sendFrame(m, admin, `{"type":"server","step":0,"companyId":42}`)
	resp := admin.last(t)
	if resp.Code != CodeOK || resp.Msg != MsgReady || resp.Data == nil || resp.Data.Step != 0 {
		t.Fatalf("response = %+v", resp)
	}
	want := "http://localhost:3000/whatsapp/qr?token=" + resp.Data.Token
	if resp.Data.PairingURL != want {
		t.Fatalf("pairingUrl = %q, want %q", resp.Data.PairingURL, want)
	}
	session, ok := m.store.Get(resp.Data.Token)
	if !ok || session.CompanyID != 42 || session.Admin != Conn(admin) {
		t.Fatalf("stored session = %+v, %v", session, ok)
	}
}

func TestCreateTokensUniqueAcrossSessions(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	tokens := make(map[string]bool)
	for i := 0; i < 50; i++ {
		admin := newFakeConn(fmt.Sprintf("admin-%d", i))
		token := mustCreate(t, m, admin, int64(i+1))
		if tokens[token] {
			t.Fatalf("duplicate token %q", token)
		}
		tokens[token] = true
		u, err := url.Parse(admin.last(t).Data.PairingURL)
		if err != nil {
			t.Fatalf("parse pairing url: %v", err)
		}
		if u.Query().Get("token") != token {
			t.Fatalf("pairing url %q does not carry token %q", u, token)
		}
	}
}

func TestCreateRejectsInvalidCompany(t *testing.T) {
	for _, frame := range []string{
		`{"type":"server","step":0}`,
		`{"type":"server","step":0,"companyId":0}`,
		`{"type":"server","step":0,"companyId":-3}`,
	} {
		m := newTestMachine(t, &fakeNumbers{})
		admin := newFakeConn("admin")
		sendFrame(m, admin, frame)
		expectFail(t, admin.last(t), MsgInvalidCompany)
		if m.SessionCount() != 0 {
			t.Fatalf("%s created a session", frame)
		}
	}
}

func TestCreateAuthorization(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	m.authorize = func(conn Conn, companyID int64) error {
		if companyID != 42 {
			return errors.New("company not allowed")
		}
		return nil
	}

	admin := newFakeConn("admin")
	sendFrame(m, admin, `{"type":"server","step":0,"companyId":7}`)
	expectFail(t, admin.last(t), MsgUnauthorized)
	if m.SessionCount() != 0 {
		t.Fatal("unauthorized create stored a session")
	}
	mustCreate(t, m, admin, 42)
}

func TestSecondCreateReplacesOwnSession(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")

	first := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, first)
	second := mustCreate(t, m, admin, 42)

	if first == second {
		t.Fatal("expected a new token")
	}
	if _, ok := m.store.Get(first); ok {
		t.Fatal("old session still live")
	}
	expectFail(t, phone.last(t), MsgAdminCancelled)
	if phone.Ready() {
		t.Fatal("phone of replaced session should be closed")
	}
	if token, _ := m.store.FindByConnection("admin"); token != second {
		t.Fatalf("admin indexed to %q, want %q", token, second)
	}
}

func TestCreateFromPhoneConnectionIsMismatch(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	phone := newFakeConn("phone")
	token := mustCreate(t, m, newFakeConn("admin"), 42)
	mustJoin(t, m, phone, token)

	sendFrame(m, phone, `{"type":"server","step":0,"companyId":42}`)
	expectFail(t, phone.last(t), MsgMismatch)
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", m.SessionCount())
	}
}

func TestJoinUnknownToken(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	phone := newFakeConn("phone")

	sendFrame(m, phone, `{"type":"client","step":0,"token":"nope"}`)
	expectFail(t, phone.last(t), MsgNotFound)
	sendFrame(m, phone, `{"type":"client","step":0}`)
	expectFail(t, phone.last(t), MsgNotFound)

	if m.SessionCount() != 0 {
		t.Fatal("join with unknown token created a session")
	}
}

func TestJoinNotifiesBothParties(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))

	if resp := phone.last(t); resp.Code != CodeOK || resp.Data.Step != 1 {
		t.Fatalf("phone response = %+v", resp)
	}
	if resp := admin.last(t); resp.Code != CodeOK || resp.Msg != MsgDeviceScanned || resp.Data.Step != 1 {
		t.Fatalf("admin response = %+v", resp)
	}
}

func TestJoinSecondSocketRejected(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	first := newFakeConn("phone-1")
	second := newFakeConn("phone-2")
	token := mustCreate(t, m, newFakeConn("admin"), 42)

	mustJoin(t, m, first, token)
	sendFrame(m, second, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	expectFail(t, second.last(t), MsgTokenLinked)

	session, _ := m.store.Get(token)
	if session.Phone.ID() != "phone-1" {
		t.Fatalf("phone = %s, want phone-1", session.Phone.ID())
	}
	if _, ok := m.store.FindByConnection("phone-2"); ok {
		t.Fatal("rejected socket was indexed")
	}
	if !second.Ready() {
		t.Fatal("rejected socket must stay open")
	}
}

func TestJoinSameSocketTwice(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	phone := newFakeConn("phone")
	token := mustCreate(t, m, newFakeConn("admin"), 42)

	mustJoin(t, m, phone, token)
	mustJoin(t, m, phone, token)

	indexed := 0
	for _, indexedToken := range m.store.index {
		if indexedToken == token {
			indexed++
		}
	}
	if indexed != 2 {
		t.Fatalf("index entries for session = %d, want 2 (admin and phone)", indexed)
	}
}

func TestJoinFromAdminOrOtherSessionIsMismatch(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	token := mustCreate(t, m, admin, 42)

	sendFrame(m, admin, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	expectFail(t, admin.last(t), MsgMismatch)

	phone := newFakeConn("phone")
	mustJoin(t, m, phone, token)
	other := mustCreate(t, m, newFakeConn("admin-2"), 43)
	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, other))
	expectFail(t, phone.last(t), MsgMismatch)
}

func TestSubmitPersistsAndCompletes(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"  Support ","phoneNumber":" +5511999999999 "}`, token))

	calls := numbers.upserts()
	if len(calls) != 1 {
		t.Fatalf("upsert calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.CompanyID != 42 || call.PhoneNumber != "+5511999999999" || call.DisplayName != "Support" || !call.IsConnected {
		t.Fatalf("upsert = %+v", call)
	}
	if call.LastSyncedAt.IsZero() {
		t.Fatal("LastSyncedAt not set")
	}

	if resp := phone.last(t); resp.Code != CodeOK || resp.Data.Step != 2 || resp.Data.WhatsAppNumber != nil {
		t.Fatalf("phone response = %+v", resp)
	}
	resp := admin.last(t)
	if resp.Code != CodeOK || resp.Data.Step != 2 || resp.Data.WhatsAppNumber == nil {
		t.Fatalf("admin response = %+v", resp)
	}
	if resp.Data.WhatsAppNumber.PhoneNumber != "+5511999999999" {
		t.Fatalf("record = %+v", resp.Data.WhatsAppNumber)
	}
	if _, ok := m.store.Get(token); ok {
		t.Fatal("session survived completion")
	}
	if _, ok := m.store.FindByConnection("phone"); ok {
		t.Fatal("phone index survived completion")
	}
}

func TestSubmitWithoutTokenUsesConnectionIndex(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	phone := newFakeConn("phone")
	token := mustCreate(t, m, newFakeConn("admin"), 42)
	mustJoin(t, m, phone, token)

	sendFrame(m, phone, `{"type":"client","step":1,"displayName":"Support","phoneNumber":"+1"}`)
	if len(numbers.upserts()) != 1 {
		t.Fatal("expected persistence via connection index")
	}
}

func TestSubmitFromUnboundSocketIsMismatch(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	admin := newFakeConn("admin")
	token := mustCreate(t, m, admin, 42)

	intruder := newFakeConn("intruder")
	frames := []string{
		fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"A","phoneNumber":"+1"}`, token),
		fmt.Sprintf(`{"type":"client","step":1,"token":%q}`, token),
	}
	for _, frame := range frames {
		sendFrame(m, intruder, frame)
		expectFail(t, intruder.last(t), MsgMismatch)
	}

	mustJoin(t, m, newFakeConn("phone"), token)
	for _, frame := range frames {
		sendFrame(m, intruder, frame)
		expectFail(t, intruder.last(t), MsgMismatch)
		sendFrame(m, admin, frame)
		expectFail(t, admin.last(t), MsgMismatch)
	}
	if len(numbers.upserts()) != 0 {
		t.Fatal("persistence called for mismatched sender")
	}
	if _, ok := m.store.Get(token); !ok {
		t.Fatal("session removed by mismatched submit")
	}

	stranger := newFakeConn("stranger")
	for _, frame := range []string{
		`{"type":"client","step":1,"displayName":"A","phoneNumber":"+1"}`,
		`{"type":"client","step":1,"token":"deadbeef","displayName":"A","phoneNumber":"+1"}`,
		`{"type":"client","step":1}`,
	} {
		sendFrame(m, stranger, frame)
		expectFail(t, stranger.last(t), MsgMismatch)
	}
	if len(numbers.upserts()) != 0 {
		t.Fatal("persistence called for unknown sender")
	}
}

func TestSubmitMissingDetails(t *testing.T) {
	tests := []struct {
		name   string
		fields string
	}{
		{name: "both missing", fields: ``},
		{name: "empty display name", fields: `,"displayName":"","phoneNumber":"+1"`},
		{name: "whitespace phone", fields: `,"displayName":"Support","phoneNumber":"   "`},
		{name: "whitespace name", fields: `,"displayName":" \t ","phoneNumber":"+1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			numbers := &fakeNumbers{}
			m := newTestMachine(t, numbers)
			phone := newFakeConn("phone")
			token := mustCreate(t, m, newFakeConn("admin"), 42)
			mustJoin(t, m, phone, token)

			sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":1,"token":%q%s}`, token, tt.fields))
			expectFail(t, phone.last(t), MsgMissingDetails)
			if len(numbers.upserts()) != 0 {
				t.Fatal("persistence called with missing details")
			}
			if _, ok := m.store.Get(token); !ok {
				t.Fatal("session removed on missing details")
			}
		})
	}
}

func TestSubmitWhilePersistingRejected(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	var pending []func()
	m.spawn = func(fn func()) { pending = append(pending, fn) }

	phone := newFakeConn("phone")
	token := mustCreate(t, m, newFakeConn("admin"), 42)
	mustJoin(t, m, phone, token)

	submit := fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"A","phoneNumber":"+1"}`, token)
	sendFrame(m, phone, submit)
	sendFrame(m, phone, submit)
	expectFail(t, phone.last(t), MsgAlreadySubmit)

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	expectFail(t, phone.last(t), MsgAlreadySubmit)

	if len(pending) != 1 {
		t.Fatalf("spawned persistence = %d, want 1", len(pending))
	}
	pending[0]()
	if len(numbers.upserts()) != 1 {
		t.Fatalf("upsert calls = %d, want 1", len(numbers.upserts()))
	}
}

func TestSubmitPersistenceFailure(t *testing.T) {
	numbers := &fakeNumbers{err: errors.New("pq: duplicate key value violates unique constraint")}
	m := newTestMachine(t, numbers)
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"A","phoneNumber":"+1"}`, token))

	expectFail(t, phone.last(t), MsgSaveFailed)
	expectFail(t, admin.last(t), MsgSaveFailed)
	if strings.Contains(admin.last(t).Msg, "pq") {
		t.Fatal("store error leaked to client")
	}
	if _, ok := m.store.Get(token); ok {
		t.Fatal("session survived failed persistence")
	}

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	expectFail(t, phone.last(t), MsgNotFound)
}

func TestAdminDisconnectCancelsPairing(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)

	admin.Close()
	m.HandleClose(admin)

	expectFail(t, phone.last(t), MsgAdminCancelled)
	if phone.Ready() {
		t.Fatal("phone should be closed after admin disconnect")
	}
	if _, ok := m.store.Get(token); ok {
		t.Fatal("session survived admin disconnect")
	}
	m.HandleClose(phone)
}

func TestPhoneDisconnectNotifiesAdmin(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)

	phone.Close()
	m.HandleClose(phone)

	expectFail(t, admin.last(t), MsgPhoneGone)
	if admin.Ready() {
		t.Fatal("admin should be closed after phone disconnect")
	}
	if _, ok := m.store.Get(token); ok {
		t.Fatal("session survived phone disconnect")
	}
}

func TestDisconnectOfUnknownConnectionIsNoop(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	mustCreate(t, m, admin, 42)

	m.HandleClose(newFakeConn("stranger"))
	if m.SessionCount() != 1 {
		t.Fatal("unrelated disconnect removed a session")
	}
}

func TestDisconnectDuringPersistence(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	var pending []func()
	m.spawn = func(fn func()) { pending = append(pending, fn) }

	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)
	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"A","phoneNumber":"+1"}`, token))

	phone.Close()
	m.HandleClose(phone)
	expectFail(t, admin.last(t), MsgPhoneGone)
	before := len(admin.responses())

	pending[0]()
	if len(admin.responses()) != before {
		t.Fatal("closed admin received completion")
	}
	if len(numbers.upserts()) != 1 {
		t.Fatal("persistence should still run once")
	}
	if m.SessionCount() != 0 {
		t.Fatal("session count should be zero")
	}
}

func TestInvalidPayloadKeepsSession(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	token := mustCreate(t, m, admin, 42)

	for _, raw := range []string{`not json`, `{"type":"server","step":-1}`, `{"type":"server","step":5}`, `{"type":"client","step":9}`} {
		sendFrame(m, admin, raw)
		expectFail(t, admin.last(t), MsgInvalidPayload)
	}
	if _, ok := m.store.Get(token); !ok || !admin.Ready() {
		t.Fatal("invalid payload disturbed the session")
	}
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	m.authorize = func(Conn, int64) error { panic("boom") }
	admin := newFakeConn("admin")

	sendFrame(m, admin, `{"type":"server","step":0,"companyId":1}`)
	expectFail(t, admin.last(t), MsgUnexpectedError)
	if !admin.Ready() {
		t.Fatal("connection closed after recovered panic")
	}
}

func TestSweepExpiresOldSessions(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.store.now = func() time.Time { return start }

	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)

	m.store.now = func() time.Time { return start.Add(2 * time.Minute) }
	freshAdmin := newFakeConn("fresh")
	fresh := mustCreate(t, m, freshAdmin, 43)

	if n := m.Sweep(start.Add(3 * time.Minute)); n != 0 {
		t.Fatalf("Sweep() at ttl boundary removed %d", n)
	}
	if n := m.Sweep(start.Add(3*time.Minute + time.Second)); n != 1 {
		t.Fatalf("Sweep() removed %d, want 1", n)
	}
	expectFail(t, admin.last(t), MsgExpired)
	expectFail(t, phone.last(t), MsgExpired)
	if admin.Ready() || phone.Ready() {
		t.Fatal("expired parties should be closed")
	}
	if _, ok := m.store.Get(token); ok {
		t.Fatal("expired session still live")
	}
	if _, ok := m.store.Get(fresh); !ok || !freshAdmin.Ready() {
		t.Fatal("fresh session should survive")
	}
}

func TestShutdownNotifiesEveryone(t *testing.T) {
	m := newTestMachine(t, &fakeNumbers{})
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")
	token := mustCreate(t, m, admin, 42)
	mustJoin(t, m, phone, token)
	lone := newFakeConn("lone")
	mustCreate(t, m, lone, 43)

	m.Shutdown()

	for _, conn := range []*fakeConn{admin, phone, lone} {
		expectFail(t, conn.last(t), MsgShuttingDown)
		if conn.Ready() {
			t.Fatalf("%s still open after shutdown", conn.id)
		}
	}
	if m.SessionCount() != 0 {
		t.Fatal("sessions survived shutdown")
	}

	late := newFakeConn("late")
	sendFrame(m, late, `{"type":"server","step":0,"companyId":1}`)
	expectFail(t, late.last(t), MsgShuttingDown)
}

func TestEndToEndScenario(t *testing.T) {
	numbers := &fakeNumbers{}
	m := newTestMachine(t, numbers)
	admin := newFakeConn("admin")
	phone := newFakeConn("phone")

	sendFrame(m, admin, `{"type":"server","step":0,"companyId":42}`)
	ready := admin.last(t)
	if ready.Code != CodeOK || ready.Msg != "Ready" || ready.Data.Step != 0 {
		t.Fatalf("ready = %+v", ready)
	}
	token := ready.Data.Token
	if !strings.HasSuffix(ready.Data.PairingURL, "/whatsapp/qr?token="+token) {
		t.Fatalf("pairingUrl = %q", ready.Data.PairingURL)
	}

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	if r := phone.last(t); r.Code != 0 || r.Data.Step != 1 {
		t.Fatalf("phone step 1 = %+v", r)
	}
	if r := admin.last(t); r.Code != 0 || r.Data.Step != 1 {
		t.Fatalf("admin step 1 = %+v", r)
	}

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":1,"token":%q,"displayName":"Support","phoneNumber":"+5511999999999"}`, token))
	if r := phone.last(t); r.Code != 0 || r.Data.Step != 2 {
		t.Fatalf("phone step 2 = %+v", r)
	}
	linked := admin.last(t)
	if linked.Code != 0 || linked.Data.Step != 2 || linked.Data.WhatsAppNumber == nil {
		t.Fatalf("admin step 2 = %+v", linked)
	}
	if linked.Data.WhatsAppNumber.CompanyID != 42 || linked.Data.WhatsAppNumber.DisplayName != "Support" {
		t.Fatalf("record = %+v", linked.Data.WhatsAppNumber)
	}

	sendFrame(m, phone, fmt.Sprintf(`{"type":"client","step":0,"token":%q}`, token))
	expectFail(t, phone.last(t), MsgNotFound)
}
