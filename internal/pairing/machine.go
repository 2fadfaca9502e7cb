package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/pairrelay/internal/observability"
	"github.com/haasonsaas/pairrelay/internal/storage"
	"github.com/haasonsaas/pairrelay/pkg/models"
)

// Session outcomes recorded when a session leaves the store.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
	OutcomeShutdown  = "shutdown"
	OutcomeReplaced  = "replaced"
)

// DefaultPersistTimeout bounds a device record upsert.
const DefaultPersistTimeout = 10 * time.Second

// NumberUpserter is the persistence collaborator used on submit.
type NumberUpserter interface {
	UpsertNumber(ctx context.Context, in storage.NumberUpsert) (*models.WhatsAppNumber, error)
}

// AuthorizeFunc decides whether conn may create sessions for companyID.
type AuthorizeFunc func(conn Conn, companyID int64) error

// MachineConfig configures a Machine.
type MachineConfig struct {
	BaseURL        string
	Path           string
	TTL            time.Duration
	PersistTimeout time.Duration

	Authorize AuthorizeFunc
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Machine implements the pairing protocol.
//
// Machine is not safe for concurrent use. Every method must run on the
// relay loop; persistence completions come back through post.
type Machine struct {
	store          *Store
	numbers        NumberUpserter
	pairingURL     *url.URL
	ttl            time.Duration
	persistTimeout time.Duration
	authorize      AuthorizeFunc
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	now            func() time.Time

	spawn func(func())
	post  func(func())

	closing bool
}

// NewMachine creates a machine backed by store and numbers.
func NewMachine(store *Store, numbers NumberUpserter, cfg MachineConfig) (*Machine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if numbers == nil {
		return nil, errors.New("number store is required")
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse pairing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("pairing base url %q must be absolute", cfg.BaseURL)
	}
	if path := strings.TrimSpace(cfg.Path); path != "" {
		base = base.JoinPath(path)
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:          store,
		numbers:        numbers,
		pairingURL:     base,
		ttl:            cfg.TTL,
		persistTimeout: cfg.PersistTimeout,
		authorize:      cfg.Authorize,
		logger:         logger.With("component", "pairing"),
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		now:            time.Now,
		spawn:          runInline,
		post:           runInline,
	}, nil
}

// PairingURL returns the phone-facing URL for token.
func (m *Machine) PairingURL(token string) string {
	u := *m.pairingURL
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleFrame decodes raw and runs the matching transition. Errors are
// answered on conn; the connection is never closed here.
func (m *Machine) HandleFrame(conn Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling frame",
				"conn", conn.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			m.reply(conn, Fail(MsgUnexpectedError))
		}
	}()

	frame, err := DecodeFrame(raw)
	if err != nil {
		m.logger.Debug("rejected frame", "conn", conn.ID(), "error", err)
		m.metrics.FrameHandled("unknown", "", "error")
		m.reply(conn, Fail(MsgInvalidPayload))
		return
	}

	step := strconv.Itoa(frame.Step)
	t, ok := transitions[transitionKey{frame.Role(), frame.Step}]
	if !ok {
		m.metrics.FrameHandled(frame.Type, step, "error")
		m.reply(conn, Fail(MsgInvalidPayload))
		return
	}

	ctx, span := m.tracer.TraceFrame(context.Background(), frame.Type, frame.Step, conn.ID())
	defer span.End()

	if err := m.apply(ctx, t, conn, frame); err != nil {
		observability.RecordError(span, err)
		m.metrics.FrameHandled(frame.Type, step, "error")
		var reply replyError
		if !errors.As(err, &reply) {
			m.logger.Error("transition failed", "transition", t.name, "conn", conn.ID(), "error", err)
			reply = MsgUnexpectedError
		}
		m.reply(conn, Fail(string(reply)))
		return
	}
	m.metrics.FrameHandled(frame.Type, step, "ok")
}

func (m *Machine) apply(ctx context.Context, t transition, conn Conn, frame *Frame) error {
	call := &transitionCall{ctx: ctx, conn: conn, frame: frame}
	if t.lookup != nil {
		session, err := t.lookup(m, conn, frame)
		if err != nil {
			return err
		}
		if t.owner != nil {
			if err := t.owner(m, conn, session); err != nil {
				return err
			}
		}
		if err := t.allows(session.State()); err != nil {
			return err
		}
		call.session = session
	}
	return t.run(m, call)
}

func (m *Machine) createSession(call *transitionCall) error {
	if m.closing {
		return replyError(MsgShuttingDown)
	}
	frame := call.frame
	if frame.CompanyID == nil || *frame.CompanyID <= 0 {
		return replyError(MsgInvalidCompany)
	}
	companyID := *frame.CompanyID
	if m.authorize != nil {
		if err := m.authorize(call.conn, companyID); err != nil {
			m.logger.Warn("create rejected", "conn", call.conn.ID(), "company_id", companyID, "error", err)
			return replyError(MsgUnauthorized)
		}
	}

	if token, ok := m.store.FindByConnection(call.conn.ID()); ok {
		if previous, ok := m.store.Get(token); ok {
			if role, _ := previous.RoleOf(call.conn.ID()); role != RoleAdmin {
				return replyError(MsgMismatch)
			}
			m.notify(previous.Phone, Fail(MsgAdminCancelled))
			closeConn(previous.Phone)
			m.end(previous, OutcomeReplaced)
		}
	}

	session, err := m.store.Create(companyID, call.conn)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	m.metrics.SessionStarted()
	m.logger.Info("pairing session created",
		"token", observability.ShortToken(session.Token),
		"company_id", companyID,
		"conn", call.conn.ID(),
	)
	m.reply(call.conn, OK(MsgReady, ResponseData{
		Step:       0,
		Token:      session.Token,
		PairingURL: m.PairingURL(session.Token),
	}))
	return nil
}

func (m *Machine) joinSession(call *transitionCall) error {
	session := call.session
	if session.Phone == nil {
		if err := m.store.Bind(session.Token, RolePhone, call.conn); err != nil {
			return fmt.Errorf("bind phone: %w", err)
		}
		m.logger.Info("phone joined pairing session",
			"token", observability.ShortToken(session.Token),
			"conn", call.conn.ID(),
		)
	}
	m.reply(call.conn, OK(MsgPaired, ResponseData{Step: 1}))
	m.notify(session.Admin, OK(MsgDeviceScanned, ResponseData{Step: 1}))
	return nil
}

func (m *Machine) submitDetails(call *transitionCall) error {
	displayName := strings.TrimSpace(call.frame.DisplayName)
	phoneNumber := strings.TrimSpace(call.frame.PhoneNumber)
	if displayName == "" || phoneNumber == "" {
		return replyError(MsgMissingDetails)
	}

	session := call.session
	session.submitting = true
	upsert := storage.NumberUpsert{
		CompanyID:    session.CompanyID,
		PhoneNumber:  phoneNumber,
		DisplayName:  displayName,
		IsConnected:  true,
		LastSyncedAt: m.now().UTC(),
	}
	parent := context.WithoutCancel(call.ctx)
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(parent, m.persistTimeout)
		defer cancel()
		ctx, span := m.tracer.TracePersist(ctx, upsert.CompanyID, session.Token)
		started := time.Now()
		record, err := m.numbers.UpsertNumber(ctx, upsert)
		elapsed := time.Since(started)
		observability.RecordError(span, err)
		span.End()
		m.post(func() { m.completeSubmit(session, record, err, elapsed) })
	})
	return nil
}

// completeSubmit runs on the loop once persistence returns. Either party may
// have gone away meanwhile; notify re-checks readiness.
func (m *Machine) completeSubmit(session *Session, record *models.WhatsAppNumber, err error, elapsed time.Duration) {
	if err != nil {
		m.metrics.RecordPersist("error", elapsed.Seconds())
		m.logger.Error("device record upsert failed",
			"token", observability.ShortToken(session.Token),
			"company_id", session.CompanyID,
			"error", err,
		)
		m.notify(session.Phone, Fail(MsgSaveFailed))
		m.notify(session.Admin, Fail(MsgSaveFailed))
		m.end(session, OutcomeFailed)
		return
	}

	m.metrics.RecordPersist("success", elapsed.Seconds())
	m.logger.Info("device linked",
		"token", observability.ShortToken(session.Token),
		"company_id", session.CompanyID,
		"number_id", record.ID,
	)
	m.notify(session.Phone, OK(MsgDeviceLinked, ResponseData{Step: 2}))
	m.notify(session.Admin, OK(MsgDeviceLinked, ResponseData{Step: 2, WhatsAppNumber: record.Normalized()}))
	m.end(session, OutcomeCompleted)
}

// HandleClose cleans up after a socket closes or errors.
func (m *Machine) HandleClose(conn Conn) {
	token, ok := m.store.FindByConnection(conn.ID())
	if !ok {
		return
	}
	session, ok := m.store.Get(token)
	if !ok {
		return
	}
	role, _ := session.RoleOf(conn.ID())
	switch role {
	case RoleAdmin:
		m.notify(session.Phone, Fail(MsgAdminCancelled))
		closeConn(session.Phone)
	case RolePhone:
		m.notify(session.Admin, Fail(MsgPhoneGone))
		closeConn(session.Admin)
	}
	m.logger.Info("pairing session cancelled",
		"token", observability.ShortToken(token),
		"disconnected", string(role),
		"state", session.State().String(),
	)
	m.end(session, OutcomeCancelled)
}

// Sweep evicts sessions older than the TTL at now and returns how many
// were removed.
func (m *Machine) Sweep(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	var expired []*Session
	m.store.Each(func(s *Session) {
		if s.Age(now) > m.ttl {
			expired = append(expired, s)
		}
	})
	for _, session := range expired {
		m.terminate(session, MsgExpired, OutcomeExpired)
	}
	if len(expired) > 0 {
		m.logger.Info("expired pairing sessions", "count", len(expired))
	}
	return len(expired)
}

// Shutdown tells every open party the server is stopping, closes them and
// clears the store. Later creates are refused.
func (m *Machine) Shutdown() {
	m.closing = true
	var live []*Session
	m.store.Each(func(s *Session) { live = append(live, s) })
	for _, session := range live {
		m.terminate(session, MsgShuttingDown, OutcomeShutdown)
	}
	m.store.Clear()
}

// Lookup returns the live session for token.
func (m *Machine) Lookup(token string) (*Session, bool) {
	return m.store.Get(token)
}

// SessionCount returns the number of live sessions.
func (m *Machine) SessionCount() int {
	return m.store.Len()
}

func (m *Machine) terminate(session *Session, msg, outcome string) {
	m.notify(session.Admin, Fail(msg))
	m.notify(session.Phone, Fail(msg))
	closeConn(session.Admin)
	closeConn(session.Phone)
	m.end(session, outcome)
}

// end removes session if it is still live. A second call is a no-op.
func (m *Machine) end(session *Session, outcome string) {
	if current, ok := m.store.Get(session.Token); !ok || current != session {
		return
	}
	m.store.Remove(session.Token)
	m.metrics.SessionEnded(outcome, m.now().Sub(session.CreatedAt).Seconds())
}

func (m *Machine) reply(conn Conn, resp Response) {
	if err := conn.Send(resp); err != nil {
		m.logger.Warn("send failed", "conn", conn.ID(), "error", err)
	}
}

// notify sends resp to conn when it is still open.
func (m *Machine) notify(conn Conn, resp Response) {
	if conn == nil || !conn.Ready() {
		return
	}
	m.reply(conn, resp)
}

// runInline is the default spawn and post until a Relay takes over; it
// makes persistence synchronous.
func runInline(fn func()) { fn() }

func closeConn(conn Conn) {
	if conn != nil && conn.Ready() {
		conn.Close()
	}
}
