package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const storeTimeout = 10 * time.Second

// InboundHandler receives every inbound message of a connection, one at a
// time and in arrival order.
type InboundHandler interface {
	HandleInbound(ctx context.Context, conn *domain.Connection, msg *transport.InboundMessage)
}

// Publisher is the notification side channel.
type Publisher interface {
	PublishConnectionUpdate(u notify.ConnectionUpdate)
}

type Options struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RestoreParallel      int
}

// Manager owns the connection state machine:
//
//	connecting -> qr_required | connected
//	qr_required -> connected | disconnected
//	connected -> disconnected
//	disconnected -> connecting (explicit connect, regenerate or scheduled reconnect)
type Manager struct {
	connections repository.ConnectionRepository
	dialer      transport.Dialer
	registry    *Registry
	publisher   Publisher
	inbound     InboundHandler
	metrics     *metrics.Metrics
	opts        Options

	createLocks *common.KeyedMutex[string]

	mu         sync.Mutex
	reconnects map[int64]*reconnectTask
	attempts   map[int64]int
	stopping   bool

	loops sync.WaitGroup
}

type reconnectTask struct {
	timer     *time.Timer
	cancelled bool
}

func NewManager(
	connections repository.ConnectionRepository,
	dialer transport.Dialer,
	registry *Registry,
	publisher Publisher,
	inbound InboundHandler,
	m *metrics.Metrics,
	opts Options,
) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.RestoreParallel <= 0 {
		opts.RestoreParallel = 8
	}
	return &Manager{
		connections: connections,
		dialer:      dialer,
		registry:    registry,
		publisher:   publisher,
		inbound:     inbound,
		metrics:     m,
		opts:        opts,
		createLocks: common.NewKeyedMutex[string](),
		reconnects:  make(map[int64]*reconnectTask),
		attempts:    make(map[int64]int),
	}
}

// CreateConnection finds or creates the tenant's row for name and starts a
// transport session for it. QR or open is reported asynchronously.
func (m *Manager) CreateConnection(ctx context.Context, tenantID int64, name string) (*domain.Connection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("connection name is required")
	}

	unlock := m.createLocks.Lock(fmt.Sprintf("%d/%s", tenantID, name))
	conn, err := m.connections.FindByTenantAndName(ctx, tenantID, name)
	if errs.IsNotFound(err) {
		conn = &domain.Connection{TenantID: tenantID, DisplayName: name, Status: domain.StatusDisconnected}
		err = m.connections.Create(ctx, conn)
	}
	unlock()
	if err != nil {
		return nil, err
	}
	return m.Connect(ctx, conn.ID)
}

// Connect starts a session for an existing connection row. At most one live
// session exists per row; a second call gets ErrAlreadyActive.
func (m *Manager) Connect(ctx context.Context, connectionID int64) (*domain.Connection, error) {
	unlock := m.registry.Lock(connectionID)
	defer unlock()

	if _, live := m.registry.Get(connectionID); live {
		return nil, errs.ErrAlreadyActive
	}
	m.cancelReconnect(connectionID)

	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return m.connectLocked(ctx, conn)
}

// RegenerateQR discards the current session and stored credentials of a
// connection and pairs it again, reusing the same row.
func (m *Manager) RegenerateQR(ctx context.Context, connectionID int64) (*domain.Connection, error) {
	unlock := m.registry.Lock(connectionID)
	defer unlock()

	m.cancelReconnect(connectionID)
	m.resetAttempts(connectionID)

	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if h, live := m.registry.Get(connectionID); live {
		m.evict(h)
		if conn.Status == domain.StatusConnected {
			if err := h.Session.Logout(ctx); err != nil {
				zap.L().Warn("session: logout before qr regeneration failed",
					zap.Int64("connection_id", connectionID), zap.Error(err))
			}
		}
		h.stop()
	}
	m.forget(ctx, conn)
	conn.DeviceJID = ""
	conn.PhoneNumber = ""
	return m.connectLocked(ctx, conn)
}

// Disconnect logs the device out and always leaves the row disconnected with
// QR, phone and credentials cleared, whatever the transport answered.
func (m *Manager) Disconnect(ctx context.Context, connectionID int64) error {
	unlock := m.registry.Lock(connectionID)
	defer unlock()

	m.cancelReconnect(connectionID)
	m.resetAttempts(connectionID)

	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if h, live := m.registry.Get(connectionID); live {
		m.evict(h)
		if err := h.Session.Logout(ctx); err != nil {
			zap.L().Warn("session: transport logout failed, marking disconnected anyway",
				zap.Int64("connection_id", connectionID), zap.Error(err))
		}
		h.stop()
	}
	m.forget(ctx, conn)

	return m.transition(conn, domain.StatusDisconnected, map[string]interface{}{
		"qr_code":      "",
		"phone_number": "",
		"device_jid":   "",
	})
}

// IsLive reports whether a transport session is registered for the id.
func (m *Manager) IsLive(connectionID int64) bool {
	_, ok := m.registry.Get(connectionID)
	return ok
}

// Status returns the persisted snapshot of a connection.
func (m *Manager) Status(ctx context.Context, connectionID int64) (*domain.Connection, error) {
	return m.connections.GetByID(ctx, connectionID)
}

// Restore reconnects every connection that holds stored credentials. Rows
// without credentials cannot come back on their own and are marked
// disconnected.
func (m *Manager) Restore(ctx context.Context) error {
	conns, err := m.connections.ListAll(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.RestoreParallel)
	restored := 0
	for _, c := range conns {
		c := c
		if c.DeviceJID == "" {
			if c.Status != domain.StatusDisconnected {
				m.markOrphan(c)
			}
			continue
		}
		restored++
		g.Go(func() error {
			if _, err := m.Connect(gctx, c.ID); err != nil && !errors.Is(err, errs.ErrAlreadyActive) {
				zap.L().Warn("session: restore failed",
					zap.Int64("connection_id", c.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	zap.L().Info("session: restore finished", zap.Int("connections", len(conns)), zap.Int("restored", restored))
	return nil
}

// ExpireStaleQR moves connections waiting on a QR scan for longer than maxAge
// to disconnected.
func (m *Manager) ExpireStaleQR(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := m.connections.ListByStatusBefore(ctx, domain.StatusQRRequired, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range stale {
		unlock := m.registry.Lock(c.ID)
		if h, live := m.registry.Get(c.ID); live {
			m.evict(h)
			h.stop()
		}
		m.cancelReconnect(c.ID)
		if err := m.transition(c, domain.StatusDisconnected, map[string]interface{}{"qr_code": ""}); err == nil {
			expired++
		}
		unlock()
	}
	if expired > 0 {
		zap.L().Info("session: expired stale qr codes", zap.Int("count", expired))
	}
	return expired, nil
}

// Shutdown drains the registry. Sessions are closed without logout so their
// credentials survive a restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	for id, t := range m.reconnects {
		t.cancelled = true
		t.timer.Stop()
		delete(m.reconnects, id)
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(m.opts.RestoreParallel)
	for _, id := range m.registry.IDs() {
		id := id
		g.Go(func() error {
			unlock := m.registry.Lock(id)
			defer unlock()
			h, live := m.registry.Get(id)
			if !live {
				return nil
			}
			m.evict(h)
			h.stop()
			c := *h.conn
			return m.transition(&c, domain.StatusDisconnected, map[string]interface{}{"qr_code": ""})
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	zap.L().Info("session: manager stopped")
	return err
}

// connectLocked dials the transport and registers the handle. The caller
// holds the id lock and has checked that no session is live.
func (m *Manager) connectLocked(ctx context.Context, conn *domain.Connection) (*domain.Connection, error) {
	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return nil, errs.Transport("connect", conn.ID, errors.New("manager is shutting down"))
	}

	if err := m.transition(conn, domain.StatusConnecting, map[string]interface{}{
		"qr_code":      "",
		"phone_number": conn.PhoneNumber,
		"device_jid":   conn.DeviceJID,
	}); err != nil {
		return nil, err
	}

	sess, err := m.dialer.Dial(ctx, transport.DialRequest{
		ConnectionID: conn.ID,
		DisplayName:  conn.DisplayName,
		DeviceJID:    conn.DeviceJID,
	})
	if err != nil {
		zap.L().Error("session: transport dial failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		_ = m.transition(conn, domain.StatusDisconnected, map[string]interface{}{"qr_code": ""})
		if !errs.IsTransport(err) {
			err = errs.Transport("dial", conn.ID, err)
		}
		return nil, err
	}

	h := newHandle(conn, sess)
	m.registry.put(h)
	m.metrics.SetLiveSessions(m.registry.Len())

	m.loops.Add(1)
	go m.run(h)

	zap.L().Info("session: connecting",
		zap.Int64("connection_id", conn.ID),
		zap.Int64("tenant_id", conn.TenantID),
		zap.Bool("stored_credentials", conn.DeviceJID != ""))
	out := *conn
	return &out, nil
}

// run drains one session's events in order until the handle stops.
func (m *Manager) run(h *Handle) {
	defer m.loops.Done()
	events := h.Session.Events()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case transport.EventQR:
				m.onQR(h, ev)
			case transport.EventOpen:
				m.onOpen(h, ev)
			case transport.EventMessage:
				m.onMessage(h, ev)
			case transport.EventClosed:
				m.onClosed(h, ev)
				return
			}
		}
	}
}

func (m *Manager) onQR(h *Handle, ev transport.Event) {
	unlock := m.registry.Lock(h.ConnectionID)
	defer unlock()
	if !m.registry.isCurrent(h) {
		return
	}
	_ = m.transition(h.conn, domain.StatusQRRequired, map[string]interface{}{"qr_code": ev.QRCode})
}

func (m *Manager) onOpen(h *Handle, ev transport.Event) {
	unlock := m.registry.Lock(h.ConnectionID)
	defer unlock()
	if !m.registry.isCurrent(h) {
		return
	}
	m.resetAttempts(h.ConnectionID)
	fields := map[string]interface{}{
		"qr_code":          "",
		"last_activity_at": time.Now(),
	}
	if ev.Phone != "" {
		fields["phone_number"] = ev.Phone
	}
	if ev.DeviceJID != "" {
		fields["device_jid"] = ev.DeviceJID
	}
	if err := m.transition(h.conn, domain.StatusConnected, fields); err == nil {
		zap.L().Info("session: connected",
			zap.Int64("connection_id", h.ConnectionID), zap.String("phone", h.conn.PhoneNumber))
	}
}

func (m *Manager) onMessage(h *Handle, ev transport.Event) {
	if ev.Message == nil || m.inbound == nil {
		return
	}
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("session: inbound handler panic",
				zap.Int64("connection_id", h.ConnectionID), zap.Any("panic", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := m.connections.UpdateFields(ctx, h.ConnectionID, map[string]interface{}{"last_activity_at": time.Now()}); err != nil {
		zap.L().Warn("session: last activity update failed", zap.Int64("connection_id", h.ConnectionID), zap.Error(err))
	}
	cancel()

	conn := *h.conn
	m.inbound.HandleInbound(h.ctx, &conn, ev.Message)
}

func (m *Manager) onClosed(h *Handle, ev transport.Event) {
	unlock := m.registry.Lock(h.ConnectionID)
	defer unlock()
	if !m.registry.isCurrent(h) {
		return
	}
	m.evict(h)
	h.stop()

	fields := map[string]interface{}{"qr_code": ""}
	if ev.Reason == transport.ReasonLoggedOut {
		fields["phone_number"] = ""
		fields["device_jid"] = ""
	}
	_ = m.transition(h.conn, domain.StatusDisconnected, fields)

	if ev.Reason.Terminal() {
		m.resetAttempts(h.ConnectionID)
		zap.L().Info("session: closed",
			zap.Int64("connection_id", h.ConnectionID), zap.String("reason", string(ev.Reason)))
		return
	}
	zap.L().Warn("session: closed unexpectedly",
		zap.Int64("connection_id", h.ConnectionID), zap.String("reason", string(ev.Reason)), zap.Error(ev.Err))
	m.scheduleReconnect(h.ConnectionID)
}

// scheduleReconnect arms one delayed reconnect. The caller holds the id lock.
func (m *Manager) scheduleReconnect(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return
	}
	if m.attempts[id] >= m.opts.MaxReconnectAttempts {
		delete(m.attempts, id)
		m.metrics.Reconnect("exhausted")
		zap.L().Warn("session: reconnect attempts exhausted, staying disconnected",
			zap.Int64("connection_id", id), zap.Int("max_attempts", m.opts.MaxReconnectAttempts))
		return
	}
	m.attempts[id]++
	task := &reconnectTask{}
	task.timer = time.AfterFunc(m.opts.ReconnectDelay, func() { m.runReconnect(id, task) })
	m.reconnects[id] = task
	zap.L().Info("session: reconnect scheduled",
		zap.Int64("connection_id", id),
		zap.Int("attempt", m.attempts[id]),
		zap.Duration("delay", m.opts.ReconnectDelay))
}

func (m *Manager) runReconnect(id int64, task *reconnectTask) {
	unlock := m.registry.Lock(id)
	defer unlock()

	m.mu.Lock()
	if cur := m.reconnects[id]; cur != task || task.cancelled {
		m.mu.Unlock()
		return
	}
	delete(m.reconnects, id)
	m.mu.Unlock()

	if _, live := m.registry.Get(id); live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	conn, err := m.connections.GetByID(ctx, id)
	if err != nil {
		m.metrics.Reconnect("failed")
		zap.L().Error("session: reconnect could not load connection", zap.Int64("connection_id", id), zap.Error(err))
		return
	}
	if _, err := m.connectLocked(ctx, conn); err != nil {
		m.metrics.Reconnect("failed")
		zap.L().Warn("session: reconnect failed, leaving disconnected", zap.Int64("connection_id", id), zap.Error(err))
		return
	}
	m.metrics.Reconnect("started")
}

func (m *Manager) cancelReconnect(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.reconnects[id]; ok {
		t.cancelled = true
		t.timer.Stop()
		delete(m.reconnects, id)
	}
}

// PendingReconnect reports whether a reconnect is armed for the id.
func (m *Manager) PendingReconnect(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reconnects[id]
	return ok
}

func (m *Manager) resetAttempts(id int64) {
	m.mu.Lock()
	delete(m.attempts, id)
	m.mu.Unlock()
}

func (m *Manager) evict(h *Handle) {
	if m.registry.remove(h.ConnectionID, h) {
		m.metrics.SetLiveSessions(m.registry.Len())
	}
}

func (m *Manager) forget(ctx context.Context, conn *domain.Connection) {
	if conn.DeviceJID == "" {
		return
	}
	if err := m.dialer.Forget(ctx, conn.DeviceJID); err != nil {
		zap.L().Warn("session: failed to drop stored credentials",
			zap.Int64("connection_id", conn.ID), zap.Error(err))
	}
}

func (m *Manager) markOrphan(c *domain.Connection) {
	unlock := m.registry.Lock(c.ID)
	defer unlock()
	if _, live := m.registry.Get(c.ID); live {
		return
	}
	_ = m.transition(c, domain.StatusDisconnected, map[string]interface{}{"qr_code": ""})
}

// transition persists a status change, mirrors it onto conn and publishes it.
func (m *Manager) transition(conn *domain.Connection, status domain.ConnectionStatus, fields map[string]interface{}) error {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = status

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.connections.UpdateFields(ctx, conn.ID, fields); err != nil {
		zap.L().Error("session: status update failed",
			zap.Int64("connection_id", conn.ID), zap.String("status", string(status)), zap.Error(err))
		return err
	}

	conn.Status = status
	if v, ok := fields["qr_code"].(string); ok {
		conn.QRCode = v
	}
	if v, ok := fields["phone_number"].(string); ok {
		conn.PhoneNumber = v
	}
	if v, ok := fields["device_jid"].(string); ok {
		conn.DeviceJID = v
	}
	m.metrics.SessionTransition(string(status))

	if m.publisher != nil {
		m.publisher.PublishConnectionUpdate(notify.ConnectionUpdate{
			ConnectionID: conn.ID,
			TenantID:     conn.TenantID,
			Status:       status,
			QRCode:       conn.QRCode,
			PhoneNumber:  conn.PhoneNumber,
			At:           time.Now(),
		})
	}
	return nil
}
