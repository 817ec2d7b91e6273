package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/testutil"
	"github.com/bjo163/zapflow/internal/transport"
	"github.com/bjo163/zapflow/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []notify.ConnectionUpdate
}

func (p *recordingPublisher) PublishConnectionUpdate(u notify.ConnectionUpdate) {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	p.mu.Unlock()
}

func (p *recordingPublisher) statuses() []domain.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ConnectionStatus, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Status)
	}
	return out
}

type recordingInbound struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingInbound) HandleInbound(_ context.Context, _ *domain.Connection, msg *transport.InboundMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg.Payload.Text)
	r.mu.Unlock()
}

func (r *recordingInbound) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type fixture struct {
	db      *gorm.DB
	repos   *repository.Repositories
	dialer  *transporttest.Dialer
	pub     *recordingPublisher
	inbound *recordingInbound
	mgr     *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		db:      db,
		repos:   repository.NewGormRepositories(db),
		dialer:  transporttest.NewDialer(),
		pub:     &recordingPublisher{},
		inbound: &recordingInbound{},
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	f.mgr = NewManager(f.repos.Connections, f.dialer, NewRegistry(), f.pub, f.inbound, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.mgr.Shutdown(ctx)
	})
	return f
}

func (f *fixture) status(t *testing.T, id int64) *domain.Connection {
	t.Helper()
	c, err := f.repos.Connections.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) eventuallyStatus(t *testing.T, id int64, want domain.ConnectionStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		c, err := f.repos.Connections.GetByID(context.Background(), id)
		return err == nil && c.Status == want
	}, waitFor, tick, "status never became %s", want)
}

func (f *fixture) openConnection(t *testing.T, phone string) (*domain.Connection, *transporttest.Session) {
	t.Helper()
	conn, err := f.mgr.CreateConnection(context.Background(), 1, "atendimento")
	require.NoError(t, err)
	s := f.dialer.Last()
	require.NotNil(t, s)
	s.EmitOpen(phone)
	f.eventuallyStatus(t, conn.ID, domain.StatusConnected)
	return conn, s
}

func TestManager_ConcurrentConnectSingleSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conn := &domain.Connection{TenantID: 1, DisplayName: "vendas"}
	require.NoError(t, f.repos.Connections.Create(ctx, conn))

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Connect(ctx, conn.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, errs.ErrAlreadyActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestManager_CreateConnection_QRThenOpen(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	conn, err := f.mgr.CreateConnection(ctx, 1, "  suporte ")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnecting, conn.Status)
	assert.Equal(t, "suporte", conn.DisplayName)
	assert.True(t, f.mgr.IsLive(conn.ID))

	s := f.dialer.Last()
	assert.Empty(t, s.Req.DeviceJID)

	s.EmitQR("2@qr-one")
	f.eventuallyStatus(t, conn.ID, domain.StatusQRRequired)
	assert.Equal(t, "2@qr-one", f.status(t, conn.ID).QRCode)

	s.EmitOpen("5511900001111")
	f.eventuallyStatus(t, conn.ID, domain.StatusConnected)
	got := f.status(t, conn.ID)
	assert.Empty(t, got.QRCode)
	assert.Equal(t, "5511900001111", got.PhoneNumber)
	assert.NotEmpty(t, got.DeviceJID)

	assert.Equal(t, []domain.ConnectionStatus{
		domain.StatusConnecting, domain.StatusQRRequired, domain.StatusConnected,
	}, f.pub.statuses())
}

func TestManager_CreateConnection_AlreadyActiveKeepsSingleRow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.mgr.CreateConnection(ctx, 1, "vendas")
	require.NoError(t, err)
	_, err = f.mgr.CreateConnection(ctx, 1, "vendas")
	assert.ErrorIs(t, err, errs.ErrAlreadyActive)

	list, err := f.repos.Connections.ListByTenant(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	_, err = f.mgr.CreateConnection(ctx, 1, "   ")
	assert.Error(t, err)
}

func TestManager_DialFailurePropagates(t *testing.T) {
	f := newFixture(t, Options{})
	f.dialer.FailDial(errors.New("network unreachable"))

	_, err := f.mgr.CreateConnection(context.Background(), 1, "vendas")
	require.Error(t, err)
	assert.True(t, errs.IsTransport(err))

	conn, err := f.repos.Connections.FindByTenantAndName(context.Background(), 1, "vendas")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisconnected, conn.Status)
	assert.False(t, f.mgr.IsLive(conn.ID))
}

func TestManager_DisconnectIgnoresLogoutError(t *testing.T) {
	f := newFixture(t, Options{})
	conn, s := f.openConnection(t, "5511900002222")
	deviceJID := f.status(t, conn.ID).DeviceJID

	f.dialer.FailLogout(errors.New("logout rejected"))
	require.NoError(t, f.mgr.Disconnect(context.Background(), conn.ID))

	got := f.status(t, conn.ID)
	assert.Equal(t, domain.StatusDisconnected, got.Status)
	assert.Empty(t, got.PhoneNumber)
	assert.Empty(t, got.QRCode)
	assert.Empty(t, got.DeviceJID)
	assert.True(t, s.LoggedOut())
	assert.True(t, s.IsClosed())
	assert.False(t, f.mgr.IsLive(conn.ID))
	assert.Contains(t, f.dialer.Forgotten(), deviceJID)
}

func TestManager_DisconnectThenConnectIsConnecting(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conn, _ := f.openConnection(t, "5511900003333")

	require.NoError(t, f.mgr.Disconnect(ctx, conn.ID))
	_, err := f.mgr.Connect(ctx, conn.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusConnecting, f.status(t, conn.ID).Status)
	assert.True(t, f.mgr.IsLive(conn.ID))
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestManager_LoggedOutDoesNotReconnect(t *testing.T) {
	f := newFixture(t, Options{})
	conn, s := f.openConnection(t, "5511900004444")

	s.EmitClosed(transport.ReasonLoggedOut)
	f.eventuallyStatus(t, conn.ID, domain.StatusDisconnected)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.mgr.PendingReconnect(conn.ID))
	assert.Equal(t, 1, f.dialer.Dials())
	got := f.status(t, conn.ID)
	assert.Empty(t, got.DeviceJID)
	assert.Empty(t, got.PhoneNumber)
}

func TestManager_UnexpectedCloseReconnectsWithStoredCredentials(t *testing.T) {
	f := newFixture(t, Options{})
	conn, s := f.openConnection(t, "5511900005555")
	deviceJID := f.status(t, conn.ID).DeviceJID

	s.EmitClosed(transport.ReasonConnectionLost)

	assert.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return f.mgr.IsLive(conn.ID) }, waitFor, tick)
	assert.Equal(t, deviceJID, f.dialer.Last().Req.DeviceJID)
	assert.True(t, s.IsClosed())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, Options{ReconnectDelay: 150 * time.Millisecond})
	conn, s := f.openConnection(t, "5511900006666")

	s.EmitClosed(transport.ReasonConnectionLost)
	assert.Eventually(t, func() bool { return f.mgr.PendingReconnect(conn.ID) }, waitFor, tick)

	require.NoError(t, f.mgr.Disconnect(context.Background(), conn.ID))
	assert.False(t, f.mgr.PendingReconnect(conn.ID))

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, domain.StatusDisconnected, f.status(t, conn.ID).Status)
	assert.False(t, f.mgr.IsLive(conn.ID))
}

func TestManager_ReconnectAttemptsAreBounded(t *testing.T) {
	f := newFixture(t, Options{MaxReconnectAttempts: 2})
	conn, err := f.mgr.CreateConnection(context.Background(), 1, "vendas")
	require.NoError(t, err)

	for want := 2; want <= 3; want++ {
		f.dialer.Last().EmitClosed(transport.ReasonConnectionLost)
		w := want
		assert.Eventually(t, func() bool { return f.dialer.Dials() == w && f.mgr.IsLive(conn.ID) }, waitFor, tick)
	}
	f.dialer.Last().EmitClosed(transport.ReasonConnectionLost)
	f.eventuallyStatus(t, conn.ID, domain.StatusDisconnected)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 3, f.dialer.Dials())
	assert.False(t, f.mgr.PendingReconnect(conn.ID))
	assert.False(t, f.mgr.IsLive(conn.ID))
}

func TestManager_FailedReconnectStaysDisconnected(t *testing.T) {
	f := newFixture(t, Options{})
	conn, s := f.openConnection(t, "5511900007777")

	f.dialer.FailDial(errors.New("still offline"))
	s.EmitClosed(transport.ReasonConnectionLost)

	assert.Eventually(t, func() bool { return f.dialer.Dials() == 2 }, waitFor, tick)
	f.eventuallyStatus(t, conn.ID, domain.StatusDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.dialer.Dials())
	assert.False(t, f.mgr.PendingReconnect(conn.ID))
}

func TestManager_RegenerateQRReusesRow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conn, old := f.openConnection(t, "5511900008888")
	deviceJID := f.status(t, conn.ID).DeviceJID

	again, err := f.mgr.RegenerateQR(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.Equal(t, domain.StatusConnecting, again.Status)

	assert.True(t, old.IsClosed())
	assert.True(t, old.LoggedOut())
	assert.Contains(t, f.dialer.Forgotten(), deviceJID)
	assert.Empty(t, f.dialer.Last().Req.DeviceJID)
	assert.Equal(t, 1, f.dialer.Live())

	list, err := f.repos.Connections.ListByTenant(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// idempotent when nothing is live
	require.NoError(t, f.mgr.Disconnect(ctx, conn.ID))
	_, err = f.mgr.RegenerateQR(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, f.mgr.IsLive(conn.ID))
}

func TestManager_InboundDeliveredInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	_, s := f.openConnection(t, "5511900009999")

	for _, text := range []string{"um", "dois", "três"} {
		s.EmitText("5511911112222", "Bia", "ID-"+text, text)
	}
	assert.Eventually(t, func() bool { return len(f.inbound.texts()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"um", "dois", "três"}, f.inbound.texts())
}

func TestManager_RestoreAndShutdown(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	paired := &domain.Connection{TenantID: 1, DisplayName: "paired", Status: domain.StatusConnected,
		DeviceJID: "5511900000001.0:1@s.whatsapp.net", PhoneNumber: "5511900000001"}
	pending := &domain.Connection{TenantID: 1, DisplayName: "pending", Status: domain.StatusQRRequired, QRCode: "2@old"}
	require.NoError(t, f.repos.Connections.Create(ctx, paired))
	require.NoError(t, f.repos.Connections.Create(ctx, pending))

	require.NoError(t, f.mgr.Restore(ctx))

	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, paired.DeviceJID, f.dialer.Last().Req.DeviceJID)
	assert.True(t, f.mgr.IsLive(paired.ID))
	assert.Equal(t, domain.StatusDisconnected, f.status(t, pending.ID).Status)
	assert.Empty(t, f.status(t, pending.ID).QRCode)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(shutdownCtx))

	got := f.status(t, paired.ID)
	assert.Equal(t, domain.StatusDisconnected, got.Status)
	assert.Equal(t, paired.DeviceJID, got.DeviceJID, "credentials survive shutdown")
	assert.Equal(t, 0, f.dialer.Live())
	assert.False(t, f.dialer.Last().LoggedOut())

	_, err := f.mgr.Connect(ctx, paired.ID)
	assert.True(t, errs.IsTransport(err))
}

func TestManager_ExpireStaleQR(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	conn, err := f.mgr.CreateConnection(ctx, 1, "vendas")
	require.NoError(t, err)
	s := f.dialer.Last()
	s.EmitQR("2@stale")
	f.eventuallyStatus(t, conn.ID, domain.StatusQRRequired)

	require.NoError(t, f.db.Model(&domain.Connection{}).Where("id = ?", conn.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	n, err := f.mgr.ExpireStaleQR(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusDisconnected, f.status(t, conn.ID).Status)
	assert.False(t, f.mgr.IsLive(conn.ID))
	assert.True(t, s.IsClosed())
}
