package app

import (
	"context"
	"testing"
	"time"

	"github.com/bjo163/zapflow/config"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/flow"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/bjo163/zapflow/internal/testutil"
	"github.com/bjo163/zapflow/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*Application, *transporttest.Dialer) {
	t.Helper()
	cfg := *config.DefaultAppConfig
	cfg.WhatsApp.ReconnectDelay = 10 * time.Millisecond
	cfg.WhatsApp.QRTimeout = time.Minute
	cfg.Flow.Workers = 4

	a := NewApplication(&cfg)
	a.OverrideDB(testutil.NewDB(t))
	dialer := transporttest.NewDialer()
	a.OverrideDialer(dialer)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Release(ctx)
	})
	return a, dialer
}

func TestApplication_InboundTextGetsWelcome(t *testing.T) {
	a, dialer := newTestApp(t)
	ctx := context.Background()

	updates := make(chan notify.ConnectionUpdate, 8)
	unsubscribe, err := a.Bus().SubscribeConnectionUpdates(func(u notify.ConnectionUpdate) { updates <- u })
	require.NoError(t, err)
	defer unsubscribe()

	conn, err := a.Sessions().CreateConnection(ctx, 1, "loja")
	require.NoError(t, err)
	dialer.Last().EmitOpen("5511900001111")

	require.Eventually(t, func() bool {
		c, err := a.Sessions().Status(ctx, conn.ID)
		return err == nil && c.Status == domain.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	dialer.Last().EmitText("5511988887777", "Bia", "WAID-1", "oi")
	require.Eventually(t, func() bool { return len(dialer.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, flow.WelcomeText, dialer.Sent()[0].Text)
	assert.Equal(t, "5511988887777", dialer.Sent()[0].To)

	a.Bus().Wait()
	var seen []domain.ConnectionStatus
	for len(updates) > 0 {
		seen = append(seen, (<-updates).Status)
	}
	assert.Contains(t, seen, domain.StatusConnected)
}

func TestApplication_ExpireQRTask(t *testing.T) {
	a, dialer := newTestApp(t)
	ctx := context.Background()

	conn, err := a.Sessions().CreateConnection(ctx, 1, "recepcao")
	require.NoError(t, err)
	dialer.Last().EmitQR("2@qr")
	require.Eventually(t, func() bool {
		c, err := a.Sessions().Status(ctx, conn.ID)
		return err == nil && c.Status == domain.StatusQRRequired
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.DB().Model(&domain.Connection{}).Where("id = ?", conn.ID).
		UpdateColumn("updated_at", time.Now().Add(-2*time.Minute)).Error)

	a.SchedExpireQRTask()

	c, err := a.Sessions().Status(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisconnected, c.Status)
	assert.Empty(t, c.QRCode)
	assert.False(t, a.Sessions().IsLive(conn.ID))
}

func TestApplication_ProcessMonitorFeedsMetrics(t *testing.T) {
	a, _ := newTestApp(t)

	a.SchedProcessMonitorTask()

	families, err := a.Metrics().Registry().Gather()
	require.NoError(t, err)
	kinds := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "zapflow_process_usage" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" {
					kinds[l.GetValue()] = true
				}
			}
		}
	}
	assert.True(t, kinds["rss_mb"])
}

func TestApplication_SchedulerIsRunning(t *testing.T) {
	a, _ := newTestApp(t)
	require.NotNil(t, a.Scheduler())
	assert.Len(t, a.Scheduler().Entries(), 2)
}

func TestApplication_MessageDuringShutdownGetsNoApology(t *testing.T) {
	a, dialer := newTestApp(t)
	ctx := context.Background()

	conn, err := a.Sessions().CreateConnection(ctx, 1, "loja")
	require.NoError(t, err)
	dialer.Last().EmitOpen("5511900001111")
	require.Eventually(t, func() bool {
		c, err := a.Sessions().Status(ctx, conn.ID)
		return err == nil && c.Status == domain.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	// First half of Release: the dispatcher closes while sessions still run.
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, a.dispatcher.Shutdown(shutdownCtx))

	dialer.Last().EmitText("5511988887777", "Bia", "WAID-9", "oi")
	require.Eventually(t, func() bool {
		var n int64
		return a.DB().Model(&domain.Message{}).Count(&n).Error == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, dialer.Sent())
}

func TestApplication_InitDbRecreatesEmptySchema(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.Repositories().Contacts.Create(context.Background(),
		&domain.Contact{TenantID: 1, PhoneNumber: "5511977776666"}))

	a.InitDb()

	for _, table := range domain.Tables {
		assert.True(t, a.DB().Migrator().HasTable(table))
	}
	var n int64
	require.NoError(t, a.DB().Model(&domain.Contact{}).Count(&n).Error)
	assert.Zero(t, n)
}
