package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/transport"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
)

// Dialer opens whatsmeow clients whose device credentials live in the
// application database.
type Dialer struct {
	store       *sqlstore.Container
	eventBuffer int
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer wraps an existing database handle so whatsmeow tables are created
// next to the application tables instead of in a separate file.
func NewDialer(ctx context.Context, sqlDB *sql.DB, dbType string, eventBuffer int) (*Dialer, error) {
	driver := ""
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		driver = "sqlite3"
		// sqlstore migrations need foreign keys; some sqlite builds default them off
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, newLogger("sqlstore"))
	if err := container.Upgrade(ctx); err != nil {
		zap.L().Error("whatsapp: sqlstore.Upgrade failed", zap.Error(err), zap.String("driver", driver))
		return nil, fmt.Errorf("sqlstore upgrade failed: %w", err)
	}
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}
	zap.L().Info("whatsapp: dialer initialized", zap.String("driver", driver))
	return &Dialer{store: container, eventBuffer: eventBuffer}, nil
}

// Dial creates a client for the stored device (or a fresh one), registers the
// event bridge and connects. QR codes for unpaired devices arrive as events.
func (d *Dialer) Dial(ctx context.Context, req transport.DialRequest) (transport.Session, error) {
	device, err := d.device(ctx, req.DeviceJID)
	if err != nil {
		return nil, errs.Transport("load_device", req.ConnectionID, err)
	}
	if device.ID == nil {
		device.PushName = req.DisplayName
	}

	client := whatsmeow.NewClient(device, newLogger(fmt.Sprintf("conn-%d", req.ConnectionID)))
	// reconnect policy belongs to the session manager
	client.EnableAutoReconnect = false

	s := newSession(req.ConnectionID, client, d.eventBuffer)
	client.AddEventHandler(s.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(s.ctx)
		if err != nil {
			s.Close()
			return nil, errs.Transport("qr_channel", req.ConnectionID, err)
		}
		go s.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		s.Close()
		return nil, errs.Transport("connect", req.ConnectionID, err)
	}
	zap.L().Info("whatsapp: client connecting",
		zap.Int64("connection_id", req.ConnectionID),
		zap.Bool("paired", client.Store.ID != nil))
	return s, nil
}

// Forget removes the stored device so the next Dial starts a new pairing.
func (d *Dialer) Forget(ctx context.Context, deviceJID string) error {
	if deviceJID == "" {
		return nil
	}
	jid, err := waTypes.ParseJID(deviceJID)
	if err != nil {
		return err
	}
	dev, err := d.store.GetDevice(ctx, jid)
	if err != nil {
		return err
	}
	if dev == nil {
		return nil
	}
	if err := d.store.DeleteDevice(ctx, dev); err != nil {
		zap.L().Warn("whatsapp: failed to delete stored device", zap.Error(err), zap.String("jid", deviceJID))
		return err
	}
	zap.L().Info("whatsapp: stored device removed", zap.String("jid", deviceJID))
	return nil
}

func (d *Dialer) device(ctx context.Context, deviceJID string) (*store.Device, error) {
	if deviceJID == "" {
		return d.store.NewDevice(), nil
	}
	jid, err := waTypes.ParseJID(deviceJID)
	if err != nil {
		return nil, err
	}
	dev, err := d.store.GetDevice(ctx, jid)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		zap.L().Warn("whatsapp: stored device missing, pairing again", zap.String("jid", deviceJID))
		return d.store.NewDevice(), nil
	}
	return dev, nil
}
