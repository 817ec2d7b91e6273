package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bjo163/zapflow/config"
	"github.com/bjo163/zapflow/internal/adminapi"
	"github.com/bjo163/zapflow/internal/app"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"
)

var (
	cfile   = flag.String("c", "", "config yaml file")
	envfile = flag.String("env", ".env", "dotenv file loaded before the config")
	qrTerm  = flag.Bool("qr-terminal", false, "render pairing QR codes in the terminal")
	initdb  = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envfile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envfile, err)
	}

	cfg := config.LoadConfig(*cfile)

	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		_ = zap.L().Sync()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *qrTerm {
		unsubscribe, err := application.Bus().SubscribeConnectionUpdates(printQR)
		if err != nil {
			zap.L().Warn("qr terminal subscription failed", zap.Error(err))
		} else {
			defer unsubscribe()
		}
	}

	if err := application.Start(ctx); err != nil {
		zap.L().Fatal("application start failed", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	adminapi.NewServer(application.Sessions(), application.Repositories(), application.Sender(), application.Metrics()).Register(e)

	go func() {
		addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
		zap.L().Info("admin api listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("admin api stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zap.L().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("admin api shutdown", zap.Error(err))
	}
	application.Release(shutdownCtx)
}

func printQR(u notify.ConnectionUpdate) {
	if u.QRCode == "" {
		return
	}
	fmt.Printf("connection %d (tenant %d) - scan with WhatsApp:\n", u.ConnectionID, u.TenantID)
	qrterminal.GenerateHalfBlock(u.QRCode, qrterminal.L, os.Stdout)
}
