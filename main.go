package main

import (
	adhoc "AtagDetServer/Adhoc"
	"AtagDetServer/config"
	"AtagDetServer/engine"
	backend "AtagDetServer/gRPC"
	"AtagDetServer/httpapi"
	"AtagDetServer/logger"
	"AtagDetServer/monitor"
	"AtagDetServer/session"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 只为取得本机出口 IP, UDP 不会真正建立连接
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "AtagDetServer",
		Short:         "AprilTag detection sessions over gRPC, REST and websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()
	for _, w := range warnings {
		log.Warn(w)
	}
	if cfg.LogMode != "development" && cfg.LogMode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ip, err := GetOutboundIP()
	if err != nil {
		log.Warn("Failed to get outbound IP", zap.Error(err))
		ip = "127.0.0.1"
	}
	log.Info("starting",
		zap.String("ip", ip),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("metricsPort", cfg.MetricsPort),
		zap.Int("workers", cfg.WorkersNum),
		zap.String("family", cfg.Family),
	)

	registry := session.NewRegistry(engine.Factory(cfg.Family, cfg.MaxHamming),
		session.WithOptions(cfg.Detector),
		session.WithIntrinsics(cfg.Intrinsics),
		session.WithTagSizes(cfg.TagSizes),
		session.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		session.WithObserver(monitor.Observer{}),
	)
	monitor.TrackSessions(registry.Len)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort)
	}()

	backend.JobQueue = make(chan backend.JobPackage, cfg.WorkersNum)
	backend.StartWorker(cfg.WorkersNum)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, &backend.Server{Registry: registry})
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	api := httpapi.New(registry, cfg.IdleTimeout)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.Router(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.UseRegServer {
		reg := adhoc.RegServerConfig{}
		reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		hb := adhoc.NewHeartbeat(reg, ip, cfg.RPCPort, cfg.HTTPPort, cfg.Family)
		hb.Sessions = registry.Len
		wg.Add(1)
		go adhoc.SendAliveMessage(ctx, hb, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	select {
	case <-ctx.Done():
	case <-backend.CloseChannel:
	}
	log.Warn("shutting down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	api.CloseStreams()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	close(backend.JobQueue)
	registry.CloseAll()
	wg.Wait()
	log.Info("Safely exited")
	return nil
}
