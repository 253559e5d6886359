package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/soloaunclick/clave/internal/app"
	"github.com/soloaunclick/clave/internal/config"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/http/router"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/security/secretbox"
)

func main() {
	var (
		flagConfigPath = flag.String("config", "", "ruta a config.yaml (fallback: $CLAVE_CONFIG_PATH o configs/config.yaml)")
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env (si existe, se carga)")
	)
	flag.Parse()

	if *flagEnvFile != "" && fileExists(*flagEnvFile) {
		_ = godotenv.Load(*flagEnvFile)
	}

	cfgPath := *flagConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CLAVE_CONFIG_PATH")
	}
	if cfgPath == "" && fileExists("configs/config.yaml") {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "clave",
	})
	defer func() { _ = logger.Sync() }()

	// La clave maestra tiene que estar antes de servir: cifra los secretos
	// TOTP en reposo.
	if !secretbox.Ready() {
		if _, err := secretbox.Encrypt("probe"); err != nil {
			logger.S().Fatalw("clave maestra no disponible", "err", err)
		}
	}

	jwtSecret := decodeSecret(os.Getenv("CLAVE_JWT_SECRET"))
	if len(jwtSecret) < 32 {
		logger.S().Fatalw("CLAVE_JWT_SECRET faltante o muy corta: se requieren >=32 bytes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.Build(ctx, cfg, jwtSecret)
	if err != nil {
		logger.S().Fatalw("no se pudo armar el contenedor", "err", err)
	}
	defer container.Close()

	metricsHandler, err := httpx.RegisterMetrics(httpx.MetricsConfig{Pool: container.Pool})
	if err != nil {
		logger.S().Fatalw("métricas", "err", err)
	}

	handler := router.New(router.Deps{Container: container, Metrics: metricsHandler})

	if err := httpx.Serve(ctx, cfg.Server.Addr, handler); err != nil {
		logger.S().Fatalw("servidor http", "err", err)
	}
}

// decodeSecret acepta el secreto JWT en base64 o crudo.
func decodeSecret(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= 32 {
		return b
	}
	return []byte(s)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
