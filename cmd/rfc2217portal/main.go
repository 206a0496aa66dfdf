// Command rfc2217portal runs the Slot Supervisor and its HTTP Facade: it
// loads the static slot configuration, supervises one rfc2217proxy child
// per slot on demand, and answers hotplug/dashboard requests over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sensorsiot/rfc2217portal/httpapi"
	"github.com/sensorsiot/rfc2217portal/slot"
	"github.com/sensorsiot/rfc2217portal/supervisor"
)

const (
	defaultConfigPath = "/etc/rfc2217/slots.json"
	defaultLogDir     = "/var/log/serial"
	defaultLockDir    = "/run/rfc2217/locks"
	listenAddr        = ":8080"
)

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		zlog = zap.NewNop()
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	if err := os.MkdirAll(defaultLockDir, 0o755); err != nil {
		sugar.Errorw("failed to create lock directory", "dir", defaultLockDir, "error", err)
	}
	if err := os.MkdirAll(defaultLogDir, 0o755); err != nil {
		sugar.Errorw("failed to create log directory", "dir", defaultLogDir, "error", err)
	}

	configPath := resolveConfigPath()

	store, err := slot.LoadFile(configPath)
	if err != nil {
		sugar.Errorw("failed to load slot configuration, starting with zero slots", "path", configPath, "error", err)
		store = slot.Empty()
	}
	sugar.Infow("loaded slot configuration", "path", configPath, "slots", store.Len())

	proxyPath, err := supervisor.ResolveProxyExecutable()
	if err != nil {
		sugar.Warnw("no proxy executable found on search path; starts will fail until one is installed and the portal is restarted", "error", err)
	}

	sv := supervisor.New(supervisor.DefaultConfig(proxyPath, defaultLogDir, defaultLockDir), sugar)
	server := httpapi.New(listenAddr, store, sv, configPath, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		sugar.Errorw("http facade exited with error", "error", err)
		os.Exit(1)
	}
}

// resolveConfigPath mirrors the reference portal's precedence: a
// positional CLI argument overrides the RFC2217_CONFIG environment
// variable, which overrides the built-in default path.
func resolveConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if p := os.Getenv("RFC2217_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
