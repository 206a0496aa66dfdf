// Command rfc2217proxy is the per-slot child process: it opens one serial
// device, listens on one TCP port, and bridges the two over RFC 2217
// until its parent supervisor sends it a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sensorsiot/rfc2217portal/base"
	"github.com/sensorsiot/rfc2217portal/devlog"
	"github.com/sensorsiot/rfc2217portal/proxy"
	"github.com/sensorsiot/rfc2217portal/serialio"
	"github.com/sensorsiot/rfc2217portal/usbinfo"
)

func main() {
	port := flag.Int("p", 4001, "TCP port")
	baud := flag.Int("b", 115200, "initial baud rate")
	logDir := flag.String("l", "/var/log/serial", "log directory")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rfc2217proxy -p <port> [-b <baud>] [-l <log_dir>] <device>")
		os.Exit(2)
	}
	devnode := flag.Arg(0)

	zlog, err := zap.NewProduction()
	if err != nil {
		zlog = zap.NewNop()
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	if err := run(*port, *baud, *logDir, devnode, sugar); err != nil {
		sugar.Errorw("proxy exited with error", "error", err)
		os.Exit(1)
	}
}

func run(port, baud int, logDir, devnode string, zlog *zap.SugaredLogger) error {
	cfg := base.DefaultConfig()
	cfg.BaudRate = baud

	dev, err := serialio.Open(devnode, cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", devnode, err)
	}
	defer dev.Close()

	info, err := usbinfo.Lookup(devnode)
	if err != nil {
		zlog.Warnw("usb attribute lookup failed", "devnode", devnode, "error", err)
	}

	logger, err := devlog.New(logDir, devnode, info)
	if err != nil {
		return fmt.Errorf("open device log: %w", err)
	}
	defer logger.Close()

	logger.Logf("INFO", "Opened %s at %d baud", devnode, baud)
	defer logger.Logf("INFO", "Closed %s", devnode)

	engine := proxy.New(port, dev, logger, zlog, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return engine.Run(ctx)
}
