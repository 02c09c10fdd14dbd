// Command iguanaird is the IguanaIR USB IR transceiver daemon: it
// enumerates transceivers, spawns one worker per attached device, and
// serves clients over per-device Unix-domain sockets, per spec.md
// section 6. Flag handling and the graceful-shutdown sequence follow
// the flag.*Var/signal.Notify/http.Server.Shutdown idiom in
// _examples/guiperry-HASHER/cmd/driver/hasher-host/main.go's main.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/gousb"

	"iguanaird/internal/config"
	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/diagnostics"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/daemon/registry"
	"iguanaird/internal/daemon/tracer"
)

// driverList accumulates repeated --driver=NAME flags, following
// flag.Value's documented multi-valued-flag idiom.
type driverList []string

func (d *driverList) String() string { return strings.Join(*d, ",") }
func (d *driverList) Set(v string) error {
	*d = append(*d, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Defaults()
	config.ApplyEnv(&cfg)

	var drivers driverList
	noDaemon := flag.Bool("no-daemon", false, "run in the foreground and skip writing the pid file (the daemon never detaches)")
	receiveTimeoutMs := flag.Int("receive-timeout", int(cfg.ReceiveTimeout/time.Millisecond), "per-read device timeout, in milliseconds")
	sendTimeoutMs := flag.Int("send-timeout", int(cfg.SendTimeout/time.Millisecond), "per-write device timeout, in milliseconds")
	autoUnbind := flag.Bool("auto-unbind", cfg.AutoUnbind, "detach the kernel driver from matching devices before claiming them (accepted; has no effect)")
	noIgnoreEPipe := flag.Bool("no-ignore-epipe", !cfg.IgnoreEPipe, "treat a broken client pipe as a fatal error instead of dropping the client (accepted; has no effect)")
	listDevices := flag.Bool("devices", false, "list currently attached devices and exit")
	pidFile := flag.String("pid-file", cfg.PidFile, "write the daemon's pid to this path")
	flag.Var(&drivers, "driver", "restrict enumeration to this device driver name (repeatable; accepted, has no effect)")
	onlyPreferred := flag.Bool("only-preferred", cfg.OnlyPreferred, "only attach devices matching the preferred driver list (accepted; has no effect)")
	driverDir := flag.String("driver-dir", cfg.DriverDir, "directory to search for driver plugins (accepted; has no effect)")
	noAutoRescan := flag.Bool("no-auto-rescan", !cfg.AutoRescan, "disable the periodic and hot-plug rescan loop")
	noIDs := flag.Bool("no-ids", !cfg.EnableIDs, "disable ID-block based device identification (accepted; has no effect)")
	scanTimerSecs := flag.Int("scan-timer", int(cfg.ScanTimer/time.Second), "rescan interval in seconds (must be positive unless -no-auto-rescan is given)")
	socketRoot := flag.String("socket-root", cfg.SocketRoot, "directory holding the daemon's per-device and control sockets")
	diagAddr := flag.String("diagnostics-addr", "", "loopback address for the read-only diagnostics HTTP server (empty disables it)")
	tracerObj := flag.String("tracer-obj", "", "path to a compiled eBPF object implementing usb_trace_hook/packet_events (empty disables tracing)")
	logLevel := flag.String("log-level", cfg.LogLevel, "minimum log level: DEBUG3, DEBUG2, DEBUG, INFO, WARN, ERROR, FATAL")
	logFile := flag.String("log-file", cfg.LogFile, "write log output to this file instead of stderr")
	quiet := flag.Bool("q", false, "decrease log verbosity by one level")
	verbose := flag.Bool("v", false, "increase log verbosity by one level")
	flag.Parse()

	cfg.Foreground = *noDaemon
	cfg.ReceiveTimeout = time.Duration(*receiveTimeoutMs) * time.Millisecond
	cfg.SendTimeout = time.Duration(*sendTimeoutMs) * time.Millisecond
	cfg.AutoUnbind = *autoUnbind
	cfg.IgnoreEPipe = !*noIgnoreEPipe
	cfg.PidFile = *pidFile
	if len(drivers) > 0 {
		cfg.Drivers = drivers
	}
	cfg.OnlyPreferred = *onlyPreferred
	cfg.DriverDir = *driverDir
	cfg.AutoRescan = !*noAutoRescan
	cfg.EnableIDs = !*noIDs
	cfg.ScanTimer = time.Duration(*scanTimerSecs) * time.Second
	cfg.SocketRoot = *socketRoot
	cfg.LogLevel = *logLevel
	cfg.LogFile = *logFile

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if *quiet {
		level++
	}
	if *verbose {
		level--
	}

	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "iguanaird: opening log file: %v\n", err)
			return 3
		}
		defer f.Close()
		logOut = f
	}
	logger := logging.New(logOut, level)

	if *pidFile != "" && !cfg.Foreground {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			logger.Error("iguanaird: writing pid file %s: %v", *pidFile, err)
			return 2
		}
		defer os.Remove(*pidFile)
	}

	gousbCtx := gousb.NewContext()
	defer gousbCtx.Close()

	reg, err := registry.New(cfg.SocketRoot, gousbCtx, daemon.Settings{
		RecvTimeout: cfg.ReceiveTimeout,
		SendTimeout: cfg.SendTimeout,
	}, logger)
	if err != nil {
		logger.Error("iguanaird: starting registry: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Scan(ctx); err != nil {
		logger.Warn("iguanaird: initial scan: %v", err)
	}

	if *listDevices {
		for _, d := range reg.Devices() {
			fmt.Printf("%d\t%s\n", d.ID, d.Location)
		}
		reg.Shutdown(5 * time.Second)
		return 0
	}

	hangup := make(chan struct{}, 1)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				select {
				case hangup <- struct{}{}:
				default:
				}
				continue
			}
			cancel()
			return
		}
	}()

	if cfg.AutoRescan {
		go reg.RunRescanLoop(ctx, cfg.ScanTimer, nil, hangup)
	}

	trc := tracer.New(*tracerObj, "usb_submit_urb", logger)
	defer trc.Close()
	go trc.Run(ctx, func(ev tracer.PacketEvent) {
		logger.Debug("tracer: device %d %db (direction=%d)", ev.DeviceID, ev.Length, ev.Direction)
	})

	var diagSrv *diagnostics.Server
	if *diagAddr != "" {
		diagSrv = diagnostics.New(*diagAddr, reg, logger)
		go func() {
			if err := diagSrv.Run(ctx); err != nil {
				logger.Warn("iguanaird: diagnostics server: %v", err)
			}
		}()
	}

	logger.Info("iguanaird: serving from %s", cfg.SocketRoot)
	<-ctx.Done()
	logger.Info("iguanaird: shutting down")
	reg.Shutdown(5 * time.Second)
	return 0
}
