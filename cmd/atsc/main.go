package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/InstanceGaming/atsc/internal/config"
	"github.com/InstanceGaming/atsc/internal/controller"
	"github.com/InstanceGaming/atsc/internal/fieldbus"
	"github.com/InstanceGaming/atsc/internal/recorder"
	"github.com/InstanceGaming/atsc/internal/telemetry"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runController(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		fmt.Printf("atsc %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`atsc - actuated traffic signal controller

Usage:
  atsc run [-config <path>]...       start the controller
  atsc validate <path>...            validate configuration documents
  atsc version                       print version`)
}

// multiFlag collects repeated -config arguments.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func runValidate(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atsc validate <path>...")
		os.Exit(1)
	}
	if _, err := config.Load(args...); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runController(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var paths multiFlag
	fs.Var(&paths, "config", "configuration file (repeatable)")
	_ = fs.Parse(args)

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atsc run -config <path> [-config <path>]...")
		os.Exit(1)
	}

	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	var bus fieldbus.Driver
	if cfg.Bus.Enabled {
		port, err := os.OpenFile(cfg.Bus.Port, os.O_RDWR, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open bus port %s: %v\n", cfg.Bus.Port, err)
			os.Exit(1)
		}
		bus = fieldbus.NewSerialDriver(port, cfg.Bus.ResponseAttempts)
	} else {
		bus = fieldbus.NewLoopback(len(cfg.Inputs))
	}

	var pub *telemetry.Server
	if cfg.Network.Enabled {
		pub = telemetry.NewServer(cfg.Network.Bind, logger)
		if err := pub.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
			os.Exit(1)
		}
		defer pub.Stop()
	}

	var ctrlPub controller.Publisher
	if pub != nil {
		ctrlPub = pub
	}
	ctrl, err := controller.New(cfg, logger, bus, ctrlPub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}

	if cfg.Device.Recorder.Enabled {
		rec, err := recorder.Open(cfg.Device.Recorder.Path, ctrl.RunID())
		if err != nil {
			fmt.Fprintf(os.Stderr, "recorder: %v\n", err)
			os.Exit(1)
		}
		rec.Attach(ctrl.Events())
		defer rec.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	if cfg.Device.Metrics.Enabled {
		server := &http.Server{Addr: cfg.Device.Metrics.Bind, Handler: promhttp.Handler()}
		group.Go(func() error {
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	group.Go(func() error {
		watchConfig(ctx, logger, ctrl, paths)
		return nil
	})

	group.Go(func() error {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Printf("INFO received signal=%s, starting control exit", sig)
			ctrl.Shutdown()
		}
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Printf("WARN received second signal=%s, forcing flash", sig)
			cancel()
			return nil
		}
	})

	group.Go(func() error {
		defer cancel()
		return ctrl.Run(ctx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Printf("ERROR %v", err)
		os.Exit(1)
	}
}

// watchConfig re-validates edited configuration files and queues them for
// application at the next stable boundary.
func watchConfig(ctx context.Context, logger *log.Logger, ctrl *controller.Controller, paths []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("WARN config watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			logger.Printf("WARN watch %s: %v", p, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			next, err := config.Load(paths...)
			if err != nil {
				logger.Printf("WARN edited configuration rejected: %v", err)
				continue
			}
			ctrl.ApplyConfig(next)
			logger.Printf("INFO configuration queued for apply")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Printf("ERROR config watcher: %v", err)
		}
	}
}
