package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/usbmon/internal/analysis"
	"github.com/Hara602/usbmon/internal/config"
	"github.com/Hara602/usbmon/internal/dispatch"
	"github.com/Hara602/usbmon/internal/monitor"
	"github.com/Hara602/usbmon/internal/policy"
	"github.com/Hara602/usbmon/internal/store"
	"github.com/Hara602/usbmon/internal/sysutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "config file (default $XDG_CONFIG_HOME/usbmon/config.toml)")
		initConfig  = flag.Bool("init", false, "write an example config file and exit")
		list        = flag.Bool("list", false, "list attached USB disks and exit")
		history     = flag.String("history", "", "print the journal of a device `id` and exit")
		limit       = flag.Int("limit", 50, "number of journal entries for -history")
		block       = flag.String("block", "", "add a device `id` (serial) to the block list and exit")
		unblock     = flag.String("unblock", "", "remove a device `id` from the block list and exit")
		rules       = flag.Bool("rules", false, "print the block list and exit")
		reason      = flag.String("reason", "", "reason stored with -block")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("usbmon", version)
		return 0
	}

	if *initConfig {
		path, err := config.GenerateExampleConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println("config written to", path)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// 初始化日志
	if err := sysutil.InitLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log := sysutil.Log
	defer log.Sync()

	out := newPrinter(os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *list:
		devices, err := monitor.New(cfg, log).ListDevices(ctx)
		if err != nil {
			log.Error("cannot list devices", zap.Error(err))
			return 1
		}
		out.devices(devices)
		return 0

	case *history != "", *block != "", *unblock != "", *rules:
		st, err := store.Open(cfg.Journal.Path, log)
		if err != nil {
			log.Error("cannot open journal", zap.String("path", cfg.Journal.Path), zap.Error(err))
			return 1
		}
		defer st.Close()
		if err := manage(ctx, st, out, *history, *limit, *block, *unblock, *reason, *rules); err != nil {
			log.Error("journal command failed", zap.Error(err))
			return 1
		}
		return 0
	}

	return watch(ctx, cfg, log, out)
}

func manage(ctx context.Context, st *store.Store, out *printer, history string, limit int, block, unblock, reason string, rules bool) error {
	switch {
	case history != "":
		entries, err := st.History(ctx, history, limit)
		if err != nil {
			return err
		}
		out.history(history, entries)
	case block != "":
		if err := st.AddBlockRule(ctx, store.Rule{Serial: block, Reason: reason}); err != nil {
			return err
		}
		fmt.Fprintf(out.out, "%s added to block list\n", block)
	case unblock != "":
		found, err := st.RemoveBlockRule(ctx, store.Rule{Serial: unblock})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s is not in the block list", unblock)
		}
		fmt.Fprintf(out.out, "%s removed from block list\n", unblock)
	case rules:
		list, err := st.Rules(ctx)
		if err != nil {
			return err
		}
		out.rules(list)
	}
	return nil
}

// watch 打印设备列表，然后逐行输出状态变化直到收到信号
func watch(ctx context.Context, cfg *config.Config, log *zap.Logger, out *printer) int {
	// Netlink 和 sysfs authorized 都需要 Root 权限
	if unix.Geteuid() != 0 {
		if cfg.Policy.Enforce {
			sysutil.LogSugar.Errorf("policy.enforce requires root, running as uid %d", unix.Geteuid())
			return 1
		}
		log.Warn("not running as root, udev events may be unavailable")
	}

	var (
		opts      []monitor.Option
		observers []observer
		inspector *analysis.Inspector
	)
	if cfg.Journal.Enabled {
		st, err := store.Open(cfg.Journal.Path, log)
		if err != nil {
			log.Error("cannot open journal", zap.String("path", cfg.Journal.Path), zap.Error(err))
			return 1
		}
		opts = append(opts, monitor.WithCloser(st))
		observers = append(observers, observer{"journal", st})
		if cfg.Policy.Enforce {
			observers = append(observers, observer{"policy", policy.New(cfg.System.SysRoot, st, cfg.Policy.BlockSuspect, log)})
		}
	}
	if cfg.Inspect.Enabled {
		inspector = analysis.NewInspector(nil, cfg.Inspect.MaxFiles, log)
		observers = append(observers, observer{"inspect", inspector})
	}
	observers = append(observers, observer{"printer", out})

	m := monitor.New(cfg, log, opts...)
	for _, o := range observers {
		m.Attach(context.Background(), o.obs, dispatch.WithName(o.name))
	}

	log.Info("🛡️ usbmon starting", zap.String("version", version))
	devices, err := m.Start(ctx)
	if err != nil {
		log.Error("cannot enumerate devices", zap.Error(err))
		_ = m.Stop()
		return 1
	}
	out.devices(devices)

	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case <-m.Done():
	}

	err = m.Stop()
	if inspector != nil {
		inspector.Wait()
	}
	if err != nil {
		log.Error("monitor stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

type observer struct {
	name string
	obs  dispatch.Observer
}
