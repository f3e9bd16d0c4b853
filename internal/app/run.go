package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/rtc/devices"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/petervdpas/peercall/internal/viewer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Version string

	Log  zerolog.Logger
	Logs *viewer.LogBuffer

	// Source overrides the media source chosen by media.source.
	Source rtc.MediaSource
	// Ready, if set, is called with the control API address once it listens.
	Ready func(addr string)
}

// RunPeer runs one calling identity until ctx ends: relay connection, call
// engine, invite watcher, control API and config hot reload.
func RunPeer(ctx context.Context, o Options) error {
	cfg := o.Cfg
	log := o.Log
	logBanner(log, o.Dir, o.CfgPath, cfg, "peer")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	// fail stops what already started before reporting a setup error.
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	var sig call.SignalingChannel
	if cfg.Relay.URL == "" {
		local := relay.NewLocal(storage.NewMemory(), log)
		defer local.Close()
		sig = local
		log.Warn().Msg("relay.url is empty; using an in-process relay, only this process can place calls")
	} else {
		client := relay.NewClient(cfg.Relay.URL, relay.ClientOptions{
			RequestTimeout: seconds(cfg.Relay.RequestTimeoutSec),
		}, log)
		defer client.Close()
		g.Go(func() error { return client.Run(ctx) })
		sig = client

		waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.WaitConnected(waitCtx); err != nil {
			log.Warn().Err(err).Msg("relay not reachable yet; calls fail until it is")
		}
		waitCancel()
	}

	source := o.Source
	if source == nil {
		var err error
		if source, err = mediaSource(cfg.Media, log); err != nil {
			return fail(err)
		}
	}
	api, err := rtc.NewAPI(rtcOptions(cfg), source, log)
	if err != nil {
		return fail(fmt.Errorf("webrtc: %w", err))
	}

	opts := callOptions(cfg.Call)
	eng := call.New(cfg.Identity.ID, sig, api.NewTransport, opts, log)
	defer eng.Close()

	watcher := call.NewWatcher(sig, cfg.Identity.ID, eng, opts.InviteTTL, log)
	g.Go(func() error {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("invite watcher: %w", err)
		}
		return nil
	})

	if o.CfgPath != "" {
		current := cfg
		g.Go(func() error {
			return config.Watch(ctx, o.CfgPath, func(next config.Config, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("config reload rejected; keeping current settings")
					return
				}
				applyReload(log, current, next, eng, watcher)
				current = next
			})
		})
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("control API: %w", err))
		}
		log.Info().Str("url", url).Msg("control API")
		if o.Ready != nil {
			o.Ready(ln.Addr().String())
		}
		g.Go(func() error {
			return viewer.Serve(ctx, ln, viewer.Viewer{Calls: eng, Logs: o.Logs, Log: log, Version: o.Version})
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err = g.Wait()
	log.Info().Msg("peer stopped")
	return err
}

// applyReload pushes the settings that can change without a restart.
func applyReload(log zerolog.Logger, prev, next config.Config, eng *call.Engine, w *call.Watcher) {
	if next.Log.Level != prev.Log.Level {
		applyLevel(log, next.Log.Level)
	}
	if next.Call != prev.Call {
		opts := callOptions(next.Call)
		eng.SetOptions(opts)
		w.SetTTL(opts.InviteTTL)
	}
	if next.Identity != prev.Identity || next.Relay.URL != prev.Relay.URL || next.Media != prev.Media {
		log.Warn().Msg("identity, relay and media changes apply after a restart")
	}
	log.Info().Str("level", next.Log.Level).Msg("config reloaded")
}

func mediaSource(m config.Media, log zerolog.Logger) (rtc.MediaSource, error) {
	switch m.Source {
	case "devices":
		src, err := devices.New(devices.Options{
			MaxWidth:     m.MaxWidth,
			MaxHeight:    m.MaxHeight,
			VideoBitRate: m.VideoBitRate,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("media devices: %w", err)
		}
		for _, d := range src.Devices() {
			log.Debug().Str("kind", d.Kind).Str("label", d.Label).Msg("media device")
		}
		return src, nil
	case "none":
		return rtc.FailingSource{}, nil
	default:
		return rtc.NewSyntheticSource(), nil
	}
}

// RunRelay serves the relay on relay.listen with the configured store.
func RunRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg
	log := o.Log
	logBanner(log, o.Dir, o.CfgPath, cfg, "relay")

	store, notifier, closeStore, err := openStore(ctx, o.Dir, cfg.Relay, log)
	if err != nil {
		return err
	}
	defer closeStore()

	local := relay.NewLocal(store, log)
	defer local.Close()
	if notifier != nil {
		local.SetNotifier(notifier)
	}
	srv := relay.NewServer(local, log)

	ln, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	if o.Ready != nil {
		o.Ready(ln.Addr().String())
	}
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Str("store", cfg.Relay.Store).Msg("relay listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return local.Run(ctx) })
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})
	err = g.Wait()
	log.Info().Msg("relay stopped")
	return err
}

func openStore(ctx context.Context, dir string, c config.Relay, log zerolog.Logger) (relay.Store, relay.Notifier, func(), error) {
	switch c.Store {
	case "sqlite":
		path := util.ResolvePath(dir, c.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.OpenFile(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", db.Path()).Msg("sqlite store")
		return db, nil, func() { _ = db.Close() }, nil
	case "redis":
		rc := storage.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			Prefix:    c.Redis.Prefix,
			RecordTTL: time.Duration(c.Redis.TTLHours) * time.Hour,
		}
		rdb, err := storage.OpenRedis(ctx, rc)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		store := storage.NewRedis(rdb, rc)
		var n relay.Notifier
		if c.Redis.Notify {
			n = relay.NewRedisNotifier(rdb, store.Prefix(), log)
		}
		return store, n, func() { _ = rdb.Close() }, nil
	default:
		return storage.NewMemory(), nil, func() {}, nil
	}
}
