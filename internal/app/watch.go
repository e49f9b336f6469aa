package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"bulksend/internal/contacts"
	"bulksend/internal/eventbus"
	"bulksend/internal/observability/debug"
	"bulksend/internal/runtime/supervisor"
	logx "bulksend/pkg/logx"
)

// DebugServer builds the operator HTTP server over this app's state.
func (a *App) DebugServer(tasks func() []supervisor.TaskStats) *debug.Server {
	return debug.New(debug.Config{Addr: a.cfg.Debug.Addr, Token: a.cfg.Debug.Token}, debug.Sources{
		Ledger: a.ledger,
		Quota:  a.QuotaSnapshot,
		Tasks:  tasks,
	}, a.log)
}

// Watch runs the pipeline for every CSV file that lands in the inbox
// directory, one file at a time, until ctx ends. Files already present at
// startup are processed first. Retention cleanup runs on its cron schedule.
// Only a failed reconnect stops the loop with an error.
func (a *App) Watch(ctx context.Context) error {
	dir := a.cfg.Watch.Dir
	if dir == "" {
		return errors.New("watch: no inbox directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	files := make(chan string, 64)

	if a.cfg.Debug.Enabled {
		srv := a.DebugServer(sup.Snapshot)
		sup.GoRestart("debug.http", srv.Serve, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}
	sup.GoRestart("inbox.watch", func(c context.Context) error {
		return a.watchInbox(c, dir, files)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	sup.Go("inbox.process", func(c context.Context) error {
		return a.processInbox(c, files)
	})
	if spec := a.cfg.RetentionSchedule; spec != "" {
		sup.Go("retention", func(c context.Context) error {
			return a.retentionLoop(c, spec)
		})
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("watching inbox", logx.String("dir", dir), logx.String("archive", a.cfg.Watch.ArchiveDir))

	<-sup.Context().Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sup.Wait(wctx)
}

// watchInbox queues CSV files: the existing ones first, then every file
// that stays quiet for the debounce period after a create or write.
func (a *App) watchInbox(ctx context.Context, dir string, out chan<- string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	existing, err := listCSV(dir)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if !a.enqueue(ctx, out, p) {
			return nil
		}
	}

	debounce := a.cfg.Watch.Debounce
	var (
		mu     sync.Mutex
		timers = map[string]*time.Timer{}
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("inbox watcher closed")
			}
			if !isCSV(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			path := ev.Name
			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Reset(debounce)
			} else {
				timers[path] = time.AfterFunc(debounce, func() {
					mu.Lock()
					delete(timers, path)
					mu.Unlock()
					if _, err := os.Stat(path); err != nil {
						return
					}
					a.enqueue(ctx, out, path)
				})
			}
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("inbox watcher closed")
			}
			if err == nil {
				continue
			}
			// overflow means events were lost; rescan
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				a.log.Warn("inbox watch overflow, rescanning", logx.String("dir", dir))
				files, lerr := listCSV(dir)
				if lerr != nil {
					return lerr
				}
				for _, p := range files {
					if !a.enqueue(ctx, out, p) {
						return nil
					}
				}
				continue
			}
			a.log.Warn("inbox watch error", logx.Err(err))
		}
	}
}

func (a *App) enqueue(ctx context.Context, out chan<- string, path string) bool {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeInboxFileSeen, Data: path})
	select {
	case out <- path:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *App) processInbox(ctx context.Context, files <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-files:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			log := a.log.With(logx.String("file", filepath.Base(path)))
			_, err := a.RunFile(ctx, path)
			switch {
			case err == nil:
				if err := a.archive(path); err != nil {
					log.Warn("archive failed", logx.Err(err))
				}
			case errors.Is(err, ErrReconnectFailed):
				return err
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, contacts.ErrInput):
				log.Error("input rejected", logx.Err(err))
			default:
				log.Error("run failed", logx.Err(err))
			}
		}
	}
}

// archive moves a processed file out of the inbox when an archive
// directory is configured. Name clashes get a timestamp suffix.
func (a *App) archive(path string) error {
	dst := a.cfg.Watch.ArchiveDir
	if dst == "" {
		return nil
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dst, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "." + time.Now().Format("20060102T150405") + ext
	}
	return os.Rename(path, target)
}

func (a *App) retentionLoop(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := a.Cleanup(ctx, 0); err != nil && ctx.Err() == nil {
			a.log.Error("retention cleanup failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	c.Start()
	a.log.Info("retention scheduled", logx.String("schedule", spec), logx.Duration("max_age", a.cfg.RetentionMaxAge))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func listCSV(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && isCSV(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isCSV(name string) bool { return strings.EqualFold(filepath.Ext(name), ".csv") }
