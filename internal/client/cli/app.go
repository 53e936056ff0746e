package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/client/config"
	"github.com/dmitrijs2005/crdtsign/internal/client/services"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// reconnectInterval is how often the watcher retries a lost connection.
const reconnectInterval = 5 * time.Second

type App struct {
	config  *config.Config
	svc     services.SignatureService
	logger  logging.Logger
	reader  *bufio.Reader
	out     io.Writer
	modeMu  sync.Mutex
	Mode    Mode
	nowFunc func() time.Time
}

func NewApp(c *config.Config, svc services.SignatureService, in io.Reader, out io.Writer, l logging.Logger) *App {
	return &App{
		config:  c,
		svc:     svc,
		logger:  logging.OrNop(l).With("module", "cli"),
		reader:  bufio.NewReader(in),
		out:     out,
		Mode:    ModeOffline,
		nowFunc: time.Now,
	}
}

func (a *App) setMode(mode Mode) {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()
	if a.Mode != mode {
		a.Mode = mode
		fmt.Fprintf(a.out, "Switched to %s mode\n", mode)
	}
}

func (a *App) mode() Mode {
	a.modeMu.Lock()
	defer a.modeMu.Unlock()
	return a.Mode
}

func (a *App) isRegistered() bool {
	_, ok := a.svc.Profile()
	return ok
}

func (a *App) getStatus() string {
	s := ""
	if p, ok := a.svc.Profile(); ok && p.Username != "" {
		s = p.Username + " "
	}
	s += string(a.mode())
	return fmt.Sprintf("(%s)", s)
}

// connect makes one connection attempt bounded by ConnectTimeout.
func (a *App) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer cancel()
	if err := a.svc.Connect(ctx, a.config.ServerEndpointAddr); err != nil {
		a.setMode(ModeOffline)
		return err
	}
	a.setMode(ModeOnline)
	return nil
}

// StartConnectionWatcher reconnects a dropped session every interval
// until ctx is done.
func (a *App) StartConnectionWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.svc.Connected() {
				a.setMode(ModeOnline)
				continue
			}
			if a.mode() == ModeOnline {
				a.setMode(ModeOffline)
			}
			if err := a.connect(ctx); err != nil {
				a.logger.Debug(ctx, "reconnect failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Run connects to the room server, runs the REPL until the user exits and
// then closes the service, which persists both collections.
func (a *App) Run(ctx context.Context) error {
	fmt.Fprintln(a.out, "Welcome to crdtsign (type 'help' for commands)")

	if err := a.connect(ctx); err != nil {
		fmt.Fprintf(a.out, "Server unreachable, working offline: %v\n", err)
	}

	watchCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.StartConnectionWatcher(watchCtx, reconnectInterval)
	}()

	runREPL(ctx, a, a.getStatus, a.reader)

	stop()
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.config.ConnectTimeout)
	defer cancel()
	return a.svc.Close(closeCtx)
}
