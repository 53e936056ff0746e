// Package server initializes and runs the room server: it picks the room
// log backend, builds the room hub, serves the sync endpoint and drains
// every room log on shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/server/config"
	"github.com/dmitrijs2005/crdtsign/internal/server/rooms"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
	"github.com/dmitrijs2005/crdtsign/internal/storage/roomlog"

	gs "github.com/dmitrijs2005/crdtsign/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	hub    *rooms.Hub
}

// openLogBackend is a seam for tests.
var openLogBackend = func(ctx context.Context, c *config.Config, tag compress.Tag, l logging.Logger) (roomlog.Opener, error) {
	switch c.LogBackend {
	case config.BackendFile, "":
		return roomlog.NewFileOpener(c.StoreDir, tag, l)
	case config.BackendPostgres:
		return roomlog.OpenPostgres(ctx, c.DatabaseDSN, tag, l)
	default:
		return nil, fmt.Errorf("unknown log backend %q", c.LogBackend)
	}
}

func NewApp(ctx context.Context, c *config.Config, out io.Writer) (*App, error) {

	logger := logging.NewJSONLogger(out, c.LogLevel)

	tag, err := compress.ParseTag(c.LogCompression)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	opener, err := openLogBackend(ctx, c, tag, logger)
	if err != nil {
		return nil, fmt.Errorf("log backend init error: %w", err)
	}

	hub := rooms.NewHub(opener, rooms.Options{
		QueueSize:        c.QueueSize,
		CompactThreshold: c.CompactThreshold,
	}, logger)

	return &App{config: c, logger: logger, hub: hub}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.hub)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// closes the hub within the configured shutdown timeout.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "backend", app.config.LogBackend)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer cancel()

	if err := app.hub.Close(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "shutdown finished with errors", "error", err)
		return err
	}
	app.logger.Info(shutdownCtx, "Stopped")
	return nil
}
