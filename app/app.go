package app

import (
	"context"
	"net"

	reuse "github.com/libp2p/go-reuseport"
	"golang.org/x/sync/errgroup"

	"github.com/pg-distributed/xcpool/pkg/config"
	"github.com/pg-distributed/xcpool/pkg/poolcomm"
	"github.com/pg-distributed/xcpool/pkg/poolmgr"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// App runs the pool manager listeners: the unix socket sessions talk
// through, and optionally a TCP control listener for abort/result-only
// traffic (descriptor passing does not work there).
type App struct {
	provider *poolmgr.DialProvider
}

func NewApp(provider *poolmgr.DialProvider) *App {
	return &App{provider: provider}
}

func (app *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.servePooler(ctx)
	})

	if config.PoolerConfig().ControlAddr != "" {
		g.Go(func() error {
			return app.serveControl(ctx)
		})
	}

	return g.Wait()
}

func (app *App) servePooler(ctx context.Context) error {
	cfg := config.PoolerConfig()

	listener, err := poolcomm.Listen(cfg.SocketDir, cfg.PoolerPort)
	if err != nil {
		return err
	}
	defer func(l *poolcomm.Listener) {
		_ = l.Close()
	}(listener)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		tr, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			xclog.Zero.Error().Err(err).Msg("failed to accept session connection")
			continue
		}

		go app.serveSession(tr)
	}
}

func (app *App) serveSession(tr poolcomm.DescriptorTransport) {
	cfg := config.PoolerConfig()
	agent := poolmgr.NewAgent(tr, app.provider, cfg.BufferSize, cfg.MaxMessageLen)

	if uc, ok := tr.(interface{ UnixConn() *net.UnixConn }); ok {
		if pid, err := poolmgr.PeerPid(uc.UnixConn()); err == nil {
			app.provider.RegisterClient(agent.ID(), pid)
			defer app.provider.UnregisterClient(agent.ID())
		}
	}

	if err := agent.Serve(); err != nil {
		xclog.Zero.Error().Err(err).Str("agent", agent.ID()).Msg("session agent failed")
	}
}

func (app *App) serveControl(ctx context.Context) error {
	cfg := config.PoolerConfig()

	var listener net.Listener
	var err error
	if cfg.ReusePort {
		listener, err = reuse.Listen("tcp", cfg.ControlAddr)
	} else {
		listener, err = net.Listen("tcp", cfg.ControlAddr)
	}
	if err != nil {
		return err
	}
	defer func(l net.Listener) {
		_ = l.Close()
	}(listener)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	xclog.Zero.Info().Str("address", cfg.ControlAddr).Msg("pooler control listener is ready")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			xclog.Zero.Error().Err(err).Msg("failed to accept control connection")
			continue
		}

		// plain TCP: descriptor requests will be refused by the agent
		agent := poolmgr.NewAgent(conn, app.provider, cfg.BufferSize, cfg.MaxMessageLen)
		go func() {
			if err := agent.Serve(); err != nil {
				xclog.Zero.Error().Err(err).Str("agent", agent.ID()).Msg("control agent failed")
			}
		}()
	}
}
