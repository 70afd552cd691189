// Package app wires the transport, routing, and TUN layers together into
// the two runnable roles: client and server.
package app

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"qtun/config"
	"qtun/iface"
	"qtun/protocol"
	"qtun/routing"
	"qtun/transport"
	"qtun/utils"
)

const routeReapInterval = 60 * time.Second

// App owns every long-lived subsystem for one process: the routing table
// (server mode only, but harmless to keep allocated in client mode), the
// transport layer, the TUN device, and the periodic reaper.
type App struct {
	cfg *config.Config

	table  *routing.Table
	server *transport.Server
	client *transport.Client
	iface  *iface.Iface
	timer  *utils.Timer
	h      *handler
}

// New builds an App from cfg. Call Run to start it.
func New(cfg *config.Config) *App {
	a := &App{
		cfg:   cfg,
		table: routing.NewTable(),
		timer: utils.NewTimer(),
	}
	a.h = &handler{app: a}
	return a
}

// Run starts every subsystem for the configured role and blocks running
// the TUN packet pipeline until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	var cipher *transport.Cipher
	if a.cfg.Key != "" {
		c, err := transport.NewAES128Cipher(a.cfg.Key)
		if err != nil {
			return err
		}
		cipher = c
	}

	if a.cfg.ServerMode {
		a.startServer(ctx, cipher)
	} else {
		if err := a.startClient(ctx, cipher); err != nil {
			return err
		}
		setProxy(a.cfg.FileSvrPort)
	}

	return a.startTunPipeline(ctx)
}

func (a *App) startServer(ctx context.Context, cipher *transport.Cipher) {
	srv := transport.NewServer(a.cfg.Listen, a.cfg.Key, cipher, a.cfg.NoDelay, a.h)
	srv.OnAccept = func(conn *transport.ServerConn, remoteAddr string) func() {
		return func() {
			if id := conn.RegisteredID(); id != "" {
				a.table.DeleteDead(id)
			}
			utils.Logger.Warn("server connection removed", zap.String("remote_addr", remoteAddr))
		}
	}
	a.server = srv
	go srv.Start(ctx)

	a.timer.RegisterTask(func() {
		utils.Logger.Info("starting route reap pass")
		a.table.Reap()
	}, routeReapInterval)
	a.timer.Start()
}

func (a *App) startClient(ctx context.Context, cipher *transport.Cipher) error {
	virtIP := transport.StripCIDR(a.cfg.IP)
	client := transport.NewClient(a.cfg.RemoteAddrs, virtIP, a.cfg.TransportThreads, cipher, a.cfg.NoDelay, a.h)
	if err := client.Start(ctx); err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *App) startTunPipeline(ctx context.Context) error {
	dev := iface.NewIface(a.cfg.IP, a.cfg.MTU)
	if err := dev.Start(); err != nil {
		return err
	}
	a.iface = dev

	numWorkers := clamp(2*runtime.NumCPU(), 4, 32)
	utils.Logger.Info("starting tun packet workers", zap.Int("workers", numWorkers), zap.Int("num_cpu", runtime.NumCPU()))

	for i := 0; i < numWorkers-1; i++ {
		go a.tunWorker(ctx, i)
	}
	a.tunWorker(ctx, numWorkers-1)
	return nil
}

func (a *App) tunWorker(ctx context.Context, workerNum int) {
	pkt := iface.NewPacketIP(a.cfg.MTU)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := a.iface.Read(pkt)
		if err != nil {
			utils.Logger.Error("failed to read from tun interface", zap.Int("worker", workerNum), zap.Error(err))
			continue
		}
		pkt.Truncate(n)

		dst := pkt.DestinationIP().String()
		utils.Logger.Debug("tun packet read", zap.Int("worker", workerNum), zap.String("dst", dst), zap.Int("len", n))

		if a.cfg.ServerMode {
			a.dispatchServer(dst, pkt)
		} else if a.client != nil {
			a.client.SendPacket(pkt.AsBytes())
		}

		pkt.Resize(a.cfg.MTU)
	}
}

func (a *App) dispatchServer(dst string, pkt *iface.PacketIP) {
	connID, conn, ok := a.table.PickRandom(dst)
	if !ok {
		utils.Logger.Info("no route, packet dropped", zap.String("dst", dst))
		return
	}
	if conn.IsClosed() {
		utils.Logger.Info("connection closed, removing route", zap.String("dst", dst), zap.String("conn", connID))
		a.table.DeleteDead(connID)
		return
	}
	env := protocol.Envelope{Packet: &protocol.Packet{Payload: pkt.AsBytes()}}
	conn.SendPacket(env.Marshal())
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
