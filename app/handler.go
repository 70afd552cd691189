package app

import (
	"go.uber.org/zap"

	"qtun/iface"
	"qtun/protocol"
	"qtun/transport"
	"qtun/utils"
)

// handler implements transport.Handler, dispatching decoded envelopes to
// the routing table (server mode) or the local TUN device (both modes).
type handler struct {
	app *App
}

func (h *handler) ClientOnData(data []byte) {
	var env protocol.Envelope
	if err := env.Unmarshal(data); err != nil {
		utils.Logger.Error("failed to decode envelope", zap.Error(err))
		return
	}
	if env.Packet == nil {
		return
	}
	h.writeToTun(env.Packet.Payload)
}

func (h *handler) ServerOnData(data []byte, conn *transport.ServerConn) {
	var env protocol.Envelope
	if err := env.Unmarshal(data); err != nil {
		utils.Logger.Error("failed to decode envelope", zap.Error(err))
		return
	}

	switch {
	case env.Ping != nil:
		h.app.table.Register(env.Ping.IP, env.Ping.LocalAddr, conn)
		conn.SetRegisteredID(env.Ping.LocalAddr)
		utils.Logger.Debug("ping registered",
			zap.String("virt_ip", env.Ping.IP), zap.String("local_addr", env.Ping.LocalAddr))
	case env.Packet != nil:
		h.writeToTun(env.Packet.Payload)
	}
}

// writeToTun hands payload off to its own goroutine so the caller's read
// loop never blocks on the TUN device mutex (spec.md §4.7).
func (h *handler) writeToTun(payload []byte) {
	dev := h.app.iface
	if dev == nil {
		return
	}
	go func() {
		pkt := iface.PacketIPFromBytes(payload)
		if _, err := dev.Write(pkt); err != nil {
			utils.Logger.Error("failed to write to tun interface", zap.Error(err))
		}
	}()
}
