package server

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DownlinkSubject is where the API side sends raw commands for the devices
// held by one gateway.
func DownlinkSubject(gatewayID string) string {
	return "gateway.downlink." + gatewayID
}

func (s *TCPServer) startDownlinkConsumer() error {
	subject := DownlinkSubject(s.config.Gateway.ID)
	sub, err := s.nats.Subscribe(subject, s.handleDownlink)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.log.Info("downlink subscribed", map[string]any{"subject": subject})

	go func() {
		<-s.ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (s *TCPServer) handleDownlink(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.log.Warn("bad downlink message", map[string]any{"error": err.Error()})
		return
	}
	n, err := s.send(cmd)
	if err != nil {
		s.log.Warn("downlink command dropped", map[string]any{"device_id": cmd.DeviceID, "error": err.Error()})
		return
	}
	s.log.Debug("downlink command queued", map[string]any{"device_id": cmd.DeviceID, "bytes": n})
}
