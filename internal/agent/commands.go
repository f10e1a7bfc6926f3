package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/velocityeu/velocitypulse-agent/internal/controller"
	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// Dispatch executes one controller command and acknowledges it exactly
// once, including when the handler panics. Commands arrive over both the
// heartbeat and the push channel; duplicate deliveries of the same command
// ID are dropped here.
func (a *Agent) Dispatch(ctx context.Context, cmd models.AgentCommand) {
	if cmd.ID == "" {
		return
	}
	if !a.claimCommand(cmd.ID) {
		a.logger.Debug("duplicate command delivery ignored", zap.String("command_id", cmd.ID))
		return
	}
	a.logger.Info("executing command",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.CommandType)),
	)

	acked := false
	ack := func(success bool, result any, errMsg string) {
		if acked {
			return
		}
		acked = true
		outcome := "completed"
		if !success {
			outcome = "failed"
		}
		metricCommands.WithLabelValues(string(cmd.CommandType), outcome).Inc()
		err := a.client.AckCommand(ctx, cmd.ID, controller.AckRequest{
			Success: success,
			Result:  result,
			Error:   errMsg,
		})
		if err != nil {
			a.logger.Warn("command ack failed", zap.String("command_id", cmd.ID), zap.Error(err))
		}
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("command handler panicked",
				zap.String("command_id", cmd.ID),
				zap.Any("panic", r),
			)
			ack(false, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch cmd.CommandType {
	case models.CommandScanNow:
		a.handleScanNow(ack)
	case models.CommandScanSegment:
		a.handleScanSegment(ctx, cmd.Payload, ack)
	case models.CommandUpdateConfig:
		a.handleUpdateConfig(cmd.Payload, ack)
	case models.CommandRestart:
		// Ack first so the controller sees completion before the process exits.
		ack(true, nil, "")
		a.logger.Info("restart requested by controller")
		a.onRestart()
	case models.CommandUpgrade:
		a.handleUpgrade(ctx, cmd.Payload, ack)
	case models.CommandPing:
		a.handlePing(ctx, cmd.ID, ack)
	default:
		ack(false, nil, fmt.Sprintf("unsupported command type %q", cmd.CommandType))
	}
}

// claimCommand records a command ID, returning false if it was already
// claimed. The seen set resets once it grows past a sane bound; command IDs
// are only ever replayed within a short delivery window.
func (a *Agent) claimCommand(id string) bool {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if _, ok := a.cmdSeen[id]; ok {
		return false
	}
	if len(a.cmdSeen) > 1024 {
		a.cmdSeen = make(map[string]struct{})
	}
	a.cmdSeen[id] = struct{}{}
	return true
}

type ackFunc func(success bool, result any, errMsg string)

func (a *Agent) handleScanNow(ack ackFunc) {
	// Marking the segments due hands the work to the scan loop, so the
	// command acks promptly instead of blocking dispatch for the duration
	// of every scan. The loop picks the segments up on its next tick.
	marked := 0
	for _, st := range a.state.Segments() {
		if st.Segment.SegmentType == models.SegmentTypeLocalScan {
			marked++
		}
	}
	a.state.MarkScanDue("")
	ack(true, map[string]int{"segments_marked": marked}, "")
}

func (a *Agent) handleScanSegment(ctx context.Context, payload json.RawMessage, ack ackFunc) {
	var req struct {
		SegmentID string `json:"segment_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.SegmentID == "" {
		ack(false, nil, "payload missing segment_id")
		return
	}

	known := false
	for _, st := range a.state.Segments() {
		if st.Segment.ID == req.SegmentID {
			known = true
			break
		}
	}
	if !known {
		ack(false, nil, fmt.Sprintf("unknown segment %q", req.SegmentID))
		return
	}

	n, ran := a.ScanSegment(ctx, req.SegmentID)
	if !ran {
		ack(false, nil, "scan already in progress")
		return
	}
	ack(true, map[string]int{"devices_found": n}, "")
}

func (a *Agent) handleUpdateConfig(payload json.RawMessage, ack ackFunc) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		ack(false, nil, "payload is not a field map: "+err.Error())
		return
	}
	changed, err := a.cfg.ApplyUpdate(fields)
	if err != nil {
		ack(false, nil, err.Error())
		return
	}
	if len(changed) > 0 {
		rt := a.cfg.Runtime()
		a.hysteresis.SetThreshold(rt.OfflineThreshold)
		a.onApplied(rt)
	}
	a.logger.Info("configuration updated", zap.Strings("fields", changed))
	ack(true, map[string]any{"changed_fields": changed}, "")
}

func (a *Agent) handleUpgrade(ctx context.Context, payload json.RawMessage, ack ackFunc) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Version == "" {
		ack(false, nil, "payload missing version")
		return
	}

	if reason := a.upgradeBlockReason(req.Version); reason != "" {
		// A blocked upgrade is not a failure: the command was understood and
		// the policy answer is the result.
		ack(true, map[string]string{"blocked": reason}, "")
		return
	}

	// Ack before triggering so the outcome is recorded even if the installer
	// replaces the process.
	ack(true, map[string]string{"version": req.Version}, "")
	go func() {
		if err := a.upgrader.Upgrade(ctx, req.Version); err != nil {
			a.logger.Error("upgrade failed", zap.String("version", req.Version), zap.Error(err))
		}
	}()
}

func (a *Agent) handlePing(ctx context.Context, commandID string, ack ackFunc) {
	latency, err := a.pingController(ctx, commandID)
	if err != nil {
		ack(false, nil, err.Error())
		return
	}
	ack(true, map[string]float64{"latency_ms": latency}, "")
}

// PingController measures controller round-trip latency. The dashboard's
// ping action lands here.
func (a *Agent) PingController(ctx context.Context) (latencyMs float64, err error) {
	return a.pingController(ctx, "")
}

func (a *Agent) pingController(ctx context.Context, commandID string) (float64, error) {
	started := time.Now()
	resp, err := a.client.Ping(ctx, controller.PingRequest{
		AgentTimestamp: started.UTC(),
		CommandID:      commandID,
	})
	if err != nil {
		return 0, err
	}
	latency := resp.LatencyMs
	if latency == 0 {
		latency = float64(time.Since(started).Microseconds()) / 1000.0
	}
	return latency, nil
}
