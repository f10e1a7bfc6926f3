package models

import "encoding/json"

// CommandType enumerates the commands the controller may send to an agent.
// Dispatch is an exhaustive switch; adding a command type is a compile-time
// visible change, not a string-keyed lookup miss at runtime.
type CommandType string

const (
	CommandScanNow      CommandType = "scan_now"
	CommandScanSegment  CommandType = "scan_segment"
	CommandUpdateConfig CommandType = "update_config"
	CommandRestart      CommandType = "restart"
	CommandUpgrade      CommandType = "upgrade"
	CommandPing         CommandType = "ping"
)

// CommandStatus tracks the lifecycle of a controller command.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// AgentCommand is a single command delivered via heartbeat polling or the
// realtime push channel. Each pending command is acknowledged exactly once.
type AgentCommand struct {
	ID          string          `json:"id"`
	CommandType CommandType     `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      CommandStatus   `json:"status"`
}
