// Package events provides event subjects for the controller event system.
package events

// Event types for agents
const (
	AgentRegistered = "agent.registered"
	AgentConnected  = "agent.connected"
	AgentOffline    = "agent.offline"
	AgentHeartbeat  = "agent.heartbeat"
	AgentStatus     = "agent.status"
)

// Event types for alerts
const (
	AlertRaised = "alert.raised"
)

// Event types for the config store
const (
	ConfigUpdated = "config.updated"
	ConfigPushed  = "config.pushed"
)
