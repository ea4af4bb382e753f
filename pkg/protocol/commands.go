package protocol

// Command names the controller may send over the control channel.
const (
	CommandReloadConfig      = "reload-config"
	CommandReloadFileWatcher = "reload-filewatcher"
	CommandGitPull           = "git-pull"
	CommandRemoveWorkflow    = "remove-workflow"
	CommandSetLogLevel       = "set-log-level"
)

// KnownCommand reports whether name is a command the protocol defines.
func KnownCommand(name string) bool {
	switch name {
	case CommandReloadConfig, CommandReloadFileWatcher, CommandGitPull,
		CommandRemoveWorkflow, CommandSetLogLevel:
		return true
	}
	return false
}

// Close codes used when the hub terminates a session.
const (
	CloseMalformedMessage = 4000
	CloseAuthFailed       = 4001
	ClosePreempted        = 4002
)
