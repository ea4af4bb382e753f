package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// StepImpl is the step contract: a type tag and a synchronous execute
// that returns the context delta to merge. The engine does not interpret
// step semantics beyond this.
type StepImpl interface {
	Type() string
	Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error)
}

// AlertEmitter delivers alerts onto the control channel. Implemented by
// the agent's control client; a no-op in standalone mode.
type AlertEmitter interface {
	EmitAlert(level protocol.AlertLevel, message string, details map[string]interface{})
}

// Registry maps step type tags to implementations. Unknown types resolve
// to a sentinel that always fails with an explicit error and no side
// effects.
type Registry struct {
	steps map[string]StepImpl
}

// NewRegistry builds the registry with the built-in step catalog.
func NewRegistry(alerts AlertEmitter) *Registry {
	r := &Registry{steps: make(map[string]StepImpl)}
	r.Register(&copyFileStep{})
	r.Register(&moveFileStep{})
	r.Register(&deleteFileStep{})
	r.Register(&runCommandStep{})
	r.Register(&alertStep{emitter: alerts})
	return r
}

// Register adds a step implementation, replacing any prior one of the
// same type.
func (r *Registry) Register(impl StepImpl) {
	r.steps[impl.Type()] = impl
}

// Resolve returns the implementation for a type tag, or the
// not-implemented sentinel.
func (r *Registry) Resolve(stepType string) StepImpl {
	if impl, ok := r.steps[stepType]; ok {
		return impl
	}
	return notImplementedStep{stepType: stepType}
}

// configString fetches a required string option from a step config.
func configString(config map[string]interface{}, key string) (string, error) {
	v, ok := config[key]
	if !ok {
		return "", fmt.Errorf("missing required option %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("option %q must be a non-empty string", key)
	}
	return s, nil
}

// copyFileStep copies source to destination, creating parent directories.
type copyFileStep struct{}

func (copyFileStep) Type() string { return "copy-file" }

func (copyFileStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	source, err := configString(config, "source")
	if err != nil {
		return nil, err
	}
	destination, err := configString(config, "destination")
	if err != nil {
		return nil, err
	}

	if err := copyFile(source, destination); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"destinationFile": destination,
		"success":         true,
	}, nil
}

// moveFileStep renames source to destination, falling back to
// copy-and-delete across filesystems.
type moveFileStep struct{}

func (moveFileStep) Type() string { return "move-file" }

func (moveFileStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	source, err := configString(config, "source")
	if err != nil {
		return nil, err
	}
	destination, err := configString(config, "destination")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(source, destination); err != nil {
		if copyErr := copyFile(source, destination); copyErr != nil {
			return nil, fmt.Errorf("failed to move %s: %w", source, copyErr)
		}
		if rmErr := os.Remove(source); rmErr != nil {
			return nil, fmt.Errorf("moved but failed to remove source %s: %w", source, rmErr)
		}
	}
	return map[string]interface{}{
		"newFile": destination,
		"success": true,
	}, nil
}

// deleteFileStep removes the file at path.
type deleteFileStep struct{}

func (deleteFileStep) Type() string { return "delete-file" }

func (deleteFileStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	path, err := configString(config, "path")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return map[string]interface{}{"success": true}, nil
}

// runCommandStep executes a subprocess and captures combined output.
// Exit code zero is success.
type runCommandStep struct{}

func (runCommandStep) Type() string { return "run-command" }

func (runCommandStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	command, err := configString(config, "command")
	if err != nil {
		return nil, err
	}

	var args []string
	if raw, ok := config["args"].([]interface{}); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprintf("%v", a))
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run %s: %w", command, runErr)
		}
	}

	outputs := map[string]interface{}{
		"output":   out.String(),
		"exitCode": exitCode,
		"success":  exitCode == 0,
	}
	if exitCode != 0 {
		return outputs, fmt.Errorf("command %s exited with code %d", command, exitCode)
	}
	return outputs, nil
}

// alertStep emits an alert on the control channel. Produces no context
// outputs.
type alertStep struct {
	emitter AlertEmitter
}

func (alertStep) Type() string { return "alert" }

func (s *alertStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	message, err := configString(config, "message")
	if err != nil {
		return nil, err
	}
	level := protocol.AlertInfo
	if raw, ok := config["level"].(string); ok && raw != "" {
		level = protocol.AlertLevel(raw)
		if !level.Valid() {
			return nil, fmt.Errorf("invalid alert level %q", raw)
		}
	}

	var details map[string]interface{}
	if raw, ok := config["details"].(map[string]interface{}); ok {
		details = raw
	}

	if s.emitter != nil {
		s.emitter.EmitAlert(level, message, details)
	}
	return nil, nil
}

// notImplementedStep is the sentinel for unknown step types: it always
// fails with an explicit error and has no side effects.
type notImplementedStep struct {
	stepType string
}

func (s notImplementedStep) Type() string { return s.stepType }

func (s notImplementedStep) Execute(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("step type %q not implemented", s.stepType)
}

func copyFile(source, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", source, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create destination %s: %w", destination, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", source, err)
	}
	return out.Sync()
}
