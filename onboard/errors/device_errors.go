package errors

import "fmt"

type PortNameError struct {
	Name string
}

func (err PortNameError) Error() string {
	return fmt.Sprintf("no such port %s", err.Name)
}

type PortIndexError struct {
	Kind  string
	Index int
	Count int
}

func (err PortIndexError) Error() string {
	if len(err.Kind) == 0 {
		err.Kind = "UNKNOWN"
	}

	return fmt.Sprintf("%s port %d out of range; robot has %d ports", err.Kind, err.Index, err.Count)
}

// TransportError is raised when the link to the MCU is unusable. The robot
// manager treats it as irrecoverable.
type TransportError struct {
	Op  string
	Err error
}

func (err TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", err.Op, err.Err)
}

func (err TransportError) Unwrap() error {
	return err.Err
}

// CommandError carries a non-Ok response status for a named MCU command.
// Err is the sentinel the status maps to, if any.
type CommandError struct {
	Command string
	Status  string
	Err     error
}

func (err CommandError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("command %s failed: %s: %v", err.Command, err.Status, err.Err)
	}
	return fmt.Sprintf("command %s failed: %s", err.Command, err.Status)
}

func (err CommandError) Unwrap() error {
	return err.Err
}

type IntegrityError struct {
	What     string
	Expected string
	Actual   string
}

func (err IntegrityError) Error() string {
	return fmt.Sprintf("integrity check of %s failed: expected %s, got %s", err.What, err.Expected, err.Actual)
}

type ConfigError struct {
	Field  string
	Reason string
}

func (err ConfigError) Error() string {
	if len(err.Field) == 0 {
		return fmt.Sprintf("invalid configuration: %s", err.Reason)
	}
	return fmt.Sprintf("invalid configuration at %s: %s", err.Field, err.Reason)
}
