package order

import "github.com/minicommerce/orders/internal/shared/events"

type Command string

const (
	CommandConfirm  Command = "confirm"
	CommandFulfill  Command = "fulfill"
	CommandComplete Command = "complete"
	CommandCancel   Command = "cancel"
)

func ParseCommand(s string) (Command, bool) {
	switch Command(s) {
	case CommandConfirm, CommandFulfill, CommandComplete, CommandCancel:
		return Command(s), true
	}
	return "", false
}

// Transition is the pure decision function of the pipeline. Given the current
// status and a command it yields the next status and the event type to emit,
// or an InvalidTransitionError. No side effects; persistence and version
// arbitration live in the store.
func Transition(current Status, cmd Command) (Status, string, error) {
	switch cmd {
	case CommandConfirm:
		if current == StatusCreated {
			return StatusConfirmed, events.TypeOrderConfirmed, nil
		}
	case CommandFulfill:
		if current == StatusConfirmed {
			return StatusFulfilled, events.TypeOrderFulfilled, nil
		}
	case CommandComplete:
		if current == StatusFulfilled {
			return StatusCompleted, events.TypeOrderCompleted, nil
		}
	case CommandCancel:
		if current == StatusCreated || current == StatusConfirmed {
			return StatusCancelled, events.TypeOrderCancelled, nil
		}
	}
	return "", "", &InvalidTransitionError{From: current, Command: cmd}
}
