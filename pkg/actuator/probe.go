package actuator

import (
	"log/slog"
)

// probe tries candidates in order and returns the first that answers without error.
func probe[T any](log *slog.Logger, capability string, candidates []Binding[T]) (*Binding[T], bool) {
	for i := range candidates {
		candidate := candidates[i]
		if candidate.Read == nil {
			continue
		}
		if _, err := safeRead(candidate); err != nil {
			log.Debug("Binding did not answer", "capability", capability, "binding", candidate.Name, "err", err)
			continue
		}
		log.Info("Bound capability", "capability", capability, "binding", candidate.Name)
		return &candidate, true
	}
	log.Warn("No working binding", "capability", capability, "candidates", len(candidates))
	return nil, false
}

// safeRead runs a binding with panics converted to errors.
func safeRead[T any](b Binding[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActuationError{Op: "read " + b.Name, Err: panicError(r)}
		}
	}()
	return b.Read()
}

// Capabilities names the binding chosen for each capability; empty means none.
type Capabilities struct {
	Battery  string `json:"battery,omitempty"`
	Attitude string `json:"attitude,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

func bindingName[T any](b *Binding[T]) string {
	if b == nil {
		return ""
	}
	return b.Name
}
