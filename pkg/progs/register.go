package progs

import (
	"github.com/keelplane/keel/pkg/engine"
)

// Register adds every built-in program to reg and validates the cross-program
// references. subject is handed to the lifecycle program and may be nil.
func Register(reg *engine.Registry, subject engine.SubjectResolver) error {
	for _, p := range []engine.Program{
		Counter(),
		FanOut(),
		Leaf(),
		Lifecycle(subject),
		Probe(),
	} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return reg.Validate()
}
