package progs

import (
	"github.com/keelplane/keel/pkg/engine"
)

// Program names registered by this package.
const (
	CounterProgram   = "counter"
	FanOutProgram    = "fanout"
	LeafProgram      = "leaf"
	LifecycleProgram = "lifecycle"
	ProbeProgram     = "probe"
)

// CounterLimit is the value at which a counter task pops.
const CounterLimit = 3

// Counter counts to CounterLimit, napping one second between increments, and
// exits with the final count.
func Counter() engine.Program {
	return engine.Program{
		Name:  CounterProgram,
		Start: "start",
		Steps: []engine.Step{
			{Name: "start", Run: counterStart, Next: []string{"increment"}},
			{Name: "increment", Run: counterIncrement},
		},
	}
}

func counterStart(ctx *engine.Context) (engine.Directive, error) {
	if err := ctx.Frame().Set("count", 0); err != nil {
		return nil, err
	}
	return engine.Hop{Step: "increment"}, nil
}

func counterIncrement(ctx *engine.Context) (engine.Directive, error) {
	count := ctx.Frame().Int("count")
	if count >= CounterLimit {
		return engine.Pop{Value: count}, nil
	}
	if err := ctx.Frame().Set("count", count+1); err != nil {
		return nil, err
	}
	return engine.NapSeconds(1), nil
}
