package progs

import (
	"github.com/keelplane/keel/pkg/engine"
)

// LeafResult is the exit value of every leaf task.
const LeafResult = "done"

// FanOut buds "width" leaf children (default 2), waits for all of them and
// exits with the number of children that reported LeafResult.
func FanOut() engine.Program {
	return engine.Program{
		Name:  FanOutProgram,
		Start: "start",
		Calls: []string{LeafProgram},
		Steps: []engine.Step{
			{Name: "start", Run: fanOutStart, Next: []string{"wait"}},
			{Name: "wait", Run: fanOutWait, Next: []string{"finish"}},
			{Name: "finish", Run: fanOutFinish},
		},
	}
}

// Leaf is the child of FanOut. It pops LeafResult on its first step.
func Leaf() engine.Program {
	return engine.Program{
		Name: LeafProgram,
		Steps: []engine.Step{
			{Name: "go", Run: func(*engine.Context) (engine.Directive, error) {
				return engine.Pop{Value: LeafResult}, nil
			}},
		},
	}
}

func fanOutStart(ctx *engine.Context) (engine.Directive, error) {
	width := 2
	if ctx.Frame().Has("width") {
		width = ctx.Frame().Int("width")
	}

	for i := 0; i < width-1; i++ {
		frame, err := leafFrame(i)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Bud(LeafProgram, frame, ""); err != nil {
			return nil, err
		}
	}
	if width <= 0 {
		return engine.Hop{Step: "wait"}, nil
	}
	frame, err := leafFrame(width - 1)
	if err != nil {
		return nil, err
	}
	return engine.Bud{Program: LeafProgram, Frame: frame, Then: "wait"}, nil
}

func leafFrame(index int) (engine.Frame, error) {
	return engine.NewFrame(map[string]any{"index": index})
}

func fanOutWait(ctx *engine.Context) (engine.Directive, error) {
	return engine.Reap{
		Then: "finish",
		Reaper: func(ctx *engine.Context, child engine.ReapedChild) (string, error) {
			var result string
			if err := child.Decode(&result); err != nil {
				return "", err
			}
			if result == LeafResult {
				if err := ctx.Frame().Set("reaped", ctx.Frame().Int("reaped")+1); err != nil {
					return "", err
				}
			}
			return "", nil
		},
	}, nil
}

func fanOutFinish(ctx *engine.Context) (engine.Directive, error) {
	return engine.Exit{Value: ctx.Frame().Int("reaped")}, nil
}
