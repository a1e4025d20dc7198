package progs

import (
	"time"

	"github.com/keelplane/keel/pkg/engine"
)

// Signals understood by the lifecycle program.
const (
	SignalDestroy = "destroy"
	SignalRefresh = "refresh"
)

// Lifecycle defaults, overridable through frame params.
const (
	DefaultProvisionTimeout = 300  // seconds, param "provision_timeout"
	DefaultRefreshInterval  = 3600 // seconds, param "refresh_interval"
)

// ProbeResult is the value popped by the probe program.
type ProbeResult struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Lifecycle drives one managed resource: it probes the resource until it is
// healthy, then idles in "ready" re-probing on refresh, and tears the
// resource down when the destroy signal is raised. Provisioning must reach
// "ready" within the provision timeout or the task is torn down.
//
// subject may be nil; when set it resolves the frame's subject_id.
func Lifecycle(subject engine.SubjectResolver) engine.Program {
	return engine.Program{
		Name:    LifecycleProgram,
		Start:   "start",
		Signals: []string{SignalDestroy, SignalRefresh},
		Calls:   []string{ProbeProgram},
		Subject: subject,
		Steps: []engine.Step{
			{Name: "start", Run: lifecycleStart, Next: []string{"provisioned"}},
			{Name: "provisioned", Run: lifecycleProvisioned, Next: []string{"start", "ready"}},
			{Name: "ready", Run: lifecycleReady, Next: []string{"provisioned"}},
			{Name: "destroy", Run: lifecycleDestroy},
		},
		Before:     lifecycleBefore,
		OnDeadline: lifecycleDeadline,
	}
}

// Probe checks the resource once and pops a ProbeResult. The frame param
// "fail" makes the check report an unhealthy resource.
func Probe() engine.Program {
	return engine.Program{
		Name: ProbeProgram,
		Steps: []engine.Step{
			{Name: "check", Run: probeCheck},
		},
	}
}

func lifecycleBefore(ctx *engine.Context) (engine.Directive, error) {
	if ctx.Task().Step == "destroy" {
		return nil, nil
	}
	destroy, err := ctx.CheckAndClear(SignalDestroy)
	if err != nil {
		return nil, err
	}
	if destroy {
		logger := ctx.Logger()
		logger.Info().Msg("Destroy requested")
		return engine.Hop{Step: "destroy"}, nil
	}
	return nil, nil
}

func lifecycleDeadline(ctx *engine.Context, err *engine.DeadlineExceededError) (engine.Directive, error) {
	logger := ctx.Logger()
	logger.Warn().Err(err).Msg("Provisioning timed out, destroying")
	if serr := ctx.Frame().Set("reason", "provision timeout"); serr != nil {
		return nil, serr
	}
	return engine.Hop{Step: "destroy"}, nil
}

func lifecycleStart(ctx *engine.Context) (engine.Directive, error) {
	timeout := DefaultProvisionTimeout
	if ctx.Frame().Has("provision_timeout") {
		timeout = ctx.Frame().Int("provision_timeout")
	}
	ctx.RegisterDeadline("ready", timeout)

	if s := ctx.Subject(); s != nil {
		logger := ctx.Logger()
		logger.Debug().Interface("subject", s).Msg("Provisioning subject")
	}
	return pushProbe(ctx, "provisioned")
}

func lifecycleProvisioned(ctx *engine.Context) (engine.Directive, error) {
	var res ProbeResult
	if err := ctx.Frame().ReturnValue(&res); err != nil {
		return nil, err
	}
	if err := ctx.Frame().Set("probes", ctx.Frame().Int("probes")+1); err != nil {
		return nil, err
	}

	if !res.Healthy {
		if err := ctx.Frame().Set("probe_failures", ctx.Frame().Int("probe_failures")-1); err != nil {
			return nil, err
		}
		return engine.Hop{Step: "start"}, nil
	}
	return engine.Hop{Step: "ready"}, nil
}

func lifecycleReady(ctx *engine.Context) (engine.Directive, error) {
	refresh, err := ctx.CheckAndClear(SignalRefresh)
	if err != nil {
		return nil, err
	}
	if refresh {
		return pushProbe(ctx, "provisioned")
	}

	interval := DefaultRefreshInterval
	if ctx.Frame().Has("refresh_interval") {
		interval = ctx.Frame().Int("refresh_interval")
	}
	return engine.NapSeconds(interval), nil
}

func lifecycleDestroy(ctx *engine.Context) (engine.Directive, error) {
	reason := ctx.Frame().String("reason")
	if reason == "" {
		reason = "destroyed"
	}
	return engine.Pop{Value: reason}, nil
}

func pushProbe(ctx *engine.Context, then string) (engine.Directive, error) {
	probe := engine.Frame{}
	if err := probe.Set("fail", ctx.Frame().Int("probe_failures") > 0); err != nil {
		return nil, err
	}
	if id := ctx.Frame().SubjectID(); id != "" {
		if err := probe.Set(engine.SubjectIDParam, id); err != nil {
			return nil, err
		}
	}
	return engine.Push{Program: ProbeProgram, Frame: probe, Then: then}, nil
}

func probeCheck(ctx *engine.Context) (engine.Directive, error) {
	var fail bool
	if ctx.Frame().Has("fail") {
		if err := ctx.Frame().Get("fail", &fail); err != nil {
			return nil, err
		}
	}
	return engine.Pop{Value: ProbeResult{Healthy: !fail, CheckedAt: ctx.Now().UTC()}}, nil
}
