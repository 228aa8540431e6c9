package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atrium-ai/atrium/pkg/errors"
	"github.com/atrium-ai/atrium/pkg/sandbox"
	"github.com/atrium-ai/atrium/pkg/skills"
)

// SandboxSkillName is the skill whose invocations carry raw code to
// run verbatim.
const SandboxSkillName = "sandbox_service"

// Observation is the structured result of one invocation, fed back
// into the transcript. Both Text and Raw are always populated so
// downstream consumers never branch on skill kind.
type Observation struct {
	SkillName string
	Success   bool
	Text      string
	Raw       map[string]any
	Duration  time.Duration
}

// Executor dispatches parsed invocations through the sandbox gateway.
// It never lets a failure escape as an error: every outcome is an
// observation.
type Executor struct {
	gateway *sandbox.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor. timeout bounds each sandbox call.
func NewExecutor(gateway *sandbox.Client, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gateway: gateway, timeout: timeout, logger: logger}
}

// Execute dispatches one invocation against a registry snapshot.
func (e *Executor) Execute(ctx context.Context, snapshot *skills.Snapshot, inv Invocation) Observation {
	code := inv.Code

	if inv.SkillName != SandboxSkillName {
		manifest, err := snapshot.Get(inv.SkillName)
		if err != nil {
			return errorObservation(inv.SkillName,
				fmt.Sprintf("skill %q not found in the registry", inv.SkillName))
		}
		if !manifest.Executable {
			return errorObservation(inv.SkillName,
				fmt.Sprintf("skill %q is documentation-only and cannot be executed", inv.SkillName))
		}
		if synthesized, ok := synthesizeCall(manifest, inv.Code); ok {
			code = synthesized
		}
	}

	e.logger.Info("dispatching skill",
		slog.String("skill", inv.SkillName),
		slog.Int("code_bytes", len(code)),
	)

	result, err := e.gateway.Execute(ctx, sandbox.ExecuteRequest{
		Language:    "python",
		Code:        code,
		TrustedMode: true,
		Timeout:     int(e.timeout / time.Second),
	})
	if err != nil {
		ae := errors.AsAtriumError(err)
		if ae.Code == errors.CodeTimeout {
			obs := errorObservation(inv.SkillName, "timeout")
			obs.Duration = e.timeout
			return obs
		}
		return errorObservation(inv.SkillName, ae.Error())
	}

	text := result.Stdout
	if !result.Success && strings.TrimSpace(result.Stderr) != "" {
		text = result.Stderr
	}
	return Observation{
		SkillName: inv.SkillName,
		Success:   result.Success,
		Text:      text,
		Raw: map[string]any{
			"success":     result.Success,
			"stdout":      result.Stdout,
			"stderr":      result.Stderr,
			"exit_code":   result.ExitCode,
			"duration_ms": result.DurationMS,
		},
		Duration: time.Duration(result.DurationMS) * time.Millisecond,
	}
}

// synthesizeCall templates a code body that imports the skill's client
// and calls its default method with the supplied arguments. Manifests
// without client metadata fall through to verbatim execution: their
// usage notes already teach the model to write complete code.
func synthesizeCall(manifest *skills.Manifest, args string) (string, bool) {
	if manifest.ClientClass == "" || manifest.DefaultMethod == "" {
		return "", false
	}
	module := fmt.Sprintf("services.%s.client", manifest.Name)
	args = strings.TrimSpace(args)

	var b strings.Builder
	fmt.Fprintf(&b, "from %s import %s\n", module, manifest.ClientClass)
	fmt.Fprintf(&b, "client = %s()\n", manifest.ClientClass)
	fmt.Fprintf(&b, "result = client.%s(%s)\n", manifest.DefaultMethod, args)
	b.WriteString("print(result)\n")
	return b.String(), true
}

func errorObservation(skillName, text string) Observation {
	return Observation{
		SkillName: skillName,
		Success:   false,
		Text:      text,
		Raw: map[string]any{
			"success": false,
			"error":   text,
		},
	}
}
