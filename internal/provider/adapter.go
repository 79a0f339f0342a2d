package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/supervisor"
)

// ErrCanceled is returned when the caller's context fires mid-run.
// Partial text is never reported as success.
var ErrCanceled = errors.New("provider run canceled")

// ErrUnsupported is returned for unknown provider names.
var ErrUnsupported = errors.New("unsupported provider")

// permissionDenialLimit is the number of observed permission-denial
// signals after which the run is cut short instead of waiting for the
// idle timeout.
const permissionDenialLimit = 3

// Request describes one text-generation call.
type Request struct {
	Provider       string
	Prompt         string
	Model          string
	PermissionMode string // "" or PermissionModePlan
	Dir            string
	Timeout        time.Duration // idle timeout for the run
	LogDir         string
	OnEvent        func(supervisor.Event) // optional live passthrough
}

// Response is the outcome of a text-generation call. A zero ErrorClass
// means success.
type Response struct {
	Text       string
	RunID      string
	ExitInfo   supervisor.ExitInfo
	ErrorClass string
	Usage      *supervisor.Usage
}

// Succeeded reports whether the call produced usable text.
func (r *Response) Succeeded() bool {
	return r != nil && r.ErrorClass == "" && strings.TrimSpace(r.Text) != ""
}

// Adapter executes provider requests through the supervisor.
type Adapter struct {
	registry  *Registry
	killGrace time.Duration
	log       *logging.Logger
}

// NewAdapter creates an adapter over a registry.
func NewAdapter(registry *Registry, killGrace time.Duration) *Adapter {
	if killGrace <= 0 {
		killGrace = supervisor.DefaultKillGrace
	}
	return &Adapter{
		registry:  registry,
		killGrace: killGrace,
		log:       logging.Component("provider"),
	}
}

// ExecuteText runs one provider invocation and accumulates the model's
// text output. Assistant text events are concatenated; the most recent
// usage event wins.
func (a *Adapter) ExecuteText(ctx context.Context, req Request) (*Response, error) {
	builder, err := a.registry.Resolve(req.Provider)
	if err != nil {
		return &Response{ErrorClass: ClassUnsupported}, err
	}

	inv := builder.Build(req)

	var mu sync.Mutex
	var text strings.Builder
	var tail []string // recent lines kept for classification
	var usage *supervisor.Usage
	denials := 0

	onEvent := func(ev supervisor.Event) {
		mu.Lock()
		switch ev.Type {
		case supervisor.EventAssistantText:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(ev.Data)
		case supervisor.EventRunUsage:
			if u, ok := ev.Meta["usage"].(supervisor.Usage); ok {
				copied := u
				usage = &copied
			}
		}
		if ev.Data != "" {
			tail = append(tail, ev.Data)
			if len(tail) > 200 {
				tail = tail[len(tail)-200:]
			}
			if permissionDenialPattern.MatchString(ev.Data) {
				denials++
			}
		}
		mu.Unlock()

		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}

	shouldTerminate := func(ev supervisor.Event) bool {
		mu.Lock()
		defer mu.Unlock()
		return denials >= permissionDenialLimit
	}

	result, runErr := supervisor.RunStreaming(ctx, supervisor.Spec{
		Command:         inv.Command,
		Args:            inv.Args,
		Dir:             req.Dir,
		Env:             inv.Env,
		Stdin:           inv.Stdin,
		ParseMode:       inv.ParseMode,
		IdleTimeout:     req.Timeout,
		KillGrace:       a.killGrace,
		LogDir:          req.LogDir,
		OnEvent:         onEvent,
		ShouldTerminate: shouldTerminate,
	})

	mu.Lock()
	resp := &Response{
		Text:  text.String(),
		Usage: usage,
	}
	output := strings.Join(tail, "\n")
	denialCount := denials
	mu.Unlock()

	if result != nil {
		resp.RunID = result.RunID
		resp.ExitInfo = result.ExitInfo
	}

	if result != nil && result.Aborted {
		resp.ErrorClass = ClassCanceled
		return resp, fmt.Errorf("%w: %s", ErrCanceled, req.Provider)
	}

	resp.ErrorClass = classify(result, runErr, output, denialCount)
	if resp.ErrorClass != "" {
		a.log.WarnCtx("provider call failed", map[string]any{
			"provider": req.Provider,
			"run_id":   resp.RunID,
			"class":    resp.ErrorClass,
		})
	}
	return resp, nil
}
