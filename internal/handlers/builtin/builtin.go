// Package builtin provides diagnostic handlers that ship with every worker:
// noop, sleep and fail. They are handy for smoke tests and load checks.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexq/internal/handlers"
	"github.com/aatumaykin/nexq/internal/job"
)

const (
	TypeNoop  = "nexq.noop"
	TypeSleep = "nexq.sleep"
	TypeFail  = "nexq.fail"
)

// Register adds all builtin handlers to r.
func Register(r *handlers.Registry) error {
	for typ, h := range map[string]handlers.Handler{
		TypeNoop:  handlers.HandlerFunc(Noop),
		TypeSleep: handlers.HandlerFunc(Sleep),
		TypeFail:  handlers.HandlerFunc(Fail),
	} {
		if err := r.Register(typ, h); err != nil {
			return err
		}
	}
	return nil
}

// Noop echoes the payload back as the result.
func Noop(ctx context.Context, t *handlers.Task) (json.RawMessage, error) {
	return t.Payload, nil
}

type sleepPayload struct {
	Duration string `json:"duration"`
	Steps    int    `json:"steps"`
}

// Sleep waits for payload.duration, reporting progress in payload.steps
// increments. It returns early with the context error when cancelled.
func Sleep(ctx context.Context, t *handlers.Task) (json.RawMessage, error) {
	var p sleepPayload
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil || d < 0 {
		return nil, job.Permanent(fmt.Errorf("invalid sleep duration %q", p.Duration))
	}
	steps := p.Steps
	if steps <= 0 {
		steps = 1
	}

	step := d / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if err := t.ReportProgress(i * 100 / steps); err != nil {
			return nil, err
		}
		timer.Reset(step)
	}
	return json.Marshal(map[string]string{"slept": d.String()})
}

type failPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
	// SucceedOn makes the handler succeed once the attempt number reaches it.
	SucceedOn int  `json:"succeed_on"`
	Panic     bool `json:"panic"`
}

// Fail fails every attempt as configured by its payload.
func Fail(ctx context.Context, t *handlers.Task) (json.RawMessage, error) {
	var p failPayload
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	if p.SucceedOn > 0 && t.Attempt >= p.SucceedOn {
		return json.Marshal(map[string]int{"succeeded_on": t.Attempt})
	}
	msg := p.Message
	if msg == "" {
		msg = "requested failure"
	}
	if p.Panic {
		panic(msg)
	}
	err := errors.New(msg)
	if p.Permanent {
		return nil, job.Permanent(err)
	}
	return nil, err
}
