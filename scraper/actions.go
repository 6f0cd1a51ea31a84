package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/harvester/models"
)

// actionTimeout is the per-step deadline when the step sets none.
const actionTimeout = 10 * time.Second

var keys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Space":      input.Space,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Home":       input.Home,
	"End":        input.End,
}

// scenarioResult carries what steps produced besides page mutations.
type scenarioResult struct {
	screenshot []byte
}

// runScenario executes the ordered steps on the page. The first failing step
// aborts the scenario with an error naming it.
func runScenario(ctx context.Context, page *rod.Page, steps []models.ScenarioStep) (*scenarioResult, error) {
	res := &scenarioResult{}
	for i, step := range steps {
		if err := runStep(ctx, page, step, res); err != nil {
			return res, fmt.Errorf("scenario step %d (%s) failed after %d completed: %w", i, step.Action, i, err)
		}
	}
	return res, nil
}

// runStep dispatches a single step with its own timeout.
func runStep(ctx context.Context, page *rod.Page, step models.ScenarioStep, res *scenarioResult) error {
	timeout := actionTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := page.Context(stepCtx)

	switch step.Action {
	case models.ActionWaitFor:
		_, err := p.Element(step.Selector)
		return err
	case models.ActionWait:
		return sleep(stepCtx, time.Duration(step.DurationMs)*time.Millisecond)
	case models.ActionWaitForNavigation:
		wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
		wait()
		return stepCtx.Err()
	case models.ActionClick:
		el, err := p.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case models.ActionFill:
		el, err := p.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Input(step.Value)
	case models.ActionSelect:
		el, err := p.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Select([]string{step.Value}, true, rod.SelectorTypeText)
	case models.ActionHover:
		el, err := p.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.Hover()
	case models.ActionPress:
		key, ok := keys[step.Key]
		if !ok {
			return fmt.Errorf("unsupported key %q", step.Key)
		}
		return p.Keyboard.Press(key)
	case models.ActionScroll:
		return execScroll(p, step)
	case models.ActionScrollTo:
		el, err := p.Element(step.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", step.Selector, err)
		}
		return el.ScrollIntoView()
	case models.ActionEvaluate:
		_, err := p.Eval(step.Script)
		return err
	case models.ActionScreenshot:
		shot, err := p.Screenshot(step.FullPage, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return err
		}
		res.screenshot = shot
		return nil
	default:
		return fmt.Errorf("unknown action: %s", step.Action)
	}
}

// execScroll scrolls by (X, Y) pixels, or one viewport down when both are zero.
func execScroll(p *rod.Page, step models.ScenarioStep) error {
	dx, dy := float64(step.X), float64(step.Y)
	if dx == 0 && dy == 0 {
		res, err := p.Eval(`() => window.innerHeight`)
		if err != nil {
			return fmt.Errorf("failed to get viewport height: %w", err)
		}
		dy = float64(res.Value.Int())
	}
	if err := p.Mouse.Scroll(dx, dy, 4); err != nil {
		return err
	}
	// Let lazy-loaded content trigger.
	return sleep(p.GetContext(), 100*time.Millisecond)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
