package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
)

// Adapter performs actions in a real browser session. Implementations must
// honour ctx: the executor abandons calls that outlive their timeout.
type Adapter interface {
	Navigate(ctx context.Context, a actions.Navigate) (map[string]interface{}, error)
	Click(ctx context.Context, a actions.Click) (map[string]interface{}, error)
	Type(ctx context.Context, a actions.Type) (map[string]interface{}, error)
	Scroll(ctx context.Context, a actions.Scroll) (map[string]interface{}, error)
	Wait(ctx context.Context, a actions.Wait) (map[string]interface{}, error)
	Extract(ctx context.Context, a actions.Extract) (map[string]interface{}, error)
	Screenshot(ctx context.Context, a actions.Screenshot) (map[string]interface{}, error)
	VisitProfile(ctx context.Context, a actions.VisitProfile) (map[string]interface{}, error)
	SendMessage(ctx context.Context, a actions.SendMessage) (map[string]interface{}, error)
	SendConnection(ctx context.Context, a actions.SendConnection) (map[string]interface{}, error)
	Follow(ctx context.Context, a actions.Follow) (map[string]interface{}, error)
}

func dispatch(ctx context.Context, ad Adapter, a actions.Action) (map[string]interface{}, error) {
	switch v := a.(type) {
	case actions.Navigate:
		return ad.Navigate(ctx, v)
	case actions.Click:
		return ad.Click(ctx, v)
	case actions.Type:
		return ad.Type(ctx, v)
	case actions.Scroll:
		return ad.Scroll(ctx, v)
	case actions.Wait:
		return ad.Wait(ctx, v)
	case actions.Extract:
		return ad.Extract(ctx, v)
	case actions.Screenshot:
		return ad.Screenshot(ctx, v)
	case actions.VisitProfile:
		return ad.VisitProfile(ctx, v)
	case actions.SendMessage:
		return ad.SendMessage(ctx, v)
	case actions.SendConnection:
		return ad.SendConnection(ctx, v)
	case actions.Follow:
		return ad.Follow(ctx, v)
	default:
		return nil, Permanent(fmt.Errorf("unsupported action %T", a))
	}
}

// FuncAdapter routes every kind to one function
type FuncAdapter func(ctx context.Context, a actions.Action) (map[string]interface{}, error)

func (f FuncAdapter) Navigate(ctx context.Context, a actions.Navigate) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Click(ctx context.Context, a actions.Click) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Type(ctx context.Context, a actions.Type) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Scroll(ctx context.Context, a actions.Scroll) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Wait(ctx context.Context, a actions.Wait) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Extract(ctx context.Context, a actions.Extract) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Screenshot(ctx context.Context, a actions.Screenshot) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) VisitProfile(ctx context.Context, a actions.VisitProfile) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) SendMessage(ctx context.Context, a actions.SendMessage) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) SendConnection(ctx context.Context, a actions.SendConnection) (map[string]interface{}, error) {
	return f(ctx, a)
}
func (f FuncAdapter) Follow(ctx context.Context, a actions.Follow) (map[string]interface{}, error) {
	return f(ctx, a)
}

// DryRunAdapter logs actions instead of performing them. Wait actions still
// sleep so pacing stays realistic.
func DryRunAdapter(logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return FuncAdapter(func(ctx context.Context, a actions.Action) (map[string]interface{}, error) {
		logger.Info("Dry-run action",
			zap.String("kind", string(a.Kind())),
			zap.String("target", a.Target()),
		)
		if w, ok := a.(actions.Wait); ok && w.Duration > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timeAfter(w.Duration):
			}
		}
		return map[string]interface{}{"dry_run": true, "kind": string(a.Kind())}, nil
	})
}
