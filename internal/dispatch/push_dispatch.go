// Package dispatch tells drivers about the requests they were assigned to.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/pickup-dispatch/internal/models"
)

type Notifier interface {
	NotifyAssignment(ctx context.Context, a models.Assignment) error
}

// PushDispatcher tries the driver's websocket first and falls back to the
// webhook when there is no live session or the write fails.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Notifier
	Logger   *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, fallback Notifier, logger *slog.Logger) *PushDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDispatcher{WS: ws, Fallback: fallback, Logger: logger}
}

func (p *PushDispatcher) NotifyAssignment(ctx context.Context, a models.Assignment) error {
	if p.WS != nil {
		err := p.WS.NotifyAssignment(ctx, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			p.Logger.Warn("ws notify failed, falling back", "driver_id", a.DriverID, "error", err)
		}
		if p.Fallback == nil {
			return err
		}
	}
	if p.Fallback == nil {
		return ErrNoSession
	}
	return p.Fallback.NotifyAssignment(ctx, a)
}
