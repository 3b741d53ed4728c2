package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"timetask/internal/provider"
	"timetask/internal/task"
	"timetask/internal/task/engine"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

// Texts sent in place of an augmented message when no completion is
// available.
const (
	NoProviderText   = "Error: 没有可用的LLM服务"
	NoCompletionText = "Error: 无法获取回复"
)

// Deliverer turns a fired record into the text that is sent and sends it.
type Deliverer struct {
	sender   transport.Sender
	provider provider.Provider
	log      logx.Logger
}

// NewDeliverer builds a Deliverer. p may be nil when augmentation is not
// configured.
func NewDeliverer(sender transport.Sender, p provider.Provider, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{sender: sender, provider: p, log: log.With(logx.String("comp", "deliver"))}
}

// Compose returns the text to send for rec. Provider failures never abort
// delivery; they are replaced by a diagnostic text.
func (d *Deliverer) Compose(ctx context.Context, rec task.Record) string {
	if !rec.UseAugmentation {
		return rec.Content
	}
	if d.provider == nil {
		d.log.Error("no completion provider configured", logx.String("id", rec.ID))
		return NoProviderText
	}
	text, err := d.provider.Complete(ctx, rec.Content)
	if err != nil {
		d.log.Error("completion failed", logx.String("id", rec.ID), logx.String("provider", d.provider.Name()), logx.Err(err))
		return NoCompletionText
	}
	if strings.TrimSpace(text) == "" {
		d.log.Error("completion empty", logx.String("id", rec.ID), logx.String("provider", d.provider.Name()))
		return NoCompletionText
	}
	return text
}

// Send delivers text to dest. Errors wrap task.ErrDelivery; permanent ones
// are additionally marked engine.Permanent.
func (d *Deliverer) Send(ctx context.Context, dest transport.Destination, text string) error {
	if d.sender == nil {
		return engine.Permanent(fmt.Errorf("%w: no transport", task.ErrDelivery))
	}
	err := d.sender.Send(ctx, dest, text)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%w: %w", task.ErrDelivery, err)
	if errors.Is(err, transport.ErrRejected) || errors.Is(err, transport.ErrBadDestination) {
		return engine.Permanent(err)
	}
	return err
}
