package notify

import (
	"context"
	"errors"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
)

// Multi fans events out to every publisher. A failing publisher does not stop the others.
type Multi []types.EventPublisher

func (m Multi) Publish(ctx context.Context, events ...types.NotificationEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
