// Package dispatcher fans an event out to every eligible connection. A failed
// or slow recipient is counted and never aborts delivery to the others, and
// the dispatcher never removes connections.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"realtime/internal/realtime"
	"realtime/internal/validator"
)

// Store is the slice of the connection registry the dispatcher needs.
type Store interface {
	ForEach(visit func(realtime.Connection))
}

// Filter decides eligibility, including the subscription check.
type Filter interface {
	IsEligible(conn realtime.Connection, event realtime.Event) bool
}

type Config struct {
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`
	Concurrency int           `env:"DISPATCH_CONCURRENCY" envDefault:"64"`
}

// Dispatcher fans events out to eligible connections. It never mutates the
// registry; dead transports are left to the close handler and the heartbeat
// monitor.
type Dispatcher struct {
	store  Store
	filter Filter
	logger *zap.Logger
	config Config
}

func NewDispatcher(store Store, filter Filter, logger *zap.Logger, config Config) (*Dispatcher, error) {
	d := Dispatcher{
		store:  store,
		filter: filter,
		logger: logger,
		config: config,
	}

	if err := validator.Validate("dispatcher", d.store, d.filter, d.logger, d.config.SendTimeout, d.config.Concurrency); err != nil {
		return nil, fmt.Errorf("failed to validate dispatcher deps: %w", err)
	}

	d.logger = d.logger.Named("dispatcher")
	return &d, nil
}

// Dispatch sends event to every eligible connection except its origin.
// Per-recipient failures are counted in the result, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event realtime.Event) (realtime.DispatchResult, error) {
	if err := event.Validate(); err != nil {
		return realtime.DispatchResult{}, err
	}

	frame, err := event.Frame()
	if err != nil {
		return realtime.DispatchResult{}, err
	}

	var recipients []realtime.Connection
	d.store.ForEach(func(conn realtime.Connection) {
		if conn.ID == event.OriginConnection {
			return
		}
		if !d.filter.IsEligible(conn, event) {
			return
		}
		recipients = append(recipients, conn)
	})

	var delivered, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(d.config.Concurrency)
	for _, conn := range recipients {
		g.Go(func() error {
			if err := d.send(ctx, conn, frame); err != nil {
				failed.Add(1)
				d.logger.Warn("failed to deliver event",
					zap.String("topic", event.Topic),
					zap.String("connectionId", conn.ID),
					zap.String("userId", conn.UserID),
					zap.Error(err),
				)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := realtime.DispatchResult{
		Attempted: len(recipients),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}

	d.logger.Debug("event dispatched",
		zap.String("topic", event.Topic),
		zap.Int("attempted", result.Attempted),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

// send delivers one frame under the per-send timeout. A panicking transport
// is reported as a failed send.
func (d *Dispatcher) send(ctx context.Context, conn realtime.Connection, frame []byte) (err error) {
	if conn.Transport == nil {
		return fmt.Errorf("%w: connection has no transport", realtime.ErrTransportSend)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: transport panicked: %v", realtime.ErrTransportSend, r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	if err := conn.Transport.Send(sendCtx, frame); err != nil {
		return fmt.Errorf("%w: %w", realtime.ErrTransportSend, err)
	}

	return nil
}
