package alert

import (
	"context"
	"encoding/json"
	"errors"

	domrepo "RegimeTrader/internal/domain/repository"
	applogger "RegimeTrader/pkg/logger"
)

// LogPublisher writes alerts to the application log at error level. It is
// the default sink and the last resort when the configured one fails.
type LogPublisher struct {
	log *applogger.Logger
}

func NewLogPublisher(l *applogger.Logger) *LogPublisher {
	return &LogPublisher{log: l.With(applogger.String("component", "alerts"))}
}

func (p *LogPublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.log.Error("operator alert",
		applogger.String("topic", topic),
		applogger.String("payload", string(body)),
	)
	return nil
}

// Tee sends every alert to all publishers and joins their errors.
type Tee []domrepo.AlertPublisher

func (t Tee) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, p := range t {
		if err := p.PublishMessage(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domrepo.AlertPublisher = (*LogPublisher)(nil)
	_ domrepo.AlertPublisher = Tee(nil)
)
