package bridge

import (
	"context"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Subscriber is the part of a client needed to request deliveries.
type Subscriber interface {
	Subscribe(ctx context.Context, filters []types.TopicFilter) error
}

// FiltersFor returns the configured filters, or the match-all filter at
// QoS 0 when none are configured.
func FiltersFor(configured []types.TopicFilter) []types.TopicFilter {
	if len(configured) == 0 {
		return []types.TopicFilter{types.WildcardFilter()}
	}
	out := make([]types.TopicFilter, len(configured))
	copy(out, configured)
	return out
}

// Subscriptions holds the filter set of one side and re-applies it after
// every (re)connection.
type Subscriptions struct {
	side    types.Side
	client  Subscriber
	filters []types.TopicFilter
	logger  zerolog.Logger
}

// NewSubscriptions resolves the filter set for a side.
func NewSubscriptions(side types.Side, client Subscriber, configured []types.TopicFilter, logger zerolog.Logger) *Subscriptions {
	return &Subscriptions{
		side:    side,
		client:  client,
		filters: FiltersFor(configured),
		logger:  logger.With().Str("component", "Subscriptions").Str("side", string(side)).Logger(),
	}
}

// Filters returns a copy of the resolved filter set.
func (s *Subscriptions) Filters() []types.TopicFilter {
	return FiltersFor(s.filters)
}

// Apply subscribes to every filter in a single request.
func (s *Subscriptions) Apply(ctx context.Context) error {
	if err := s.client.Subscribe(ctx, s.filters); err != nil {
		return &SubscriptionError{Side: s.side, Filters: s.Filters(), Err: err}
	}
	for _, f := range s.filters {
		s.logger.Info().Str("topic", f.Topic).Str("qos", f.QoS.String()).Msg("Subscribed to topic.")
	}
	return nil
}
