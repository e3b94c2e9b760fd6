// Package subscription applies client subscribe and unsubscribe requests to a
// connection's topic set.
package subscription

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"realtime/internal/realtime"
	"realtime/internal/validator"
)

// MaxTopicLength bounds a single topic name in bytes.
const MaxTopicLength = realtime.MaxTopicLength

// Store is the slice of the connection registry the manager needs.
type Store interface {
	Update(id string, fn func(*realtime.Connection)) (realtime.Connection, bool)
}

type Config struct {
	MaxTopicsPerConnection int `env:"MAX_TOPICS_PER_CONNECTION" envDefault:"100"`
}

type Manager struct {
	store  Store
	logger *zap.Logger
	config Config
}

func NewManager(store Store, logger *zap.Logger, config Config) (*Manager, error) {
	m := Manager{
		store:  store,
		logger: logger,
		config: config,
	}

	if err := validator.Validate("subscription manager", m.store, m.logger); err != nil {
		return nil, fmt.Errorf("failed to validate subscription manager deps: %w", err)
	}

	m.logger = m.logger.Named("subscriptions")
	return &m, nil
}

// Subscribe adds topics to the connection's set and returns the full sorted
// set. Topics already held are left alone. realtime.ErrUnknownConnection means
// the connection closed concurrently; callers treat it as a no-op.
func (m *Manager) Subscribe(connectionID string, topics []string) ([]string, error) {
	clean, err := normalize(topics)
	if err != nil {
		return nil, err
	}

	var limitErr error
	conn, ok := m.store.Update(connectionID, func(c *realtime.Connection) {
		added := 0
		for _, t := range clean {
			if _, held := c.Topics[t]; !held {
				added++
			}
		}
		if limit := m.config.MaxTopicsPerConnection; limit > 0 && len(c.Topics)+added > limit {
			limitErr = fmt.Errorf("%w: %d topics held, limit %d", realtime.ErrTooManyTopics, len(c.Topics), limit)
			return
		}
		for _, t := range clean {
			c.Topics[t] = struct{}{}
		}
	})
	if !ok {
		return nil, realtime.ErrUnknownConnection
	}
	if limitErr != nil {
		return conn.TopicList(), limitErr
	}

	m.logger.Debug("subscribed",
		zap.String("connectionId", connectionID),
		zap.Strings("topics", clean),
	)
	return conn.TopicList(), nil
}

// Unsubscribe removes topics from the connection's set and returns the full
// sorted set. Topics not held are ignored.
func (m *Manager) Unsubscribe(connectionID string, topics []string) ([]string, error) {
	clean, err := normalize(topics)
	if err != nil {
		return nil, err
	}

	conn, ok := m.store.Update(connectionID, func(c *realtime.Connection) {
		for _, t := range clean {
			delete(c.Topics, t)
		}
	})
	if !ok {
		return nil, realtime.ErrUnknownConnection
	}

	m.logger.Debug("unsubscribed",
		zap.String("connectionId", connectionID),
		zap.Strings("topics", clean),
	)
	return conn.TopicList(), nil
}

// normalize trims names, drops blanks and rejects oversized ones.
func normalize(topics []string) ([]string, error) {
	clean := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > MaxTopicLength {
			return nil, fmt.Errorf("%w: topic longer than %d bytes", realtime.ErrInvalidTopic, MaxTopicLength)
		}
		clean = append(clean, t)
	}
	return clean, nil
}
