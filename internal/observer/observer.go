// Package observer aggregates per-venue and per-(channel,symbol) stream
// statistics, derives venue health, and fans both out to subscribers.
package observer

import (
	"sync"
	"time"

	"cryptofeed-ingest/internal/metrics"
)

// Health classifies a venue's condition.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Health thresholds.
const (
	degradedFailures = 10
	degradedAttempts = 3
)

// ChannelStats are the counters for one (channel, symbol) pair on a
// venue. Entries are never deleted, so post-unsubscribe statistics
// remain queryable.
type ChannelStats struct {
	Channel         string
	Symbol          string
	MessageCount    int64
	BytesReceived   int64
	LastMessageTime time.Time
	TotalLatencyMs  float64
	ErrorCount      int64
	Active          bool
}

// Statistics is a queryable projection: either one (channel, symbol)
// entry or the venue-wide aggregate.
type Statistics struct {
	Venue             string
	Channel           string
	Symbol            string
	MessageCount      int64
	BytesReceived     int64
	AverageLatencyMs  float64
	LastMessageTime   time.Time
	ErrorCount        int64
	UptimeSeconds     float64
	MessagesPerSecond float64
}

// HealthStatus is the derived health projection for a venue.
type HealthStatus struct {
	Venue             string
	Status            Health
	IsConnected       bool
	ReconnectAttempts int
	TotalReconnects   int
	MessageFailures   int64
	LastError         string
	LastErrorTime     time.Time
}

// MetricsFunc receives the venue aggregate after each counted message.
type MetricsFunc func(venue string, stats Statistics)

// HealthFunc receives the venue health after each connection-state change.
type HealthFunc func(venue string, health HealthStatus)

// venueEntry holds one venue's state behind its own lock, so venues
// never contend with each other.
type venueEntry struct {
	mu                sync.RWMutex
	connectedSince    time.Time
	isConnected       bool
	isAuthenticated   bool
	reconnectAttempts int
	totalReconnects   int
	messageFailures   int64
	lastError         string
	lastErrorTime     time.Time
	channels          map[string]*ChannelStats
}

// Observer is the concurrent metrics table shared by all venue clients.
type Observer struct {
	mu     sync.RWMutex
	venues map[string]*venueEntry

	subMu       sync.RWMutex
	metricsSubs []MetricsFunc
	healthSubs  []HealthFunc

	now func() time.Time
}

// New creates an empty observer.
func New() *Observer {
	return &Observer{
		venues: make(map[string]*venueEntry),
		now:    time.Now,
	}
}

// SubscribeMetrics registers a metrics-updated subscriber.
func (o *Observer) SubscribeMetrics(fn MetricsFunc) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.metricsSubs = append(o.metricsSubs, fn)
}

// SubscribeHealth registers a health-changed subscriber.
func (o *Observer) SubscribeHealth(fn HealthFunc) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.healthSubs = append(o.healthSubs, fn)
}

func (o *Observer) venue(name string) *venueEntry {
	o.mu.RLock()
	e, ok := o.venues[name]
	o.mu.RUnlock()
	if ok {
		return e
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok = o.venues[name]; ok {
		return e
	}
	e = &venueEntry{channels: make(map[string]*ChannelStats)}
	o.venues[name] = e
	return e
}

func channelKey(channel, symbol string) string {
	return channel + ":" + symbol
}

// OnMessageReceived counts one decoded frame and emits the venue
// aggregate to metrics subscribers.
func (o *Observer) OnMessageReceived(venue, channel, symbol string, size int, latencyMs float64) {
	e := o.venue(venue)

	e.mu.Lock()
	key := channelKey(channel, symbol)
	cs, ok := e.channels[key]
	if !ok {
		cs = &ChannelStats{Channel: channel, Symbol: symbol, Active: true}
		e.channels[key] = cs
	}
	cs.MessageCount++
	cs.BytesReceived += int64(size)
	cs.LastMessageTime = o.now()
	cs.TotalLatencyMs += latencyMs
	e.mu.Unlock()

	metrics.RecordMessage(venue, channel, size)
	o.emitMetrics(venue)
}

// OnConnectionStateChanged tracks the connect/disconnect edges. A
// rising edge stamps ConnectedSince, folds prior attempts into
// TotalReconnects and zeroes the message-failure count; a falling
// edge counts one attempt. Health is emitted on every call.
func (o *Observer) OnConnectionStateChanged(venue string, connected bool) {
	e := o.venue(venue)

	e.mu.Lock()
	if connected && !e.isConnected {
		e.connectedSince = o.now()
		if e.reconnectAttempts > 0 {
			e.totalReconnects++
			e.reconnectAttempts = 0
		}
		// A fresh session starts with a clean failure budget, so a
		// venue that recovers from quarantine reads healthy again.
		e.messageFailures = 0
	} else if !connected && e.isConnected {
		e.reconnectAttempts++
		metrics.RecordReconnect(venue)
	}
	e.isConnected = connected
	e.mu.Unlock()

	metrics.RecordConnectionStatus(venue, connected)
	o.emitHealth(venue)
}

// OnReconnectAttempt counts one dial attempt made by a reconnecting
// client. Attempts accumulate until a rising connection edge folds
// them into TotalReconnects.
func (o *Observer) OnReconnectAttempt(venue string) {
	e := o.venue(venue)
	e.mu.Lock()
	e.reconnectAttempts++
	e.mu.Unlock()
	metrics.RecordReconnect(venue)
}

// OnAuthStateChanged tracks the private-transport authentication flag.
func (o *Observer) OnAuthStateChanged(venue string, authenticated bool) {
	e := o.venue(venue)
	e.mu.Lock()
	e.isAuthenticated = authenticated
	e.mu.Unlock()
}

// OnError records the last error and charges it to every active
// channel of the venue.
func (o *Observer) OnError(venue, message string) {
	e := o.venue(venue)

	e.mu.Lock()
	e.lastError = message
	e.lastErrorTime = o.now()
	e.messageFailures++
	for _, cs := range e.channels {
		if cs.Active {
			cs.ErrorCount++
		}
	}
	e.mu.Unlock()
}

// OnSubscriptionChanged inserts or flips the active flag on a channel
// entry. Entries are never deleted.
func (o *Observer) OnSubscriptionChanged(venue, channel, symbol string, active bool) {
	e := o.venue(venue)

	e.mu.Lock()
	key := channelKey(channel, symbol)
	cs, ok := e.channels[key]
	if !ok {
		cs = &ChannelStats{Channel: channel, Symbol: symbol}
		e.channels[key] = cs
	}
	cs.Active = active
	e.mu.Unlock()

	delta := -1.0
	if active {
		delta = 1.0
	}
	metrics.SubscriptionsActive.WithLabelValues(venue, channel).Add(delta)
}

// GetStatistics returns the venue-wide aggregate: counts and bytes
// summed, latency averaged over all messages, last-message time the
// maximum across channels.
func (o *Observer) GetStatistics(venue string) Statistics {
	e := o.venue(venue)

	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Statistics{Venue: venue}
	var totalLatency float64
	for _, cs := range e.channels {
		stats.MessageCount += cs.MessageCount
		stats.BytesReceived += cs.BytesReceived
		stats.ErrorCount += cs.ErrorCount
		totalLatency += cs.TotalLatencyMs
		if cs.LastMessageTime.After(stats.LastMessageTime) {
			stats.LastMessageTime = cs.LastMessageTime
		}
	}
	if stats.MessageCount > 0 {
		stats.AverageLatencyMs = totalLatency / float64(stats.MessageCount)
	}
	if e.isConnected && !e.connectedSince.IsZero() {
		stats.UptimeSeconds = o.now().Sub(e.connectedSince).Seconds()
	}
	if stats.UptimeSeconds > 0 {
		stats.MessagesPerSecond = float64(stats.MessageCount) / stats.UptimeSeconds
	}
	return stats
}

// GetChannelStatistics returns the single (channel, symbol) projection.
func (o *Observer) GetChannelStatistics(venue, channel, symbol string) (Statistics, bool) {
	e := o.venue(venue)

	e.mu.RLock()
	defer e.mu.RUnlock()

	cs, ok := e.channels[channelKey(channel, symbol)]
	if !ok {
		return Statistics{}, false
	}
	stats := Statistics{
		Venue:           venue,
		Channel:         channel,
		Symbol:          symbol,
		MessageCount:    cs.MessageCount,
		BytesReceived:   cs.BytesReceived,
		LastMessageTime: cs.LastMessageTime,
		ErrorCount:      cs.ErrorCount,
	}
	if cs.MessageCount > 0 {
		stats.AverageLatencyMs = cs.TotalLatencyMs / float64(cs.MessageCount)
	}
	return stats, true
}

// GetHealth derives the venue health: unhealthy while disconnected,
// degraded past the failure or reconnect-attempt thresholds, healthy
// otherwise.
func (o *Observer) GetHealth(venue string) HealthStatus {
	e := o.venue(venue)

	e.mu.RLock()
	defer e.mu.RUnlock()

	h := HealthStatus{
		Venue:             venue,
		IsConnected:       e.isConnected,
		ReconnectAttempts: e.reconnectAttempts,
		TotalReconnects:   e.totalReconnects,
		MessageFailures:   e.messageFailures,
		LastError:         e.lastError,
		LastErrorTime:     e.lastErrorTime,
	}
	switch {
	case !e.isConnected:
		h.Status = Unhealthy
	case e.messageFailures > degradedFailures || e.reconnectAttempts > degradedAttempts:
		h.Status = Degraded
	default:
		h.Status = Healthy
	}
	return h
}

// ReconnectAttempts returns the current attempt counter for a venue.
func (o *Observer) ReconnectAttempts(venue string) int {
	e := o.venue(venue)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reconnectAttempts
}

// ResetStatistics zeroes per-channel counters, reconnect counters and
// last-error fields. Connection state and active flags are untouched.
func (o *Observer) ResetStatistics(venue string) {
	e := o.venue(venue)

	e.mu.Lock()
	for _, cs := range e.channels {
		cs.MessageCount = 0
		cs.BytesReceived = 0
		cs.TotalLatencyMs = 0
		cs.ErrorCount = 0
		cs.LastMessageTime = time.Time{}
	}
	e.reconnectAttempts = 0
	e.totalReconnects = 0
	e.messageFailures = 0
	e.lastError = ""
	e.lastErrorTime = time.Time{}
	e.mu.Unlock()
}

// Venues returns the names with recorded state.
func (o *Observer) Venues() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.venues))
	for name := range o.venues {
		out = append(out, name)
	}
	return out
}

func (o *Observer) emitMetrics(venue string) {
	o.subMu.RLock()
	subs := o.metricsSubs
	o.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	stats := o.GetStatistics(venue)
	for _, fn := range subs {
		fn(venue, stats)
	}
}

func (o *Observer) emitHealth(venue string) {
	o.subMu.RLock()
	subs := o.healthSubs
	o.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	health := o.GetHealth(venue)
	for _, fn := range subs {
		fn(venue, health)
	}
}
