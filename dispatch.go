package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// dispatchResult counts the outcome of one publish. Attempted counts every
// matched subscriber; Delivered only those whose send succeeded. The gap is
// expected steady-state behavior (connection closed between snapshot and
// send, or a stalled client), never an error.
type dispatchResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
}

type matchedClient struct {
	ID      string `json:"id"`
	Filters filter `json:"filters"`
}

// dispatcher fans one publish out to every matching subscriber in a scope.
type dispatcher struct {
	reg    *registry
	logger *slog.Logger
}

func newDispatcher(reg *registry, logger *slog.Logger) *dispatcher {
	return &dispatcher{reg: reg, logger: logger}
}

// publish validates criteria, folds the scope in under the reserved key,
// snapshots the scope, and attempts delivery to every match. Every match is
// attempted independently; one failed send never aborts the fan-out. The
// returned filter is the resolved criteria echoed back to the publisher.
func (d *dispatcher) publish(scope, event string, criteria filter, payload any) (dispatchResult, filter, error) {
	if err := validateFilter(criteria); err != nil {
		return dispatchResult{}, nil, err
	}
	complete := withScope(scope, criteria)

	if payload == nil {
		payload = map[string]any{}
	}
	frame, err := json.Marshal(envelope{Type: event, Data: payload, Timestamp: isoNow()})
	if err != nil {
		return dispatchResult{}, nil, fmt.Errorf("encode event payload: %w", err)
	}

	var result dispatchResult
	for _, target := range d.reg.snapshot(scope) {
		if !matches(target.filter, complete) {
			continue
		}
		result.Attempted++
		if err := target.send.trySend(frame); err != nil {
			d.logger.Debug("event not delivered",
				"service", scope, "event", event, "subscriber", target.id, "reason", err)
			continue
		}
		result.Delivered++
	}

	d.logger.Info("event dispatched",
		"service", scope, "event", event,
		"attempted", result.Attempted, "delivered", result.Delivered)
	return result, complete, nil
}

// preview runs the matching pass of a publish without sending anything.
func (d *dispatcher) preview(scope string, criteria filter) ([]matchedClient, filter, error) {
	if err := validateFilter(criteria); err != nil {
		return nil, nil, err
	}
	complete := withScope(scope, criteria)

	clients := []matchedClient{}
	for _, target := range d.reg.snapshot(scope) {
		if matches(target.filter, complete) {
			clients = append(clients, matchedClient{ID: target.id, Filters: target.filter})
		}
	}
	return clients, complete, nil
}
