package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
)

// Kind names one ingestable event stream.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// ParseKind maps a path segment or subject token to an event kind.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindRequest, KindResponse:
		return Kind(raw), true
	default:
		return "", false
	}
}

// Recorder receives decoded traffic events. monitor.Monitor implements it.
type Recorder interface {
	RecordRequest(event domain.RequestEvent)
	RecordResponse(event domain.ResponseEvent)
}

// SkewGuard rejects event timestamps further than MaxSkew from the clock.
// Zero timestamps pass and take the recorder's time. MaxSkew <= 0 disables the check.
type SkewGuard struct {
	Clock   clock.Clock
	MaxSkew time.Duration
}

func (g SkewGuard) check(at, now time.Time) error {
	if g.MaxSkew <= 0 || at.IsZero() {
		return nil
	}
	if at.After(now.Add(g.MaxSkew)) {
		return fmt.Errorf("timestamp %s is more than %s ahead of server time", at.Format(time.RFC3339), g.MaxSkew)
	}
	if at.Before(now.Add(-g.MaxSkew)) {
		return fmt.Errorf("timestamp %s is more than %s behind server time", at.Format(time.RFC3339), g.MaxSkew)
	}
	return nil
}

// checkAll applies check to every timestamp; errors name the batch index.
func (g SkewGuard) checkAll(stamps []time.Time) error {
	if g.MaxSkew <= 0 {
		return nil
	}
	now := clock.OrReal(g.Clock).Now()
	for i, at := range stamps {
		if err := g.check(at, now); err != nil {
			if len(stamps) == 1 {
				return err
			}
			return fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return nil
}

type validatable interface {
	Validate() error
}

// decodePayload auto-detects batch vs single payload and validates every event.
// Params: raw JSON bytes with one object or array.
// Returns: validated events or decode error.
func decodePayload[T validatable](raw []byte) ([]T, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))

	var events []T
	if payload[0] == '[' {
		if err := decoder.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode event batch: %w", err)
		}
		if len(events) == 0 {
			return nil, errors.New("event batch must contain at least one event")
		}
	} else {
		var event T
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			if len(events) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// Apply decodes raw as kind and records every event.
// Nothing is recorded when any event in a batch is invalid or outside the skew guard.
// Params: recorder, event kind, raw JSON payload, and timestamp guard.
// Returns: number of recorded events or decode error.
func Apply(recorder Recorder, kind Kind, raw []byte, guard SkewGuard) (int, error) {
	switch kind {
	case KindRequest:
		events, err := decodePayload[domain.RequestEvent](raw)
		if err != nil {
			return 0, err
		}
		stamps := make([]time.Time, len(events))
		for i := range events {
			stamps[i] = events[i].Timestamp
		}
		if err := guard.checkAll(stamps); err != nil {
			return 0, err
		}
		for _, event := range events {
			recorder.RecordRequest(event)
		}
		return len(events), nil
	case KindResponse:
		events, err := decodePayload[domain.ResponseEvent](raw)
		if err != nil {
			return 0, err
		}
		stamps := make([]time.Time, len(events))
		for i := range events {
			stamps[i] = events[i].Timestamp
		}
		if err := guard.checkAll(stamps); err != nil {
			return 0, err
		}
		for _, event := range events {
			recorder.RecordResponse(event)
		}
		return len(events), nil
	default:
		return 0, fmt.Errorf("unsupported event kind %q", kind)
	}
}
