// Package ingest streams normalized market observations from an upstream
// websocket feed into the trader.
package ingest

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

// Frame types on the wire.
const (
	FrameObservation = "observation"
	FrameBatch       = "batch"
	FrameHeartbeat   = "heartbeat"
	FrameError       = "error"
)

// envelope is one websocket text message.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type subscribeRequest struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

// Decode parses one frame into observations. Heartbeats yield nothing;
// upstream error frames become CodeData errors.
func Decode(raw []byte) ([]schema.Observation, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.New("ingest/decode", errs.CodeData, errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	switch strings.ToLower(env.Type) {
	case FrameObservation:
		var obs schema.Observation
		if err := json.Unmarshal(env.Data, &obs); err != nil {
			return nil, errs.New("ingest/decode", errs.CodeData, errs.WithMessage("malformed observation"), errs.WithCause(err))
		}
		if err := check(obs); err != nil {
			return nil, err
		}
		return []schema.Observation{obs}, nil
	case FrameBatch:
		var batch []schema.Observation
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			return nil, errs.New("ingest/decode", errs.CodeData, errs.WithMessage("malformed batch"), errs.WithCause(err))
		}
		for _, obs := range batch {
			if err := check(obs); err != nil {
				return nil, err
			}
		}
		return batch, nil
	case FrameHeartbeat:
		return nil, nil
	case FrameError:
		return nil, errs.New("ingest/decode", errs.CodeData, errs.WithMessage("upstream error: "+env.Message))
	default:
		return nil, errs.New("ingest/decode", errs.CodeData, errs.WithMessage(fmt.Sprintf("unknown frame type %q", env.Type)))
	}
}

func check(obs schema.Observation) error {
	if strings.TrimSpace(obs.Instrument) == "" || obs.EventTime.IsZero() {
		return errs.New("ingest/decode", errs.CodeData, errs.WithMessage("observation needs instrument and event_time"))
	}
	return nil
}
