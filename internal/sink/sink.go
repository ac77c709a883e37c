// Package sink carries fired events out of the dispatch engine.
//
// The engine only knows the Sink contract; the audio implementation in
// this package shells out to whichever command line player is installed.
package sink

import (
	"context"

	logx "belltower/pkg/logx"
)

// Payload is the denormalized fire-time view of an event. SoundPath and
// TTSText are each optional; both empty means a silent fire that is still
// logged and counted.
type Payload struct {
	EventID     int64  `json:"event_id"`
	Description string `json:"description"`
	SoundPath   string `json:"sound_path,omitempty"`
	TTSText     string `json:"tts_text,omitempty"`
}

// Sink receives events the dispatch engine decided to fire.
//
// Fire is called from a per-event goroutine with a deadline context; a
// slow sink delays nothing else. Returning an error marks the fire as
// failed but never stops the engine.
type Sink interface {
	Fire(ctx context.Context, p Payload) error
}

// Func adapts a function to the Sink contract.
type Func func(ctx context.Context, p Payload) error

func (f Func) Fire(ctx context.Context, p Payload) error { return f(ctx, p) }

// NewLog returns a sink that only logs. It backs dry-run deployments and
// hosts with no audio stack.
func NewLog(log logx.Logger) Sink {
	return Func(func(ctx context.Context, p Payload) error {
		log.Info("event fired",
			logx.Int64("event_id", p.EventID),
			logx.String("description", p.Description),
			logx.String("sound", p.SoundPath),
			logx.Bool("tts", p.TTSText != ""))
		return nil
	})
}
