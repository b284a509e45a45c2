package transfer

import (
	"context"
	"math/rand/v2"
	"strconv"

	"github.com/rs/zerolog"
)

// Simulator is a Sender that fabricates successful responses without
// touching the network. Used in debug mode so the rest of the pipeline,
// tracking writes included, can be exercised against a scratch store.
type Simulator struct {
	log zerolog.Logger
}

// NewSimulator returns a Simulator.
func NewSimulator(log zerolog.Logger) *Simulator {
	return &Simulator{log: log.With().Str("component", "transfer-sim").Logger()}
}

// Send implements Sender. Empty chunks are rejected the way the real API
// rejects them; everything else succeeds with a fresh queue id.
func (s *Simulator) Send(ctx context.Context, op Operation, payload []map[string]any, meta Meta) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return &Response{Status: "error", Msg: "empty list", StatusCode: 500}, nil
	}

	queueID := strconv.Itoa(rand.IntN(90000) + 10000)
	s.log.Info().
		Str("operation", string(op)).
		Str("table", meta.Table).
		Int("count", len(payload)).
		Str("queue_id", queueID).
		Msg("simulated response")

	return &Response{
		Status:     "ok",
		QueueID:    QueueID(queueID),
		StatusID:   1,
		StatusCode: 200,
	}, nil
}
