package stream

import (
	"context"
	"time"
)

// DefaultChunkSize is the number of runes per stream_content event when
// a request does not set one.
const DefaultChunkSize = 20

// DefaultChunkDelay is the pause between stream_content events when a
// request does not set one.
const DefaultChunkDelay = 30 * time.Millisecond

// StreamRequest describes already produced content to replay to observers.
type StreamRequest struct {
	WorkerType string
	SessionRef string
	Title      string
	Content    string

	// ChunkSize is in runes. Zero or negative uses the broadcaster default.
	ChunkSize int

	// Delay separates consecutive stream_content events. Zero uses the
	// broadcaster default; negative means no delay.
	Delay time.Duration
}

// Stream replays req.Content as one stream_start event, ceil(L/C)
// stream_content events, and one stream_end event, where L is the content
// length in runes and C the chunk size. It is a no-op when nobody observes
// req.WorkerType. Cancelling ctx during a delay aborts the stream with
// ctx.Err(); events already published stay published.
func (b *Broadcaster) Stream(ctx context.Context, req StreamRequest) error {
	if !b.HasSubscribers(req.WorkerType) {
		return nil
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = b.chunkSize
	}
	delay := req.Delay
	switch {
	case delay == 0:
		delay = b.chunkDelay
	case delay < 0:
		delay = 0
	}

	runes := []rune(req.Content)
	total := len(runes)

	b.publishStream(req, KindStreamStart, map[string]any{
		"total_length": total,
		"title":        req.Title,
	})

	index := 0
	for sent := 0; sent < total; index++ {
		if index > 0 && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		end := min(sent+chunkSize, total)
		chunk := string(runes[sent:end])
		sent = end

		b.publishStream(req, KindStreamContent, map[string]any{
			"chunk":    chunk,
			"content":  string(runes[:sent]),
			"progress": sent * 100 / total,
			"index":    index,
		})
	}

	b.publishStream(req, KindStreamEnd, map[string]any{
		"content":      req.Content,
		"title":        req.Title,
		"total_length": total,
		"chunks":       index,
	})
	return nil
}

func (b *Broadcaster) publishStream(req StreamRequest, kind string, payload map[string]any) {
	b.Publish(&StepEvent{
		WorkerType: req.WorkerType,
		SessionRef: req.SessionRef,
		Kind:       kind,
		Payload:    payload,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
