package llm

import "context"

// Stream runs next until it reports false, forwarding every non-empty chunk
// on the returned channel. If fail then returns an error and ctx is still
// live, a FinishError chunk carrying it ends the stream. The channel is
// closed when the iterator is exhausted or ctx is done; done, if non-nil,
// runs after that.
func Stream(ctx context.Context, next func() (Chunk, bool), fail func() error, done func()) <-chan Chunk {
	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		if done != nil {
			defer done()
		}
		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			c, ok := next()
			if !ok {
				break
			}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			if !send(c) {
				return
			}
		}
		if err := fail(); err != nil && ctx.Err() == nil {
			send(Chunk{Text: err.Error(), FinishReason: FinishError})
		}
	}()
	return ch
}
