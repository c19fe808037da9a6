package audio

// Drain reads from ch until it is closed, discarding every value. Use it on
// streaming channels whose output is no longer wanted (e.g. the audio of a
// cancelled turn) so the producing goroutine can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
