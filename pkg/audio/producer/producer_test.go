package producer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio/producer"
)

// ramp returns n bytes where each byte is its index mod 256, so frame content
// reveals capture order.
func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestProducer_FramesInOrder(t *testing.T) {
	t.Parallel()

	const frameSamples = 160
	src := bytes.NewReader(ramp(frameSamples * 2 * 5))
	p := producer.New(src, producer.WithFrameSamples(frameSamples), producer.WithBuffer(16))

	var got []uint64
	for f := range p.Run(context.Background()) {
		if len(f.Data) != frameSamples*2 {
			t.Fatalf("frame %d: len = %d, want %d", f.Seq, len(f.Data), frameSamples*2)
		}
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d: format = %d/%d, want 16000/1", f.Seq, f.SampleRate, f.Channels)
		}
		if want := time.Duration(f.Seq) * 10 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d: timestamp = %s, want %s", f.Seq, f.Timestamp, want)
		}
		got = append(got, f.Seq)
	}
	if len(got) != 5 {
		t.Fatalf("frames = %d, want 5", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i) {
			t.Errorf("frame %d has seq %d", i, seq)
		}
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v, want nil at EOF", p.Err())
	}
	if p.Produced() != 5 || p.Dropped() != 0 {
		t.Errorf("produced/dropped = %d/%d, want 5/0", p.Produced(), p.Dropped())
	}
}

func TestProducer_ShortTailDiscarded(t *testing.T) {
	t.Parallel()

	p := producer.New(bytes.NewReader(ramp(640+100)), producer.WithBuffer(4))
	n := 0
	for range p.Run(context.Background()) {
		n++
	}
	if n != 1 {
		t.Errorf("frames = %d, want 1", n)
	}
}

func TestProducer_DropsWhenBackpressured(t *testing.T) {
	t.Parallel()

	const frames = 50
	p := producer.New(bytes.NewReader(ramp(640*frames)), producer.WithBuffer(2))
	ch := p.Run(context.Background())

	// Do not read until the producer has finished: everything beyond the
	// buffer must be dropped, not queued.
	deadline := time.After(2 * time.Second)
	for p.Produced()+p.Dropped() < frames {
		select {
		case <-deadline:
			t.Fatalf("producer stalled: produced=%d dropped=%d", p.Produced(), p.Dropped())
		case <-time.After(time.Millisecond):
		}
	}

	var seqs []uint64
	for f := range ch {
		seqs = append(seqs, f.Seq)
	}
	if len(seqs) != 2 {
		t.Fatalf("delivered = %d, want 2 (buffer size)", len(seqs))
	}
	if seqs[0] != 0 || seqs[1] != 1 {
		t.Errorf("delivered seqs = %v, want [0 1]", seqs)
	}
	if p.Dropped() != frames-2 {
		t.Errorf("Dropped = %d, want %d", p.Dropped(), frames-2)
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(b []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("device unplugged")
	}
	r.n--
	for i := range b {
		b[i] = 0
	}
	return len(b), nil
}

func TestProducer_ReadErrorSurfaced(t *testing.T) {
	t.Parallel()

	p := producer.New(&failingReader{n: 1}, producer.WithBuffer(4))
	n := 0
	for range p.Run(context.Background()) {
		n++
	}
	if n != 1 {
		t.Errorf("frames = %d, want 1", n)
	}
	if p.Err() == nil {
		t.Fatal("Err() = nil, want read error")
	}
}

func TestProducer_RunOnce(t *testing.T) {
	t.Parallel()

	p := producer.New(bytes.NewReader(nil))
	if p.Run(context.Background()) == nil {
		t.Fatal("first Run returned nil")
	}
	if p.Run(context.Background()) != nil {
		t.Error("second Run should return nil")
	}
}

func TestProducer_RealtimePacing(t *testing.T) {
	t.Parallel()

	// 5 frames of 20 ms: the last frame is due 80 ms after start.
	p := producer.New(bytes.NewReader(ramp(640*5)), producer.WithRealtime(), producer.WithBuffer(8))
	start := time.Now()
	for range p.Run(context.Background()) {
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("elapsed = %s, want paced to at least ~80ms", elapsed)
	}
}

func TestProducer_ContextCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	p := producer.New(pr, producer.WithBuffer(1))
	ch := p.Run(ctx)

	go func() {
		pw.Write(make([]byte, 640))
		cancel()
		pw.Write(make([]byte, 640))
	}()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after cancel")
	}
}
