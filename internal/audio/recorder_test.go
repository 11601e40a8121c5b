package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorderResult struct {
	utt Utterance
	err error
}

func collectDone() (func(Utterance, error), <-chan recorderResult) {
	ch := make(chan recorderResult, 4)
	return func(u Utterance, err error) { ch <- recorderResult{u, err} }, ch
}

func waitResult(t *testing.T, ch <-chan recorderResult) recorderResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recorder completion")
		return recorderResult{}
	}
}

func TestRecorder_StopDeliversWAVWithPreRoll(t *testing.T) {
	stream := NewMicStream(1000, 100)
	defer stream.Close()
	_ = stream.Write(frameOf(1, 100)) // pre-roll

	rec := NewRecorder(RecorderOptions{MinDuration: 500 * time.Millisecond, MaxDuration: 10 * time.Second})
	done, results := collectDone()
	if err := rec.Start(stream, done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !rec.IsRecording() {
		t.Fatal("Expected recording")
	}

	_ = stream.Write(frameOf(2, 600))
	rec.Stop()

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.utt.Samples != 700 {
		t.Errorf("Expected 700 samples including pre-roll, got %d", res.utt.Samples)
	}
	if res.utt.Duration != 600*time.Millisecond {
		t.Errorf("Expected 600ms captured, got %v", res.utt.Duration)
	}
	if len(res.utt.WAV) != 44+700*2 {
		t.Errorf("Expected WAV of %d bytes, got %d", 44+700*2, len(res.utt.WAV))
	}
	if rec.IsRecording() {
		t.Error("Expected recorder idle after stop")
	}
}

func TestRecorder_TooShort(t *testing.T) {
	stream := NewMicStream(1000, 0)
	defer stream.Close()

	rec := NewRecorder(RecorderOptions{MinDuration: 500 * time.Millisecond, MaxDuration: 10 * time.Second})
	done, results := collectDone()
	_ = rec.Start(stream, done)
	_ = stream.Write(frameOf(2, 200))
	rec.Stop()

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrTooShort) {
		t.Fatalf("Expected ErrTooShort, got %v", res.err)
	}
	if res.utt.WAV != nil {
		t.Error("Expected no payload for a too-short capture")
	}
}

func TestRecorder_CancelDoesNotCallDone(t *testing.T) {
	stream := NewMicStream(1000, 0)
	defer stream.Close()

	rec := NewRecorder(DefaultRecorderOptions())
	done, results := collectDone()
	_ = rec.Start(stream, done)
	_ = stream.Write(frameOf(2, 800))
	rec.Cancel()
	rec.Stop()
	rec.Cancel()

	select {
	case res := <-results:
		t.Fatalf("Expected no completion after cancel, got %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecorder_StartWhileRecordingIsNoop(t *testing.T) {
	stream := NewMicStream(1000, 0)
	defer stream.Close()

	rec := NewRecorder(RecorderOptions{MaxDuration: 10 * time.Second})
	first, firstResults := collectDone()
	second, secondResults := collectDone()
	_ = rec.Start(stream, first)
	_ = rec.Start(stream, second)
	_ = stream.Write(frameOf(2, 10))
	rec.Stop()

	waitResult(t, firstResults)
	if len(secondResults) != 0 {
		t.Error("Expected second Start to be ignored")
	}
}

func TestRecorder_CeilingAutoStops(t *testing.T) {
	stream := NewMicStream(1000, 0)
	defer stream.Close()

	rec := NewRecorder(RecorderOptions{MaxDuration: time.Second})
	done, results := collectDone()
	_ = rec.Start(stream, done)
	_ = stream.Write(frameOf(2, 1200))

	res := waitResult(t, results)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if !res.utt.Ceiling {
		t.Error("Expected ceiling stop")
	}
	rec.Stop()
	select {
	case <-results:
		t.Error("Expected at most one completion per cycle")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecorder_StreamClosed(t *testing.T) {
	stream := NewMicStream(1000, 0)
	rec := NewRecorder(DefaultRecorderOptions())
	done, results := collectDone()
	_ = rec.Start(stream, done)
	stream.Close()

	res := waitResult(t, results)
	if !errors.Is(res.err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", res.err)
	}
	if err := rec.Start(stream, done); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected Start on closed stream to fail, got %v", err)
	}
}

func TestRecorder_ConcurrentStopAndCancel(t *testing.T) {
	stream := NewMicStream(1000, 0)
	defer stream.Close()

	for i := 0; i < 50; i++ {
		rec := NewRecorder(RecorderOptions{MaxDuration: 10 * time.Second})
		var mu sync.Mutex
		calls := 0
		_ = rec.Start(stream, func(Utterance, error) {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		var wg sync.WaitGroup
		for _, fn := range []func(){rec.Stop, rec.Cancel, rec.Stop} {
			wg.Add(1)
			go func(fn func()) {
				defer wg.Done()
				fn()
			}(fn)
		}
		wg.Wait()

		mu.Lock()
		if calls > 1 {
			t.Fatalf("iteration %d: done called %d times", i, calls)
		}
		mu.Unlock()
	}
}
