package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fakeSocket is an in-memory wsConnection. Frames written by the gateway
// land in written; frames pushed to inbound come out of ReadMessage.
type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errors.New("inbound closed")
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("socket closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

// sendFrame feeds a client frame into the read pump.
func (f *fakeSocket) sendFrame(event string, data any, ackID string) {
	payload, _ := json.Marshal(data)
	frame, _ := json.Marshal(envelope{Event: event, Data: payload, AckID: ackID})
	f.inbound <- frame
}

// frames decodes everything written so far.
func (f *fakeSocket) frames() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope, 0, len(f.written))
	for _, raw := range f.written {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// lastEvent returns the most recent frame with the given event name.
func (f *fakeSocket) lastEvent(event string) (envelope, bool) {
	frames := f.frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i], true
		}
	}
	return envelope{}, false
}
