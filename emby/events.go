package emby

import "sync"

// SessionEvents is the typed event hub for one session. Subscribers get
// buffered channels; a subscriber that falls behind loses messages
// rather than blocking the socket read loop.
type SessionEvents struct {
	mu         sync.Mutex
	messageSub []chan Message
	closedSub  []chan error
}

func newSessionEvents() *SessionEvents {
	return &SessionEvents{}
}

// Messages returns a channel receiving every inbound WebSocket message
// that was not consumed internally (user/library bookkeeping).
func (e *SessionEvents) Messages() <-chan Message {
	ch := make(chan Message, 16)

	e.mu.Lock()
	e.messageSub = append(e.messageSub, ch)
	e.mu.Unlock()

	return ch
}

// Closed returns a channel receiving a notification when the WebSocket
// channel drops. The session does not reopen it on its own.
func (e *SessionEvents) Closed() <-chan error {
	ch := make(chan error, 1)

	e.mu.Lock()
	e.closedSub = append(e.closedSub, ch)
	e.mu.Unlock()

	return ch
}

func (e *SessionEvents) publishMessage(msg Message) {
	e.mu.Lock()
	subs := e.messageSub
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (e *SessionEvents) publishClosed(err error) {
	e.mu.Lock()
	subs := e.closedSub
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- err:
		default:
		}
	}
}
