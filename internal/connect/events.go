package connect

import "sync"

// Events is the manager's typed event hub. Every finished connection
// attempt publishes its Result; subscribers that fall behind lose
// events rather than blocking the connect path.
type Events struct {
	mu           sync.Mutex
	connectedSub []chan Result
}

// NewEvents creates an empty event hub.
func NewEvents() *Events {
	return &Events{}
}

// Connected returns a channel receiving the Result of every connection
// attempt, whatever its terminal state.
func (e *Events) Connected() <-chan Result {
	ch := make(chan Result, 4)

	e.mu.Lock()
	e.connectedSub = append(e.connectedSub, ch)
	e.mu.Unlock()

	return ch
}

func (e *Events) publishConnected(result Result) {
	e.mu.Lock()
	subs := e.connectedSub
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- result:
		default:
		}
	}
}
