package storage

import "sync"

// notifier wakes in-process watchers when a row they care about changes.
type notifier struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{watchers: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) watch(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set, ok := n.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.watchers[key] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.watchers[key]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.watchers, key)
				}
			}
		})
	}
	return ch, cancel
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
