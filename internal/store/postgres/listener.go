package postgres

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Listener wakes up the Main Loop's delay generator as soon as any task
// row changes, instead of waiting out the full backoff (SPEC_FULL.md
// §4.1). Grounded on lib/pq's own Listener, the idiomatic Go wrapper
// over LISTEN/NOTIFY.
type Listener struct {
	l      *pq.Listener
	Events chan struct{}
}

// NewListener opens a dedicated LISTEN connection on channel.
// The tasks_notify_trigger migration emits one NOTIFY per INSERT/UPDATE.
func NewListener(connStr, channel string) (*Listener, error) {
	events := make(chan struct{}, 1)
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			// surfaced via Events being unreadable is not actionable here;
			// the caller's periodic delay-generator fallback still applies.
			return
		}
	}
	l := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("postgres: listen %s: %w", channel, err)
	}

	lst := &Listener{l: l, Events: events}
	go lst.pump()
	return lst, nil
}

func (lst *Listener) pump() {
	for {
		select {
		case n, ok := <-lst.l.Notify:
			if !ok {
				close(lst.Events)
				return
			}
			if n == nil {
				continue
			}
			select {
			case lst.Events <- struct{}{}:
			default:
			}
		case <-time.After(90 * time.Second):
			_ = lst.l.Ping()
		}
	}
}

func (lst *Listener) Close() error {
	return lst.l.Close()
}
