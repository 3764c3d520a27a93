// Package unread keeps the total-unread badge: the sum of every room's
// unread count, refreshed by polling the room list and persisted so the
// last known total can be shown immediately on start.
package unread

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/localstore"
	"github.com/zulandar/marketchat/internal/notify"
	"github.com/zulandar/marketchat/internal/roomlist"
)

const (
	defaultInterval = 30 * time.Second
	defaultStagger  = 7 * time.Second
	previewLen      = 40
)

// RoomLister fetches the viewer's rooms with their unread counts.
type RoomLister interface {
	Rooms(ctx context.Context) ([]chat.Room, error)
}

// TotalStore persists the last computed total.
type TotalStore interface {
	GetInt(key string) (int, bool, error)
	SetInt(key string, n int) error
}

// Aggregator is the Unread Aggregator.
type Aggregator struct {
	lister   RoomLister
	list     *roomlist.Store
	store    TotalStore
	notifier notify.Notifier
	interval time.Duration
	stagger  time.Duration
	focus    chan struct{}

	mu          sync.Mutex
	total       int
	counts      map[chat.ID]int
	onChange    func(int)
	unsubscribe func()
}

// AggregatorOpts holds parameters for creating an Aggregator.
type AggregatorOpts struct {
	Rooms RoomLister
	// List receives every fetched room list; changes made to it by other
	// components (a room marked read, a room removed) update the total.
	List     *roomlist.Store
	Store    TotalStore
	Notifier notify.Notifier // optional, called when the total grows
	Interval time.Duration // default 30s
	Stagger  time.Duration // delay before the first poll, default 7s; negative polls at once
}

// New creates an Aggregator and loads the persisted total.
func New(opts AggregatorOpts) (*Aggregator, error) {
	if opts.Rooms == nil {
		return nil, fmt.Errorf("unread: room lister is required")
	}
	a := &Aggregator{
		lister:   opts.Rooms,
		list:     opts.List,
		store:    opts.Store,
		notifier: opts.Notifier,
		interval: opts.Interval,
		stagger:  opts.Stagger,
		focus:    make(chan struct{}, 1),
		counts:   make(map[chat.ID]int),
	}
	if a.interval <= 0 {
		a.interval = defaultInterval
	}
	if a.stagger < 0 {
		a.stagger = 0
	} else if a.stagger == 0 {
		a.stagger = defaultStagger
	}
	a.total = a.persisted()

	if a.list != nil {
		a.unsubscribe = a.list.Subscribe(a.recompute)
	}
	return a, nil
}

// Sum adds up the unread counts of rooms.
func Sum(rooms []chat.Room) int {
	total := 0
	for _, r := range rooms {
		if r.UnreadCount > 0 {
			total += r.UnreadCount
		}
	}
	return total
}

// Total returns the current total.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// OnChange replaces the callback run whenever the total changes.
func (a *Aggregator) OnChange(fn func(total int)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Refresh fetches the room list once and recomputes the total. On failure
// the last persisted total is kept and the error returned.
func (a *Aggregator) Refresh(ctx context.Context) error {
	rooms, err := a.lister.Rooms(ctx)
	if err != nil {
		a.restore()
		return fmt.Errorf("unread: refresh: %w", err)
	}
	if a.list != nil {
		// The list subscription recomputes.
		a.list.Set(rooms)
		return nil
	}
	a.recompute(rooms)
	return nil
}

// Focus requests an immediate refresh from Run, e.g. when the window
// regains focus.
func (a *Aggregator) Focus() {
	select {
	case a.focus <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. The first poll waits for the stagger delay
// so that it does not line up with other pollers started at the same time.
func (a *Aggregator) Run(ctx context.Context) {
	sched := cron.Every(a.interval)
	timer := time.NewTimer(a.stagger)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-a.focus:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Printf("%v", err)
		}
		timer.Reset(time.Until(sched.Next(time.Now())))
	}
}

// Close stops following the room list.
func (a *Aggregator) Close() {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (a *Aggregator) recompute(rooms []chat.Room) {
	total := Sum(rooms)
	counts := make(map[chat.ID]int, len(rooms))
	for _, r := range rooms {
		counts[r.ID] = r.UnreadCount
	}

	a.mu.Lock()
	prev := a.total
	prevCounts := a.counts
	a.total = total
	a.counts = counts
	onChange := a.onChange
	a.mu.Unlock()

	if total == prev {
		return
	}
	if a.store != nil {
		if err := a.store.SetInt(localstore.KeyUnreadTotal, total); err != nil {
			log.Printf("unread: persist total: %v", err)
		}
	}
	if onChange != nil {
		onChange(total)
	}
	if total > prev && a.notifier != nil {
		n := newUnread(rooms, prevCounts, total)
		if err := a.notifier.Notify(context.Background(), n); err != nil {
			log.Printf("unread: notify: %v", err)
		}
	}
}

// restore falls back to the persisted total after a failed poll.
func (a *Aggregator) restore() {
	total := a.persisted()
	a.mu.Lock()
	changed := total != a.total
	a.total = total
	onChange := a.onChange
	a.mu.Unlock()
	if changed && onChange != nil {
		onChange(total)
	}
}

func (a *Aggregator) persisted() int {
	if a.store == nil {
		return a.Total()
	}
	n, ok, err := a.store.GetInt(localstore.KeyUnreadTotal)
	if err != nil {
		log.Printf("unread: load total: %v", err)
	}
	if !ok || err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.total
	}
	return n
}

// newUnread describes the room whose count grew the most.
func newUnread(rooms []chat.Room, prev map[chat.ID]int, total int) notify.Notification {
	n := notify.Notification{Title: "New message", Total: total}
	best := 0
	for _, r := range rooms {
		if grew := r.UnreadCount - prev[r.ID]; grew > best {
			best = grew
			n.RoomID = r.ID
			who := r.PeerNickname
			if who == "" {
				who = r.ListingTitle
			}
			n.Body = chat.Preview(r.LastMessage, previewLen)
			if who != "" {
				n.Body = who + ": " + n.Body
			}
		}
	}
	if n.Body == "" {
		n.Body = fmt.Sprintf("%d unread messages", total)
	}
	return n
}
