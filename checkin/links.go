package checkin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// CARD LINKING - Token status handshake between kiosk and registration page
// =============================================================================

// StatusCallback receives every status change of a watched token.
type StatusCallback func(attendance.LinkRequest)

// Links tracks card-link requests. Any caller may move a request to any
// status; the flow waiting → opened → linked → done is a convention of the
// registration UI, not enforced here.
type Links struct {
	Store attendance.LinkStore
	Now   func() time.Time

	mu       sync.Mutex
	watchers map[string]map[int]StatusCallback
	nextID   int
}

func NewLinks(store attendance.LinkStore) *Links {
	return &Links{Store: store, Now: time.Now}
}

// CreateLinkRequest stores a new request in the waiting state.
// An empty token gets a generated one.
func (l *Links) CreateLinkRequest(ctx context.Context, token string) (attendance.LinkRequest, error) {
	if token == "" {
		token = uuid.NewString()
	}
	now := l.now()
	req := attendance.LinkRequest{Token: token, Status: attendance.LinkWaiting, CreatedAt: now, UpdatedAt: now}
	if err := l.Store.SaveLinkRequest(ctx, req); err != nil {
		return attendance.LinkRequest{}, attendance.Unavailable("save link request", err)
	}
	l.notify(req)
	return req, nil
}

// GetLinkRequest returns a request or ErrLinkRequestNotFound.
func (l *Links) GetLinkRequest(ctx context.Context, token string) (attendance.LinkRequest, error) {
	req, err := l.Store.GetLinkRequest(ctx, token)
	if err != nil {
		return attendance.LinkRequest{}, attendance.Unavailable("get link request", err)
	}
	if req == nil {
		return attendance.LinkRequest{}, fmt.Errorf("%w: %s", attendance.ErrLinkRequestNotFound, token)
	}
	return *req, nil
}

// UpdateLinkRequestStatus moves a request to status and notifies watchers.
func (l *Links) UpdateLinkRequestStatus(ctx context.Context, token string, status attendance.LinkStatus) (attendance.LinkRequest, error) {
	if !status.Valid() {
		return attendance.LinkRequest{}, fmt.Errorf("unknown link status %q", status)
	}
	req, err := l.GetLinkRequest(ctx, token)
	if err != nil {
		return attendance.LinkRequest{}, err
	}
	req.Status = status
	req.UpdatedAt = l.now()
	if err := l.Store.SaveLinkRequest(ctx, req); err != nil {
		return attendance.LinkRequest{}, attendance.Unavailable("save link request", err)
	}
	l.notify(req)
	return req, nil
}

// WatchTokenStatus calls fn with the current state, then on every change,
// until stop is called or ctx is done.
func (l *Links) WatchTokenStatus(ctx context.Context, token string, fn StatusCallback) (stop func(), err error) {
	req, err := l.GetLinkRequest(ctx, token)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.watchers == nil {
		l.watchers = make(map[string]map[int]StatusCallback)
	}
	if l.watchers[token] == nil {
		l.watchers[token] = make(map[int]StatusCallback)
	}
	id := l.nextID
	l.nextID++
	l.watchers[token][id] = fn
	l.mu.Unlock()

	fn(req)

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.watchers[token], id)
			if len(l.watchers[token]) == 0 {
				delete(l.watchers, token)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}

func (l *Links) notify(req attendance.LinkRequest) {
	l.mu.Lock()
	callbacks := make([]StatusCallback, 0, len(l.watchers[req.Token]))
	for _, fn := range l.watchers[req.Token] {
		callbacks = append(callbacks, fn)
	}
	l.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Links] watcher for %s panicked: %v", req.Token, r)
				}
			}()
			fn(req)
		}()
	}
}

func (l *Links) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
