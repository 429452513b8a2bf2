package supervisor

import (
	"context"
	"net/http"

	"golang.org/x/sync/semaphore"

	"liuproxy_fleet/internal/session"
	"liuproxy_fleet/proxypool/model"
)

// limitedDialer caps how many connect attempts run at the same time.
// The slot is held only for the dial and handshake, not for the session lifetime.
type limitedDialer struct {
	next session.Dialer
	sem  *semaphore.Weighted
}

// LimitDials wraps d so at most n dials are in flight. n <= 0 returns d unchanged.
func LimitDials(d session.Dialer, n int) session.Dialer {
	if n <= 0 {
		return d
	}
	return &limitedDialer{next: d, sem: semaphore.NewWeighted(int64(n))}
}

func (d *limitedDialer) Dial(ctx context.Context, ep model.Endpoint, header http.Header) (session.Conn, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)
	return d.next.Dial(ctx, ep, header)
}
