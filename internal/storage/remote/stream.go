package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/core"
)

// TailOptions selects the events streamed by Tail.
type TailOptions struct {
	Project string
	After   int64
	Types   []core.EventType
	// Reconnect keeps tailing across daemon restarts, resuming after the
	// last delivered sequence.
	Reconnect bool
}

const maxReconnectBackoff = 30 * time.Second

// Tail streams committed events to fn until ctx is done, fn returns an
// error, or the stream ends without Reconnect.
func (a *Adapter) Tail(ctx context.Context, opts TailOptions, fn func(core.Event) error) error {
	backoff := time.Second
	for {
		err := a.tailOnce(ctx, &opts, fn)
		var stop *stopError
		switch {
		case errors.As(err, &stop):
			return stop.err
		case ctx.Err() != nil:
			return ctx.Err()
		case !opts.Reconnect:
			return err
		}
		a.log.Debug("event stream dropped, reconnecting", "error", err, "after", opts.After, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// stopError carries an error returned by the caller's callback.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }

func (a *Adapter) tailOnce(ctx context.Context, opts *TailOptions, fn func(core.Event) error) error {
	wsURL, err := a.streamURL(*opts)
	if err != nil {
		return &stopError{err: err}
	}
	// websocket dialing rejects clients with a timeout; the stream is
	// bounded by ctx instead
	hc := *a.http
	hc.Timeout = 0
	dial := &websocket.DialOptions{HTTPClient: &hc}
	if a.apiKey != "" {
		dial.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + a.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, dial)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client closing")

	for {
		var ev core.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return &stopError{err: err}
		}
		opts.After = ev.Sequence
	}
}

func (a *Adapter) streamURL(opts TailOptions) (string, error) {
	u, err := url.Parse(a.baseURL + RouteStream)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if opts.Project != "" {
		q.Set("project", opts.Project)
	}
	if opts.After > 0 {
		q.Set("after", strconv.FormatInt(opts.After, 10))
	}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		q.Set("types", strings.Join(types, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
