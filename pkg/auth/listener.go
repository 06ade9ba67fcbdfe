package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener errors.
var (
	ErrPortExhausted       = errors.New("no free loopback port in range")
	ErrMalformedCallback   = errors.New("callback is missing code or state")
	ErrAuthorizationDenied = errors.New("authorization was denied by the provider")
	ErrListenerStopped     = errors.New("callback listener stopped")
)

// CallbackPath is the path the provider redirects to.
const CallbackPath = "/callback"

const shutdownGrace = 2 * time.Second

// Callback carries the query parameters of the provider redirect.
type Callback struct {
	Code  string
	State string
}

// Listener is a single-use loopback HTTP endpoint receiving one OAuth redirect.
type Listener struct {
	port     int
	ln       net.Listener
	server   *http.Server
	received atomic.Bool

	once     sync.Once
	done     chan struct{}
	callback Callback
	err      error

	stopOnce sync.Once
}

// Listen binds 127.0.0.1 on the first free port in [low, high] and starts serving.
func Listen(low, high int) (*Listener, error) {
	if low <= 0 || high < low {
		return nil, fmt.Errorf("invalid port range %d-%d", low, high)
	}

	var ln net.Listener
	for port := low; port <= high; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			ln = l
			break
		}
	}
	if ln == nil {
		return nil, fmt.Errorf("%w: %d-%d", ErrPortExhausted, low, high)
	}

	l := &Listener{
		port: ln.Addr().(*net.TCPAddr).Port,
		ln:   ln,
		done: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, l.handleCallback)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Int("port", l.port).Msg("Callback listener failed")
			l.finish(Callback{}, fmt.Errorf("callback listener failed: %w", err))
		}
	}()

	return l, nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// RedirectURL returns the loopback redirect URI for this listener.
func (l *Listener) RedirectURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", l.port, CallbackPath)
}

// Wait blocks until the callback arrives, the listener stops or ctx is done.
func (l *Listener) Wait(ctx context.Context) (Callback, error) {
	select {
	case <-l.done:
		return l.callback, l.err
	case <-ctx.Done():
		return Callback{}, ctx.Err()
	}
}

// Stop closes the socket and resolves a pending Wait with ErrListenerStopped.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		// Shutdown unbinds first, then lets an in-flight page write finish.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := l.server.Shutdown(ctx); err != nil {
			_ = l.server.Close()
		}
		// Serve may not have started yet; the socket must be gone on return.
		_ = l.ln.Close()
		l.finish(Callback{}, ErrListenerStopped)
	})
}

func (l *Listener) finish(cb Callback, err error) {
	l.once.Do(func() {
		l.callback = cb
		l.err = err
		close(l.done)
	})
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !l.received.CompareAndSwap(false, true) {
		http.Error(w, "callback already received", http.StatusConflict)
		return
	}

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		writePage(w, http.StatusBadRequest, failurePage)
		l.finish(Callback{}, fmt.Errorf("%w: %s %s", ErrAuthorizationDenied, errParam, q.Get("error_description")))
		return
	}

	cb := Callback{Code: q.Get("code"), State: q.Get("state")}
	if cb.Code == "" || cb.State == "" {
		writePage(w, http.StatusBadRequest, failurePage)
		l.finish(Callback{}, ErrMalformedCallback)
		return
	}

	writePage(w, http.StatusOK, successPage)
	l.finish(cb, nil)
}

func writePage(w http.ResponseWriter, status int, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, page)
}

const successPage = `<!DOCTYPE html>
<html>
<head><title>Calendar connected</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
	<h1>Authorization successful</h1>
	<p>Google Calendar is now connected. You can close this window.</p>
</body>
</html>`

const failurePage = `<!DOCTYPE html>
<html>
<head><title>Authorization failed</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
	<h1>Authorization failed</h1>
	<p>The calendar could not be connected. Close this window and try again.</p>
</body>
</html>`
