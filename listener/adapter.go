package listener

import (
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Adapter turns a protocol Handler into an http.Handler. Each request cycle
// is strictly linear: validate → normalize → delegate → respond. Every
// failure along the way is contained here and converted into a written 500;
// nothing propagates into the host server's own fault path.
type Adapter struct {
	handler atomic.Pointer[Handler]

	// DevMode controls the failure response. Production gets a bare 500;
	// development gets a JSON envelope with message and stack. Injected at
	// construction so request handling never reads ambient process state.
	DevMode bool

	// Logger receives one diagnostic entry per contained failure.
	// Defaults to the process logger.
	Logger *log.Logger

	// Meta is handed through to every Request untouched.
	Meta any
}

type Config struct {
	Handler Handler
	DevMode bool
	Logger  *log.Logger
	Meta    any
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Handler == nil {
		return nil, errors.New("listener: config needs a Handler")
	}

	a := &Adapter{
		DevMode: cfg.DevMode,
		Logger:  cfg.Logger,
		Meta:    cfg.Meta,
	}
	a.handler.Store(&cfg.Handler)
	return a, nil
}

// Swap replaces the protocol handler. In-flight requests finish against the
// handler they started with; later requests see the new one. Used by the
// schema watcher for hot reload.
func (a *Adapter) Swap(h Handler) {
	if h == nil {
		return
	}
	a.handler.Store(&h)
}

func (a *Adapter) current() Handler {
	return *a.handler.Load()
}

// ServeHTTP runs one request/response cycle. The deferred recover is the
// outermost containment boundary: panics while normalizing, inside the
// handler, or while writing the success response all land in fail().
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req *Request

	defer func() {
		if rec := recover(); rec != nil {
			a.fail(w, req, rec, debug.Stack())
		}
	}()

	if err := validate(r); err != nil {
		a.fail(w, req, err, nil)
		return
	}

	req = newRequest(r, a.Meta)

	resp, err := a.current()(req)
	if err != nil {
		a.fail(w, req, err, nil)
		return
	}
	if resp == nil {
		a.fail(w, req, errors.New("handler returned neither response nor error"), nil)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	// net/http can't emit a custom reason phrase, so resp.StatusText only
	// shows up in logs, never on the wire.
	w.WriteHeader(status)

	if _, err := io.WriteString(w, resp.Body); err != nil {
		a.logf("[listener] request %s: response write failed: %v", req.RequestID(), err)
	}
}

// validate checks the fields the protocol can't do without. An empty URL
// string counts as missing, same as no URL at all.
func validate(r *http.Request) error {
	if r.Method == "" {
		return errors.WithStack(&MissingFieldError{Field: "method"})
	}
	if r.URL == nil || r.URL.String() == "" {
		return errors.WithStack(&MissingFieldError{Field: "url"})
	}
	return nil
}

// fail logs the fault once and writes the fallback response. If that write
// fails too there is nothing left to send on the connection, so the error is
// logged and swallowed.
func (a *Adapter) fail(w http.ResponseWriter, req *Request, fault any, stack []byte) {
	id := ""
	if req != nil {
		id = req.RequestID()
	}
	a.logf("[listener] internal error handling request %s: %v", id, fault)

	if !a.DevMode {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write(marshalFault(fault, stack)); err != nil {
		a.logf("[listener] request %s: error response write failed: %v", id, err)
	}
}

func (a *Adapter) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
