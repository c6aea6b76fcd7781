package listener

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func constHandler(body string) Handler {
	return func(req *Request) (*Response, error) {
		return &Response{Status: http.StatusOK, Body: body}, nil
	}
}

func serve(a *Adapter) string {
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/graphql", nil))
	return rr.Body.String()
}

// TestWatchSchemaSwapsHandlerOnChange makes sure that when the watched
// schema file changes, the watcher eventually rebuilds and swaps the
// handler.
func TestWatchSchemaSwapsHandlerOnChange(t *testing.T) {
	tmp := t.TempDir()
	schemaPath := filepath.Join(tmp, "schema.graphql")
	if err := os.WriteFile(schemaPath, []byte("type Query { a: String }"), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	a := newAdapter(t, constHandler("v1"), false)

	gen := 0
	factory := func() (Handler, error) {
		gen++
		if gen == 1 {
			return constHandler("v1"), nil
		}
		return constHandler("v2"), nil
	}
	// consume generation 1 so the watcher's rebuild produces v2
	if _, err := factory(); err != nil {
		t.Fatalf("factory: %v", err)
	}

	hub := NewHub()
	sw, err := WatchSchema(a, schemaPath, factory, hub)
	if err != nil {
		t.Fatalf("WatchSchema returned error: %v", err)
	}
	defer sw.Close()

	if got := serve(a); got != "v1" {
		t.Fatalf("before change: body = %q", got)
	}

	// Touch the schema file to trigger a change event
	if err := os.WriteFile(schemaPath, []byte("type Query { a: String b: String }"), 0o644); err != nil {
		t.Fatalf("rewrite schema: %v", err)
	}

	// wait up to 2 seconds for the watcher goroutine to observe the change
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if serve(a) == "v2" {
			return // success
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("expected handler to be swapped after schema change; still serving %q", serve(a))
}

func TestReloadKeepsPreviousHandlerOnFactoryError(t *testing.T) {
	a := newAdapter(t, constHandler("stable"), false)

	sw := &SchemaWatcher{
		adapter: a,
		factory: func() (Handler, error) {
			return nil, errors.New("schema does not parse")
		},
		hub: NewHub(),
	}

	sw.Reload()

	if got := serve(a); got != "stable" {
		t.Fatalf("failed rebuild must keep the old handler; body = %q", got)
	}
}

func TestReloadPublishesEvent(t *testing.T) {
	a := newAdapter(t, constHandler("v1"), false)
	hub := NewHub()

	client := hub.Subscribe("schema")
	defer hub.Unsubscribe("schema", client)

	sw := &SchemaWatcher{
		adapter: a,
		factory: func() (Handler, error) { return constHandler("v2"), nil },
		hub:     hub,
	}

	sw.Reload()

	select {
	case ev := <-client.Send:
		if ev.Type != "reloaded" {
			t.Fatalf("event type = %q, want reloaded", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event published")
	}

	if got := serve(a); got != "v2" {
		t.Fatalf("Reload did not swap the handler; body = %q", got)
	}
}

func TestWatchSchemaMissingDir(t *testing.T) {
	a := newAdapter(t, constHandler("x"), false)

	_, err := WatchSchema(a, filepath.Join(t.TempDir(), "nope", "schema.graphql"), func() (Handler, error) {
		return constHandler("x"), nil
	}, nil)
	if err == nil {
		t.Fatal("expected an error for a missing watch directory")
	}
}
