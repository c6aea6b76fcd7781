package listener

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HandlerFactory rebuilds the protocol handler, typically by re-reading and
// re-parsing the schema file.
type HandlerFactory func() (Handler, error)

// SchemaWatcher watches the schema file and hot-swaps the adapter's handler
// when it changes. A rebuild that fails keeps the previous handler in place.
// Dev-time convenience; production deployments normally run without it.
type SchemaWatcher struct {
	adapter *Adapter
	factory HandlerFactory
	hub     *Hub
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchSchema starts watching schemaPath. Editors tend to rename or remove
// on save, so the watch is on the containing directory and events are
// filtered down to the schema file itself.
func WatchSchema(a *Adapter, schemaPath string, factory HandlerFactory, hub *Hub) (*SchemaWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(filepath.Dir(schemaPath)); err != nil {
		_ = w.Close()
		return nil, err
	}

	sw := &SchemaWatcher{
		adapter: a,
		factory: factory,
		hub:     hub,
		watcher: w,
		done:    make(chan struct{}),
	}

	go sw.loop(filepath.Base(schemaPath))
	return sw, nil
}

func (sw *SchemaWatcher) loop(schemaFile string) {
	// editors fire several events per save; debounce them into one rebuild
	var pending *time.Timer

	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != schemaFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, sw.Reload)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[reload] watch error: %v", err)

		case <-sw.done:
			return
		}
	}
}

// Reload rebuilds the handler through the factory and swaps it in. Safe to
// call directly (the admin reload endpoint does).
func (sw *SchemaWatcher) Reload() {
	h, err := sw.factory()
	if err != nil {
		log.Printf("[reload] schema rebuild failed, keeping previous handler: %v", err)
		if sw.hub != nil {
			sw.hub.Publish("schema", "reload_failed", map[string]string{"error": err.Error()})
		}
		return
	}

	sw.adapter.Swap(h)
	log.Printf("[reload] schema handler swapped")

	if sw.hub != nil {
		sw.hub.Publish("schema", "reloaded", map[string]string{"at": time.Now().Format(time.RFC3339)})
	}
}

// Close stops the watcher goroutine.
func (sw *SchemaWatcher) Close() error {
	close(sw.done)
	return sw.watcher.Close()
}
