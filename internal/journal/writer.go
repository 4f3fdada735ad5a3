package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/deskd/internal/events"
)

// Writer drains a bus subscription into the store so every published
// event lands in the journal. Start it once and Stop it on shutdown;
// a failed insert is logged and the writer keeps going.
type Writer struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger

	ch   <-chan events.Event
	done chan struct{}
}

// NewWriter creates a writer over an existing store and bus.
func NewWriter(store *Store, bus *events.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

// Start subscribes to the bus and begins journaling in the background.
func (w *Writer) Start() {
	w.ch = w.bus.Subscribe(64)
	w.done = make(chan struct{})
	go w.run()
}

func (w *Writer) run() {
	defer close(w.done)
	for e := range w.ch {
		var detail string
		if len(e.Data) > 0 {
			b, err := json.Marshal(e.Data)
			if err != nil {
				w.logger.Warn("journal event data not encodable",
					"source", e.Source,
					"kind", e.Kind,
					"error", err)
			} else {
				detail = string(b)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.Append(ctx, Entry{
			At:     e.Timestamp,
			Source: e.Source,
			Kind:   e.Kind,
			Detail: detail,
		})
		cancel()
		if err != nil {
			w.logger.Warn("journal append failed",
				"source", e.Source,
				"kind", e.Kind,
				"error", err)
		}
	}
}

// Stop unsubscribes from the bus and waits for buffered events to be
// written out.
func (w *Writer) Stop() {
	if w.ch == nil {
		return
	}
	w.bus.Unsubscribe(w.ch)
	<-w.done
	w.ch = nil
}
