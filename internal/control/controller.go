package control

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zsiec/fluxion/internal/filter"
)

// Dispatcher is the capability the Controller needs from the
// PipelineManager: routing one already-decoded event to either a filter's
// inbox or the manager's synchronous handlers. graph.Manager.ProcessEvent
// has the same shape but returns graph.Reply, so internal/engine adapts it.
type Dispatcher interface {
	ProcessEvent(e filter.Event) Reply
}

// Reply mirrors graph.Reply's shape without importing the graph package,
// so control only depends on the capability it actually uses.
type Reply struct {
	Error   string
	Payload any
}

// Controller is the command-socket receiver: it upgrades HTTP connections
// on its registered path to websockets, reads one JSON envelope per text
// frame, validates it, and dispatches to the Dispatcher. Carrying the
// envelope over a websocket (rather than a hand-rolled length-delimited
// TCP stream) gets message framing for free; the envelope contract
// itself is transport-independent.
type Controller struct {
	log        *slog.Logger
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
}

// New constructs a Controller bound to dispatcher.
func New(dispatcher Dispatcher, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:        log.With("component", "controller"),
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and processes envelopes until the
// client disconnects or ctx is cancelled.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c.serveConn(r.Context(), conn)
}

func (c *Controller) serveConn(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		e, err := decodeEnvelope(raw)
		if err != nil {
			reply, _ := encodeReply(err.Error(), nil)
			_ = conn.WriteMessage(websocket.TextMessage, reply)
			continue
		}

		rep := c.dispatcher.ProcessEvent(e)
		reply, err := encodeReply(rep.Error, rep.Payload)
		if err != nil {
			c.log.Error("encode reply failed", "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

// RegisterRoutes mounts the controller at path on mux.
func (c *Controller) RegisterRoutes(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, c.ServeHTTP)
}
