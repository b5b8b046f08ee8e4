package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"loadflow/internal/model"
	"loadflow/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Runner executes a schedule against a loaded network.
type Runner interface {
	Run(ctx context.Context, schedule model.Schedule) (*model.ScheduleRun, error)
}

// Handler manages WebSocket connections and starts runs on request.
type Handler struct {
	hub     *Hub
	bridge  *Bridge
	runner  Runner
	store   *store.Store
	network *model.NetworkModel

	// DefaultSchedule is used when run:start carries no schedule.
	DefaultSchedule model.Schedule
	Log             logrus.FieldLogger

	ctx  context.Context
	runs sync.WaitGroup
}

// NewHandler wires a handler. Runs started by clients use ctx, so
// cancelling it stops them at the next step boundary.
func NewHandler(ctx context.Context, hub *Hub, bridge *Bridge, runner Runner, st *store.Store, network *model.NetworkModel) *Handler {
	return &Handler{
		hub:             hub,
		bridge:          bridge,
		runner:          runner,
		store:           st,
		network:         network,
		DefaultSchedule: model.DefaultSchedule,
		Log:             logrus.StandardLogger(),
		ctx:             ctx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	client := newClient(h.hub, conn, sendBuffer)

	h.hub.Register(client)
	go client.writePump()

	h.reply(client, TypeNetworkLoaded, NetworkLoadedFromModel(h.network))

	h.readPump(client)
}

// Wait blocks until every run started by a client has finished.
func (h *Handler) Wait() {
	h.runs.Wait()
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Log.Warnf("WebSocket read error: %v", err)
			}
			return
		}

		h.handleMessage(c, msg)
	}
}

func (h *Handler) handleMessage(c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.replyError(c, "invalid message: "+err.Error())
		return
	}

	switch env.Type {
	case TypeRunStart:
		var p RunStartPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				h.replyError(c, "invalid run:start payload: "+err.Error())
				return
			}
		}
		sched := model.Schedule(p.Schedule)
		if len(sched) == 0 {
			sched = h.DefaultSchedule
		}
		if p.MaxLoadFactor > 0 {
			sched = sched.Scaled(p.MaxLoadFactor)
		}
		if err := sched.Validate(); err != nil {
			h.replyError(c, err.Error())
			return
		}
		h.startRun(sched)

	case TypeRunsList:
		runs := h.store.Runs()
		p := RunsListPayload{Runs: make([]RunSummaryPayload, 0, len(runs))}
		for _, r := range runs {
			p.Runs = append(p.Runs, RunSummaryFromModel(r))
		}
		h.reply(c, TypeRunsList, p)

	case TypeRunGet:
		var p RunGetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.replyError(c, "invalid run:get payload: "+err.Error())
			return
		}
		id, err := uuid.Parse(p.ID)
		if err != nil {
			h.replyError(c, "invalid run id: "+err.Error())
			return
		}
		run, ok := h.store.Run(id)
		if !ok {
			h.replyError(c, "unknown run "+p.ID)
			return
		}
		h.reply(c, TypeRunDetail, run)

	default:
		h.Log.Warnf("Unknown message type: %s", env.Type)
		h.replyError(c, "unknown message type "+env.Type)
	}
}

func (h *Handler) startRun(sched model.Schedule) {
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		log := h.Log.WithField("steps", len(sched))
		log.Info("Starting run")
		run, err := h.runner.Run(h.ctx, sched)
		if run != nil {
			h.store.AddRun(run)
		}
		if err != nil {
			log.Errorf("Run failed: %v", err)
			h.bridge.RunFailed(err)
			return
		}
		log.WithFields(logrus.Fields{
			"run":    run.ID,
			"failed": run.FailedCount,
		}).Info("Run finished")
	}()
}

func (h *Handler) reply(c *Client, msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		h.Log.Errorf("Error creating %s message: %v", msgType, err)
		return
	}
	h.hub.Send(c, msg)
}

func (h *Handler) replyError(c *Client, message string) {
	h.reply(c, TypeError, ErrorPayload{Message: message})
}
