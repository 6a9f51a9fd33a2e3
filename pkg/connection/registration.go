package connection

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/CARTAvis/go-fleet/pkg/pool"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

//go:embed schemas/worker_registration.json
var schemaFiles embed.FS

const registrationSchemaPath = "schemas/worker_registration.json"

var registrationSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	f, err := schemaFiles.Open(registrationSchemaPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("embed://"+registrationSchemaPath, doc); err != nil {
		return nil, err
	}
	return c.Compile("embed://" + registrationSchemaPath)
})

func validateRegistration(message []byte) error {
	schema, err := registrationSchema()
	if err != nil {
		return fmt.Errorf("loading registration schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(message))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func (h *Handler) handleRegistration(conn *websocket.Conn, state *connState, message []byte) {
	if err := validateRegistration(message); err != nil {
		state.logger.Warn("Rejecting invalid registration", "error", err)
		h.send(state, defs.WorkerRegistrationAck{
			Type:    defs.TypeWorkerRegistrationAck,
			Success: false,
			Error:   "invalid registration payload",
		})
		return
	}

	var reg defs.WorkerRegistration
	if err := json.Unmarshal(message, &reg); err != nil {
		state.logger.Warn("Dropping malformed registration", "error", err)
		return
	}
	logger := state.logger.With("workerId", reg.WorkerId)

	if h.cfg.Verifier != nil {
		if err := h.cfg.Verifier.Verify(reg.WorkerId, reg.AuthToken); err != nil {
			logger.Warn("Worker failed authentication", "error", err)
			h.send(state, defs.WorkerRegistrationAck{
				Type:    defs.TypeWorkerRegistrationAck,
				Success: false,
				Error:   "authentication failed",
			})
			_ = state.transport.Close(defs.CloseAuthRejected, "authentication failed")
			return
		}
	}

	h.regMu.Lock()

	var gone []pool.WorkerInfo
	if info, ok := h.retireSocketWorker(conn, state); ok {
		gone = append(gone, info)
	}
	if info, ok := h.replaceExisting(conn, reg.WorkerId); ok {
		gone = append(gone, info)
	}

	worker := pool.NewWorker(reg.WorkerId, reg.WorkerName, state.transport, reg.Capabilities, uuid.NewString(), h.pool.Now())
	h.pool.Add(worker)
	info, _ := h.pool.Get(worker.Id)

	h.mu.Lock()
	state.workerId = worker.Id
	state.sessionId = worker.SessionId
	h.workers[worker.Id] = conn
	h.mu.Unlock()

	turn := h.turns.take()
	h.regMu.Unlock()

	h.send(state, defs.WorkerRegistrationAck{
		Type:                defs.TypeWorkerRegistrationAck,
		Success:             true,
		SessionId:           worker.SessionId,
		HeartbeatIntervalMs: h.cfg.HeartbeatInterval.Milliseconds(),
	})
	logger.Info("Worker registered",
		"name", reg.WorkerName,
		"sessionId", worker.SessionId,
		"models", reg.Capabilities.Models,
		"maxConcurrentRequests", reg.Capabilities.MaxConcurrentRequests,
	)

	h.turns.wait(turn)
	defer h.turns.done()
	for _, old := range gone {
		h.notifyDisconnected(old)
	}
	h.notifyConnected(info)
}

// retireSocketWorker handles a socket registering a second time: the record it
// registered before is removed and returned for the disconnect notification.
func (h *Handler) retireSocketWorker(conn *websocket.Conn, state *connState) (pool.WorkerInfo, bool) {
	h.mu.Lock()
	workerId, sessionId := state.workerId, state.sessionId
	state.workerId, state.sessionId = "", ""
	if workerId != "" && h.workers[workerId] == conn {
		delete(h.workers, workerId)
	}
	h.mu.Unlock()

	if workerId == "" {
		return pool.WorkerInfo{}, false
	}
	info, ok := h.pool.RemoveSession(workerId, sessionId)
	if ok {
		state.logger.Info("Socket re-registered, retiring previous record", "workerId", workerId)
	}
	return info, ok
}

// replaceExisting evicts another socket's record stored under workerId and returns
// it. The old socket is detached from its worker first so its close path stays silent.
func (h *Handler) replaceExisting(conn *websocket.Conn, workerId string) (pool.WorkerInfo, bool) {
	if !h.pool.Has(workerId) {
		return pool.WorkerInfo{}, false
	}

	h.mu.Lock()
	oldConn := h.workers[workerId]
	if oldConn != nil {
		if oldState := h.conns[oldConn]; oldState != nil {
			oldState.workerId, oldState.sessionId = "", ""
		}
		delete(h.workers, workerId)
	}
	h.mu.Unlock()

	if oldConn != conn {
		h.pool.Disconnect(workerId, defs.CloseReplaced, "replaced by newer registration")
	}

	info, ok := h.pool.Remove(workerId)
	if !ok {
		return pool.WorkerInfo{}, false
	}
	h.logger.Info("Worker replaced by newer registration",
		"workerId", workerId,
		"oldSessionId", info.SessionId,
		"pendingRequests", len(info.PendingRequests),
	)
	return info, true
}
