package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/engine"
	"github.com/xvanov/collabcanvas-sub002/identity"
	"github.com/xvanov/collabcanvas-sub002/models"
)

// Browser websockets cannot set arbitrary headers, so the bearer token
// rides as the second entry of the subprotocol list.
const subprotocol = "canvas-v1"

// eventConnectionState is pushed on connectivity transitions. It never
// crosses the wire between backends; it only describes this session.
const eventConnectionState = "connection_state"

// gestureTimeout bounds gestures that have to touch the network
// directly (locks, resync).
const gestureTimeout = 10 * time.Second

// SessionFactory builds the engine session backing one connection.
type SessionFactory func(docId string, actor models.Actor) (*engine.Session, error)

type Handler struct {
	Auth       *identity.Service
	Hub        *Hub
	NewSession SessionFactory
}

func NewHandler(auth *identity.Service, hub *Hub, newSession SessionFactory) *Handler {
	return &Handler{
		Auth:       auth,
		Hub:        hub,
		NewSession: newSession,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. One connection is
// one actor on one document; the engine session owns all scene state
// and fan-out for it.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	actor, authErr := h.Auth.Authenticate(r.Context(), token)

	docId := r.URL.Query().Get("doc")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade ws connection")
		return
	}

	// Must upgrade the connection in order to be able to send a custom
	// close message.
	if authErr != nil {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Unauthenticated")
		return
	}
	if docId == "" {
		closeWithReason(conn, websocket.ClosePolicyViolation, "Missing doc query parameter")
		return
	}

	client := NewClient(h.Hub, conn, actor, docId, h.HandleWsMessage)

	session, err := h.NewSession(docId, actor)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"docId":  docId,
			"userId": actor.Id,
		}).Error("Failed to build session")
		closeWithReason(conn, websocket.CloseInternalServerErr, "Session unavailable")
		return
	}
	client.Session = session

	// Wire listeners before Start so the initial snapshot event reaches
	// this client.
	session.OnScene(func(eventType string, data any) { client.push(eventType, data) })
	session.OnLock(func(eventType string, lock models.Lock) { client.push(eventType, lock) })
	session.OnPresence(func(eventType string, presence models.Presence) { client.push(eventType, presence) })
	session.OnConnection(func(state models.ConnectionState) { client.push(eventConnectionState, state) })

	if err := session.Start(shutdownCtx); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"docId":  docId,
			"userId": actor.Id,
		}).Error("Failed to start session")
		session.Close()
		closeWithReason(conn, websocket.CloseInternalServerErr, "Session unavailable")
		return
	}

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type createShapeData struct {
	Type        models.ShapeType `json:"type"`
	X           float64          `json:"x"`
	Y           float64          `json:"y"`
	W           float64          `json:"w"`
	H           float64          `json:"h"`
	Radius      float64          `json:"radius"`
	Rotation    float64          `json:"rotation"`
	Text        string           `json:"text"`
	FontSize    float64          `json:"fontSize"`
	StrokeWidth float64          `json:"strokeWidth"`
	Points      []models.Point   `json:"points"`
	Color       string           `json:"color"`
	LayerId     string           `json:"layerId"`
}

type updatePropertyData struct {
	ShapeId  string `json:"shapeId"`
	Property string `json:"property"`
	Value    any    `json:"value"`
}

type moveShapeData struct {
	ShapeId string  `json:"shapeId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type moveShapesData struct {
	ShapeIds []string `json:"shapeIds"`
	Dx       float64  `json:"dx"`
	Dy       float64  `json:"dy"`
}

type rotateShapesData struct {
	ShapeIds []string `json:"shapeIds"`
	Rotation float64  `json:"rotation"`
}

type shapeIdsData struct {
	ShapeIds []string `json:"shapeIds"`
}

type shapeIdData struct {
	ShapeId string `json:"shapeId"`
}

type createLayerData struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type layerIdData struct {
	LayerId string `json:"layerId"`
}

type cursorData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func ack(op string, fields map[string]any) responseMessage {
	data := map[string]any{"op": op, "success": true}
	for key, value := range fields {
		data[key] = value
	}
	return responseMessage{Type: "ack", Data: data}
}

func nack(op string, reason string) responseMessage {
	return responseMessage{Type: "nack", Data: map[string]any{"op": op, "success": false, "reason": reason}}
}

// HandleWsMessage dispatches one inbound gesture. Mutations apply to
// the local scene synchronously, so the ack carries the final local
// outcome; persistence and fan-out continue in the session's background
// workers.
func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		logrus.WithError(err).Warn("Invalid websocket message")
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "create_shape":
		var data createShapeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid create_shape data")
			return
		}
		resp = h.handleCreateShape(client, data)

	case "update_property":
		var data updatePropertyData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid update_property data")
			return
		}
		resp = h.handleUpdateProperty(client, data)

	case "move_shape":
		var data moveShapeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid move_shape data")
			return
		}
		resp = h.handleMoveShape(client, data)

	case "move_shapes":
		var data moveShapesData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid move_shapes data")
			return
		}
		resp = h.handleMoveShapes(client, data)

	case "rotate_shapes":
		var data rotateShapesData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid rotate_shapes data")
			return
		}
		resp = h.handleRotateShapes(client, data)

	case "delete_shapes":
		var data shapeIdsData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid delete_shapes data")
			return
		}
		resp = h.handleDeleteShapes(client, data)

	case "duplicate_shapes":
		var data shapeIdsData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid duplicate_shapes data")
			return
		}
		resp = h.handleDuplicateShapes(client, data)

	case "create_layer":
		var data createLayerData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid create_layer data")
			return
		}
		resp = h.handleCreateLayer(client, data)

	case "update_layer":
		var layer models.Layer
		if err := json.Unmarshal(msg.Data, &layer); err != nil {
			logrus.WithError(err).Warn("Invalid update_layer data")
			return
		}
		resp = h.handleUpdateLayer(client, layer)

	case "delete_layer":
		var data layerIdData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid delete_layer data")
			return
		}
		resp = h.handleDeleteLayer(client, data)

	case "set_active_layer":
		var data layerIdData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid set_active_layer data")
			return
		}
		resp = h.handleSetActiveLayer(client, data)

	case "acquire_lock":
		var data shapeIdData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid acquire_lock data")
			return
		}
		resp = h.handleAcquireLock(client, data)

	case "release_lock":
		var data shapeIdData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid release_lock data")
			return
		}
		resp = h.handleReleaseLock(client, data)

	case "cursor":
		var data cursorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			logrus.WithError(err).Warn("Invalid cursor data")
			return
		}
		// Fire and forget; the broadcaster throttles and the ack would
		// only add backpressure.
		client.Session.UpdateCursor(data.X, data.Y)

	case "undo":
		resp = h.handleHistory(client, false)

	case "redo":
		resp = h.handleHistory(client, true)

	case "resync":
		resp = h.handleResync(client)

	default:
		logrus.WithField("type", msg.Type).Warn("Unknown message type")
		resp = nack(msg.Type, "unknown message type")
	}

	if resp.Type != "" {
		client.push(resp.Type, resp.Data)
	}
}

func (h *Handler) handleCreateShape(client *Client, data createShapeData) responseMessage {
	shape, err := client.Session.CreateShape(engine.CreateShapeParams{
		Type:        data.Type,
		X:           data.X,
		Y:           data.Y,
		W:           data.W,
		H:           data.H,
		Radius:      data.Radius,
		Rotation:    data.Rotation,
		Text:        data.Text,
		FontSize:    data.FontSize,
		StrokeWidth: data.StrokeWidth,
		Points:      data.Points,
		Color:       data.Color,
		LayerId:     data.LayerId,
	})
	if err != nil {
		logrus.WithError(err).WithField("userId", client.Actor.Id).Debug("Create shape refused")
		return nack("create_shape", err.Error())
	}

	return ack("create_shape", map[string]any{"shape": shape})
}

func (h *Handler) handleUpdateProperty(client *Client, data updatePropertyData) responseMessage {
	if err := client.Session.UpdateShapeProperty(data.ShapeId, data.Property, data.Value); err != nil {
		logrus.WithError(err).WithField("shapeId", data.ShapeId).Debug("Update property refused")
		return nack("update_property", err.Error())
	}

	return ack("update_property", map[string]any{"shapeId": data.ShapeId})
}

func (h *Handler) handleMoveShape(client *Client, data moveShapeData) responseMessage {
	if err := client.Session.UpdateShapePosition(data.ShapeId, data.X, data.Y); err != nil {
		return nack("move_shape", err.Error())
	}

	return ack("move_shape", map[string]any{"shapeId": data.ShapeId})
}

func (h *Handler) handleMoveShapes(client *Client, data moveShapesData) responseMessage {
	if err := client.Session.MoveShapes(data.ShapeIds, data.Dx, data.Dy); err != nil {
		return nack("move_shapes", err.Error())
	}

	return ack("move_shapes", map[string]any{"shapeIds": data.ShapeIds})
}

func (h *Handler) handleRotateShapes(client *Client, data rotateShapesData) responseMessage {
	if err := client.Session.RotateShapes(data.ShapeIds, data.Rotation); err != nil {
		return nack("rotate_shapes", err.Error())
	}

	return ack("rotate_shapes", map[string]any{"shapeIds": data.ShapeIds})
}

func (h *Handler) handleDeleteShapes(client *Client, data shapeIdsData) responseMessage {
	if err := client.Session.DeleteShapes(data.ShapeIds); err != nil {
		return nack("delete_shapes", err.Error())
	}

	return ack("delete_shapes", map[string]any{"shapeIds": data.ShapeIds})
}

func (h *Handler) handleDuplicateShapes(client *Client, data shapeIdsData) responseMessage {
	copies, err := client.Session.DuplicateShapes(data.ShapeIds)
	if err != nil {
		return nack("duplicate_shapes", err.Error())
	}

	return ack("duplicate_shapes", map[string]any{"shapes": copies})
}

func (h *Handler) handleCreateLayer(client *Client, data createLayerData) responseMessage {
	layer, err := client.Session.CreateLayer(data.Name, data.Color)
	if err != nil {
		return nack("create_layer", err.Error())
	}

	return ack("create_layer", map[string]any{"layer": layer})
}

func (h *Handler) handleUpdateLayer(client *Client, layer models.Layer) responseMessage {
	if err := client.Session.UpdateLayer(layer); err != nil {
		return nack("update_layer", err.Error())
	}

	return ack("update_layer", map[string]any{"layerId": layer.Id})
}

func (h *Handler) handleDeleteLayer(client *Client, data layerIdData) responseMessage {
	if err := client.Session.DeleteLayer(data.LayerId); err != nil {
		return nack("delete_layer", err.Error())
	}

	return ack("delete_layer", map[string]any{"layerId": data.LayerId})
}

func (h *Handler) handleSetActiveLayer(client *Client, data layerIdData) responseMessage {
	if err := client.Session.SetActiveLayer(data.LayerId); err != nil {
		return nack("set_active_layer", err.Error())
	}

	return ack("set_active_layer", map[string]any{"layerId": data.LayerId})
}

func (h *Handler) handleAcquireLock(client *Client, data shapeIdData) responseMessage {
	ctx, cancel := context.WithTimeout(context.Background(), gestureTimeout)
	defer cancel()

	if !client.Session.AcquireLock(ctx, data.ShapeId) {
		return nack("acquire_lock", engine.ErrShapeLocked.Error())
	}

	return ack("acquire_lock", map[string]any{"shapeId": data.ShapeId})
}

func (h *Handler) handleReleaseLock(client *Client, data shapeIdData) responseMessage {
	ctx, cancel := context.WithTimeout(context.Background(), gestureTimeout)
	defer cancel()

	client.Session.ReleaseLock(ctx, data.ShapeId)
	return ack("release_lock", map[string]any{"shapeId": data.ShapeId})
}

func (h *Handler) handleHistory(client *Client, redo bool) responseMessage {
	op := "undo"
	apply := client.Session.Undo
	if redo {
		op = "redo"
		apply = client.Session.Redo
	}

	action, err := apply()
	if err != nil {
		logrus.WithError(err).WithField("userId", client.Actor.Id).Debug("History replay refused")
		return nack(op, err.Error())
	}

	return ack(op, map[string]any{
		"applied": action != nil,
		"canUndo": client.Session.CanUndo(),
		"canRedo": client.Session.CanRedo(),
	})
}

func (h *Handler) handleResync(client *Client) responseMessage {
	ctx, cancel := context.WithTimeout(context.Background(), gestureTimeout)
	defer cancel()

	if err := client.Session.Resync(ctx); err != nil {
		logrus.WithError(err).WithField("docId", client.DocId).Warn("Resync failed")
		return nack("resync", err.Error())
	}

	// The refreshed snapshot reaches the client through the scene
	// listener as a scene_state event.
	return ack("resync", nil)
}
