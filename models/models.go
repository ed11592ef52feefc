package models

type ShapeType string

const (
	ShapeRectangle   ShapeType = "rectangle"
	ShapeCircle      ShapeType = "circle"
	ShapeText        ShapeType = "text"
	ShapeLine        ShapeType = "line"
	ShapePolyline    ShapeType = "polyline"
	ShapePolygon     ShapeType = "polygon"
	ShapeBoundingBox ShapeType = "bounding-box"
)

func (t ShapeType) Valid() bool {
	switch t {
	case ShapeRectangle, ShapeCircle, ShapeText, ShapeLine, ShapePolyline, ShapePolygon, ShapeBoundingBox:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape timestamps are Unix milliseconds. ClientUpdatedAt is stamped by the
// editing client and drives last-write-wins merging; UpdatedAt is the
// tie-breaker.
type Shape struct {
	Id              string    `json:"id"`
	Type            ShapeType `json:"type"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	W               float64   `json:"w"`
	H               float64   `json:"h"`
	Radius          float64   `json:"radius,omitempty"`
	Text            string    `json:"text,omitempty"`
	FontSize        float64   `json:"fontSize,omitempty"`
	StrokeWidth     float64   `json:"strokeWidth,omitempty"`
	Points          []Point   `json:"points,omitempty"`
	Rotation        float64   `json:"rotation,omitempty"`
	Color           string    `json:"color"`
	LayerId         string    `json:"layerId"`
	CreatedAt       int64     `json:"createdAt"`
	CreatedBy       string    `json:"createdBy"`
	UpdatedAt       int64     `json:"updatedAt"`
	UpdatedBy       string    `json:"updatedBy"`
	ClientUpdatedAt int64     `json:"clientUpdatedAt"`
}

// NewerThan reports whether s carries a strictly newer edit than other.
func (s Shape) NewerThan(other Shape) bool {
	if s.ClientUpdatedAt != other.ClientUpdatedAt {
		return s.ClientUpdatedAt > other.ClientUpdatedAt
	}
	return s.UpdatedAt > other.UpdatedAt
}

type Layer struct {
	Id      string   `json:"id"`
	Name    string   `json:"name"`
	Shapes  []string `json:"shapes"`
	Visible bool     `json:"visible"`
	Locked  bool     `json:"locked"`
	Order   int      `json:"order"`
	Color   string   `json:"color"`
}

type Lock struct {
	ShapeId  string `json:"shapeId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
	LockedAt int64  `json:"lockedAt"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Presence struct {
	UserId   string `json:"userId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Cursor   Cursor `json:"cursor"`
	LastSeen int64  `json:"lastSeen"`
	IsActive bool   `json:"isActive"`
}

type Actor struct {
	Id         string `json:"id"`
	Provider   string `json:"provider"`
	ProviderId string `json:"providerId"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	CreatedAt  int64  `json:"createdAt"`
}

// ConnectionState is the engine's view of backend reachability. IsOnline is
// true only while both stores answer.
type ConnectionState struct {
	IsOnline          bool  `json:"isOnline"`
	IsStoreOnline     bool  `json:"isStoreOnline"`
	IsEphemeralOnline bool  `json:"isEphemeralOnline"`
	LastOnlineTime    int64 `json:"lastOnlineTime"`
}

type AuditRecord struct {
	Id       string   `json:"id"`
	DocId    string   `json:"docId"`
	ActorId  string   `json:"actorId"`
	Kind     string   `json:"kind"`
	ShapeIds []string `json:"shapeIds,omitempty"`
	At       int64    `json:"at"`
}
