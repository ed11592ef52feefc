package dynamo

import (
	"fmt"
	"strings"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// Single-table layout:
//
//	SCENE#<docId>            SHAPE#<shapeId>   shape item
//	SCENE#<docId>            LAYER#<layerId>   layer item
//	ACTOR#<provider>#<id>    PROFILE           actor profile
//	AUDIT#<docId>            TS#<millis>#<id>  audit record
//
// Shapes and layers share the scene partition so one query loads a whole
// document.
type dynamoShape struct {
	PK              string         `dynamodbav:"PK"`
	SK              string         `dynamodbav:"SK"`
	Type            string         `dynamodbav:"Type"`
	X               float64        `dynamodbav:"X"`
	Y               float64        `dynamodbav:"Y"`
	W               float64        `dynamodbav:"W"`
	H               float64        `dynamodbav:"H"`
	Radius          float64        `dynamodbav:"Radius"`
	Text            string         `dynamodbav:"Text"`
	FontSize        float64        `dynamodbav:"FontSize"`
	StrokeWidth     float64        `dynamodbav:"StrokeWidth"`
	Points          []models.Point `dynamodbav:"Points,omitempty"`
	Rotation        float64        `dynamodbav:"Rotation"`
	Color           string         `dynamodbav:"Color"`
	LayerId         string         `dynamodbav:"LayerId"`
	CreatedAt       int64          `dynamodbav:"CreatedAt"`
	CreatedBy       string         `dynamodbav:"CreatedBy"`
	UpdatedAt       int64          `dynamodbav:"UpdatedAt"`
	UpdatedBy       string         `dynamodbav:"UpdatedBy"`
	ClientUpdatedAt int64          `dynamodbav:"ClientUpdatedAt"`
}

func shapePK(docId string) string        { return "SCENE#" + docId }
func shapeSK(shapeId string) string      { return "SHAPE#" + shapeId }
func layerSK(layerId string) string      { return "LAYER#" + layerId }
func actorPK(provider, id string) string { return "ACTOR#" + provider + "#" + id }
func auditPK(docId string) string        { return "AUDIT#" + docId }

// Zero-padded millis keep audit sort keys lexicographically ordered.
func auditSK(at int64, id string) string { return fmt.Sprintf("TS#%013d#%s", at, id) }

func shapeToDynamo(docId string, s models.Shape) dynamoShape {
	return dynamoShape{
		PK:              shapePK(docId),
		SK:              shapeSK(s.Id),
		Type:            string(s.Type),
		X:               s.X,
		Y:               s.Y,
		W:               s.W,
		H:               s.H,
		Radius:          s.Radius,
		Text:            s.Text,
		FontSize:        s.FontSize,
		StrokeWidth:     s.StrokeWidth,
		Points:          s.Points,
		Rotation:        s.Rotation,
		Color:           s.Color,
		LayerId:         s.LayerId,
		CreatedAt:       s.CreatedAt,
		CreatedBy:       s.CreatedBy,
		UpdatedAt:       s.UpdatedAt,
		UpdatedBy:       s.UpdatedBy,
		ClientUpdatedAt: s.ClientUpdatedAt,
	}
}

func shapeFromDynamo(ds dynamoShape) models.Shape {
	return models.Shape{
		Id:              strings.TrimPrefix(ds.SK, "SHAPE#"),
		Type:            models.ShapeType(ds.Type),
		X:               ds.X,
		Y:               ds.Y,
		W:               ds.W,
		H:               ds.H,
		Radius:          ds.Radius,
		Text:            ds.Text,
		FontSize:        ds.FontSize,
		StrokeWidth:     ds.StrokeWidth,
		Points:          ds.Points,
		Rotation:        ds.Rotation,
		Color:           ds.Color,
		LayerId:         ds.LayerId,
		CreatedAt:       ds.CreatedAt,
		CreatedBy:       ds.CreatedBy,
		UpdatedAt:       ds.UpdatedAt,
		UpdatedBy:       ds.UpdatedBy,
		ClientUpdatedAt: ds.ClientUpdatedAt,
	}
}

type dynamoLayer struct {
	PK         string   `dynamodbav:"PK"`
	SK         string   `dynamodbav:"SK"`
	Name       string   `dynamodbav:"Name"`
	Shapes     []string `dynamodbav:"Shapes,omitempty"`
	Visible    bool     `dynamodbav:"Visible"`
	Locked     bool     `dynamodbav:"Locked"`
	LayerOrder int      `dynamodbav:"LayerOrder"`
	Color      string   `dynamodbav:"Color"`
}

func layerToDynamo(docId string, l models.Layer) dynamoLayer {
	return dynamoLayer{
		PK:         shapePK(docId),
		SK:         layerSK(l.Id),
		Name:       l.Name,
		Shapes:     l.Shapes,
		Visible:    l.Visible,
		Locked:     l.Locked,
		LayerOrder: l.Order,
		Color:      l.Color,
	}
}

func layerFromDynamo(dl dynamoLayer) models.Layer {
	return models.Layer{
		Id:      strings.TrimPrefix(dl.SK, "LAYER#"),
		Name:    dl.Name,
		Shapes:  dl.Shapes,
		Visible: dl.Visible,
		Locked:  dl.Locked,
		Order:   dl.LayerOrder,
		Color:   dl.Color,
	}
}

type dynamoActor struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Id         string `dynamodbav:"Id"`
	Provider   string `dynamodbav:"Provider"`
	ProviderId string `dynamodbav:"ProviderId"`
	Name       string `dynamodbav:"Name"`
	Color      string `dynamodbav:"Color"`
	CreatedAt  int64  `dynamodbav:"CreatedAt"`
}

func actorToDynamo(a models.Actor) dynamoActor {
	return dynamoActor{
		PK:         actorPK(a.Provider, a.ProviderId),
		SK:         "PROFILE",
		Id:         a.Id,
		Provider:   a.Provider,
		ProviderId: a.ProviderId,
		Name:       a.Name,
		Color:      a.Color,
		CreatedAt:  a.CreatedAt,
	}
}

func actorFromDynamo(da dynamoActor) models.Actor {
	return models.Actor{
		Id:         da.Id,
		Provider:   da.Provider,
		ProviderId: da.ProviderId,
		Name:       da.Name,
		Color:      da.Color,
		CreatedAt:  da.CreatedAt,
	}
}

type dynamoAudit struct {
	PK       string   `dynamodbav:"PK"`
	SK       string   `dynamodbav:"SK"`
	Id       string   `dynamodbav:"Id"`
	ActorId  string   `dynamodbav:"ActorId"`
	Kind     string   `dynamodbav:"Kind"`
	ShapeIds []string `dynamodbav:"ShapeIds,omitempty"`
	At       int64    `dynamodbav:"At"`
}

func auditToDynamo(r models.AuditRecord) dynamoAudit {
	return dynamoAudit{
		PK:       auditPK(r.DocId),
		SK:       auditSK(r.At, r.Id),
		Id:       r.Id,
		ActorId:  r.ActorId,
		Kind:     r.Kind,
		ShapeIds: r.ShapeIds,
		At:       r.At,
	}
}

func auditFromDynamo(da dynamoAudit) models.AuditRecord {
	return models.AuditRecord{
		Id:       da.Id,
		DocId:    strings.TrimPrefix(da.PK, "AUDIT#"),
		ActorId:  da.ActorId,
		Kind:     da.Kind,
		ShapeIds: da.ShapeIds,
		At:       da.At,
	}
}
