package engine

import (
	"encoding/json"
	"fmt"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// setShapeProperty writes one editable property and returns the value it
// replaced. Values typically arrive from decoded JSON, so numbers show up
// as float64 and point lists as []any.
func setShapeProperty(shape *models.Shape, property string, value any) (prev any, err error) {
	switch property {
	case "x":
		return swapFloat(&shape.X, property, value)
	case "y":
		return swapFloat(&shape.Y, property, value)
	case "w":
		return swapFloat(&shape.W, property, value)
	case "h":
		return swapFloat(&shape.H, property, value)
	case "radius":
		return swapFloat(&shape.Radius, property, value)
	case "rotation":
		return swapFloat(&shape.Rotation, property, value)
	case "fontSize":
		return swapFloat(&shape.FontSize, property, value)
	case "strokeWidth":
		return swapFloat(&shape.StrokeWidth, property, value)
	case "color":
		return swapString(&shape.Color, property, value)
	case "text":
		return swapString(&shape.Text, property, value)
	case "layerId":
		return swapString(&shape.LayerId, property, value)
	case "points":
		points, err := asPoints(value)
		if err != nil {
			return nil, err
		}
		prev := shape.Points
		shape.Points = points
		return prev, nil
	}
	return nil, fmt.Errorf("unknown property %q", property)
}

func getShapeProperty(shape models.Shape, property string) any {
	switch property {
	case "x":
		return shape.X
	case "y":
		return shape.Y
	case "w":
		return shape.W
	case "h":
		return shape.H
	case "radius":
		return shape.Radius
	case "rotation":
		return shape.Rotation
	case "fontSize":
		return shape.FontSize
	case "strokeWidth":
		return shape.StrokeWidth
	case "color":
		return shape.Color
	case "text":
		return shape.Text
	case "layerId":
		return shape.LayerId
	case "points":
		return shape.Points
	}
	return nil
}

func swapFloat(field *float64, property string, value any) (any, error) {
	f, err := asFloat(property, value)
	if err != nil {
		return nil, err
	}
	prev := *field
	*field = f
	return prev, nil
}

func swapString(field *string, property string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("invalid value for %s", property)
	}
	prev := *field
	*field = s
	return prev, nil
}

func asFloat(property string, value any) (float64, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s", property)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid value for %s", property)
}

func asPoints(value any) ([]models.Point, error) {
	switch v := value.(type) {
	case []models.Point:
		return v, nil
	case []any:
		points := make([]models.Point, 0, len(v))
		for _, raw := range v {
			entry, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid value for points")
			}
			x, err := asFloat("points", entry["x"])
			if err != nil {
				return nil, err
			}
			y, err := asFloat("points", entry["y"])
			if err != nil {
				return nil, err
			}
			points = append(points, models.Point{X: x, Y: y})
		}
		return points, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("invalid value for points")
}
