package engine

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/xvanov/collabcanvas-sub002/models"
)

const (
	maxTextLength   = 1024
	maxPointCount   = 2048
	maxNameLength   = 64
	maxShapeExtent  = 100000
	maxStrokeWidth  = 200
	maxFontSize     = 512
	maxBatchTargets = 256
)

var hexColorRegex = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Shape properties that UpdateShapeProperty accepts.
var editableProperties = map[string]bool{
	"x": true, "y": true, "w": true, "h": true,
	"radius": true, "rotation": true, "color": true,
	"text": true, "fontSize": true, "strokeWidth": true,
	"points": true, "layerId": true,
}

func ValidateColor(color string) error {
	if !hexColorRegex.MatchString(color) {
		return errors.New("invalid color")
	}
	return nil
}

func ValidateShape(shape models.Shape) error {
	if shape.Id == "" {
		return errors.New("missing shape id")
	}
	if !shape.Type.Valid() {
		return fmt.Errorf("unknown shape type %q", shape.Type)
	}
	if err := ValidateColor(shape.Color); err != nil {
		return err
	}
	if shape.W < 0 || shape.H < 0 || shape.Radius < 0 {
		return errors.New("negative dimensions")
	}
	if shape.W > maxShapeExtent || shape.H > maxShapeExtent || shape.Radius > maxShapeExtent {
		return errors.New("shape too large")
	}
	if shape.StrokeWidth < 0 || shape.StrokeWidth > maxStrokeWidth {
		return errors.New("invalid stroke width")
	}
	if shape.FontSize < 0 || shape.FontSize > maxFontSize {
		return errors.New("invalid font size")
	}
	if len(shape.Text) > maxTextLength {
		return errors.New("text too long")
	}
	if len(shape.Points) > maxPointCount {
		return errors.New("too many points")
	}
	return nil
}

func ValidateLayer(layer models.Layer) error {
	if layer.Id == "" {
		return errors.New("missing layer id")
	}
	if layer.Name == "" || len(layer.Name) > maxNameLength {
		return errors.New("invalid layer name")
	}
	if layer.Color != "" {
		if err := ValidateColor(layer.Color); err != nil {
			return err
		}
	}
	return nil
}

func ValidateProperty(property string) error {
	if !editableProperties[property] {
		return fmt.Errorf("unknown property %q", property)
	}
	return nil
}

func ValidateTargetCount(ids []string) error {
	if len(ids) == 0 {
		return errors.New("no targets")
	}
	if len(ids) > maxBatchTargets {
		return errors.New("too many targets")
	}
	return nil
}
