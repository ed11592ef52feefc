package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xvanov/collabcanvas-sub002/models"
)

func validShape() models.Shape {
	return models.Shape{
		Id:      "s1",
		Type:    models.ShapeRectangle,
		X:       10,
		Y:       20,
		W:       100,
		H:       50,
		Color:   "#336699",
		LayerId: "base",
	}
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(shape *models.Shape)
		wantErr string
	}{
		{"Valid", func(*models.Shape) {}, ""},
		{"Missing Id", func(s *models.Shape) { s.Id = "" }, "missing shape id"},
		{"Unknown Type", func(s *models.Shape) { s.Type = "blob" }, "unknown shape type"},
		{"Invalid Color", func(s *models.Shape) { s.Color = "red" }, "invalid color"},
		{"Short Hex Color", func(s *models.Shape) { s.Color = "#abc" }, ""},
		{"Negative Width", func(s *models.Shape) { s.W = -1 }, "negative dimensions"},
		{"Negative Radius", func(s *models.Shape) { s.Radius = -5 }, "negative dimensions"},
		{"Too Large", func(s *models.Shape) { s.W = 100001 }, "shape too large"},
		{"Stroke Too Wide", func(s *models.Shape) { s.StrokeWidth = 201 }, "invalid stroke width"},
		{"Font Too Big", func(s *models.Shape) { s.FontSize = 513 }, "invalid font size"},
		{"Text Too Long", func(s *models.Shape) { s.Text = strings.Repeat("a", 1025) }, "text too long"},
		{"Too Many Points", func(s *models.Shape) { s.Points = make([]models.Point, 2049) }, "too many points"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			shape := validShape()
			tc.mutate(&shape)
			err := ValidateShape(shape)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidateColor(t *testing.T) {
	assert.NoError(t, ValidateColor("#000000"))
	assert.NoError(t, ValidateColor("#AbCdEf"))
	assert.NoError(t, ValidateColor("#fff"))

	assert.Error(t, ValidateColor(""))
	assert.Error(t, ValidateColor("fff"))
	assert.Error(t, ValidateColor("#ff"))
	assert.Error(t, ValidateColor("#ggg"))
	assert.Error(t, ValidateColor("#ff00000"))
	assert.Error(t, ValidateColor("rgb(1,2,3)"))
}

func TestValidateLayer(t *testing.T) {
	assert.NoError(t, ValidateLayer(models.Layer{Id: "l1", Name: "Base"}))
	assert.NoError(t, ValidateLayer(models.Layer{Id: "l1", Name: "Base", Color: "#123456"}))

	err := ValidateLayer(models.Layer{Id: "", Name: "Base"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing layer id")

	err = ValidateLayer(models.Layer{Id: "l1", Name: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid layer name")

	assert.Error(t, ValidateLayer(models.Layer{Id: "l1", Name: strings.Repeat("n", 65)}))
	assert.Error(t, ValidateLayer(models.Layer{Id: "l1", Name: "Base", Color: "blue"}))
}

func TestValidateProperty(t *testing.T) {
	editable := []string{"x", "y", "w", "h", "radius", "rotation", "color", "text", "fontSize", "strokeWidth", "points", "layerId"}
	for _, property := range editable {
		assert.NoError(t, ValidateProperty(property))
	}

	assert.Error(t, ValidateProperty("id"))
	assert.Error(t, ValidateProperty("createdAt"))
	assert.Error(t, ValidateProperty(""))
}

func TestValidateTargetCount(t *testing.T) {
	assert.Error(t, ValidateTargetCount(nil))
	assert.Error(t, ValidateTargetCount([]string{}))
	assert.NoError(t, ValidateTargetCount([]string{"s1"}))

	ids := make([]string, 256)
	assert.NoError(t, ValidateTargetCount(ids))
	ids = append(ids, "one-too-many")
	assert.Error(t, ValidateTargetCount(ids))
}

// FuzzValidateColor checks the color validator never accepts anything but
// the two hex forms.
func FuzzValidateColor(f *testing.F) {
	f.Add("#000000")
	f.Add("#abc")
	f.Add("red")
	f.Add("")
	f.Add("#gggggg")
	f.Add("#12345")

	f.Fuzz(func(t *testing.T, input string) {
		err := ValidateColor(input)
		if err == nil {
			if len(input) != 4 && len(input) != 7 {
				t.Errorf("accepted color of length %d: %q", len(input), input)
			}
			if input[0] != '#' {
				t.Errorf("accepted color without leading #: %q", input)
			}
		}
	})
}
