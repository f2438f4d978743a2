// Package annotation converts between the polygon-path documents edited in
// the viewer and the flat region tables consumed by the batch pipeline.
package annotation

import (
	"encoding/json"
	"fmt"

	"github.com/tissuequant/server/internal/cellstore"
)

// Stroke colors classify drawable objects: green paths are regions of
// interest, red paths are exclusion zones, anything else is decoration.
const (
	StrokeROI       = "#0F0"
	StrokeExclusion = "#F00"

	exclusionFill = "rgba(16,0,0,0.8)"
)

// DocumentVersion is the drawing-surface schema version written into new
// documents.
const DocumentVersion = "4.6.0"

// Document is one sample's annotation drawing.
type Document struct {
	Version string   `json:"version"`
	Objects []Object `json:"objects"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Version: DocumentVersion, Objects: []Object{}}
}

// Object is one drawable path with the presentation fields the editing
// surface expects.
type Object struct {
	Type                     string        `json:"type"`
	Version                  string        `json:"version"`
	OriginX                  string        `json:"originX"`
	OriginY                  string        `json:"originY"`
	Left                     float64       `json:"left"`
	Top                      float64       `json:"top"`
	Width                    float64       `json:"width"`
	Height                   float64       `json:"height"`
	Path                     []PathCommand `json:"path"`
	Fill                     string        `json:"fill"`
	Stroke                   string        `json:"stroke"`
	StrokeWidth              float64       `json:"strokeWidth"`
	StrokeDashArray          []float64     `json:"strokeDashArray"`
	StrokeLineCap            string        `json:"strokeLineCap"`
	StrokeDashOffset         float64       `json:"strokeDashOffset"`
	StrokeLineJoin           string        `json:"strokeLineJoin"`
	StrokeUniform            bool          `json:"strokeUniform"`
	StrokeMiterLimit         float64       `json:"strokeMiterLimit"`
	ScaleX                   float64       `json:"scaleX"`
	ScaleY                   float64       `json:"scaleY"`
	Angle                    float64       `json:"angle"`
	FlipX                    bool          `json:"flipX"`
	FlipY                    bool          `json:"flipY"`
	Opacity                  float64       `json:"opacity"`
	Shadow                   any           `json:"shadow"`
	Visible                  bool          `json:"visible"`
	BackgroundColor          string        `json:"backgroundColor"`
	FillRule                 string        `json:"fillRule"`
	PaintFirst               string        `json:"paintFirst"`
	GlobalCompositeOperation string        `json:"globalCompositeOperation"`
	SkewX                    float64       `json:"skewX"`
	SkewY                    float64       `json:"skewY"`
	Title                    string        `json:"title"`
	Index                    int           `json:"index"`
}

// newPathObject returns an object with the presentation defaults the
// drawing surface uses for freshly drawn paths.
func newPathObject() Object {
	return Object{
		Type:                     "path",
		Version:                  DocumentVersion,
		OriginX:                  "left",
		OriginY:                  "top",
		Stroke:                   StrokeROI,
		StrokeWidth:              10,
		StrokeLineCap:            "round",
		StrokeLineJoin:           "round",
		StrokeMiterLimit:         10,
		ScaleX:                   1,
		ScaleY:                   1,
		Opacity:                  1,
		Visible:                  true,
		FillRule:                 "nonzero",
		PaintFirst:               "fill",
		GlobalCompositeOperation: "source-over",
	}
}

// PathCommand is one drawing operation, serialized as a heterogeneous
// array: the operation letter followed by its numeric operands, e.g.
// ["M",120,45] or ["Q",cx,cy,x,y].
type PathCommand struct {
	Op     string
	Coords []float64
}

func (p PathCommand) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, len(p.Coords)+1)
	arr = append(arr, p.Op)
	for _, c := range p.Coords {
		arr = append(arr, c)
	}
	return json.Marshal(arr)
}

func (p *PathCommand) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty path command", cellstore.ErrMalformed)
	}
	op, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("%w: path command operation is not a string", cellstore.ErrMalformed)
	}
	p.Op = op
	p.Coords = p.Coords[:0]
	for _, v := range raw[1:] {
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: non-numeric path operand", cellstore.ErrMalformed)
		}
		p.Coords = append(p.Coords, n)
	}
	return nil
}
