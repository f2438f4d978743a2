package annotation

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tissuequant/server/internal/cellstore"
)

// minPathCommands is the noise floor for extraction: hand-drawn regions
// always carry many path commands, so shorter paths are treated as stray
// marks and dropped.
const minPathCommands = 20

// Row is one vertex of a flattened region table.
type Row struct {
	ID    int
	X     float64
	Y     float64
	Label string
}

// Table is a flat region export: one row per vertex, regions delimited by
// consecutive runs of the same label.
type Table []Row

// CSV renders the table with its header row.
func (t Table) CSV() []byte {
	var b strings.Builder
	b.WriteString("id,x,y,label\n")
	for _, r := range t {
		b.WriteString(strconv.Itoa(r.ID))
		b.WriteString(",")
		b.WriteString(strconv.FormatFloat(r.X, 'f', -1, 64))
		b.WriteString(",")
		b.WriteString(strconv.FormatFloat(r.Y, 'f', -1, 64))
		b.WriteString(",")
		b.WriteString(r.Label)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// ParseTable reads a region CSV. A header missing one of the required
// columns fails the whole table as malformed; rows whose column count
// disagrees with the header are dropped, since a vertex the format cannot
// represent is not worth failing the whole import for.
func ParseTable(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"id", "x", "y", "label"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: region table header is missing the %q column", cellstore.ErrMalformed, name)
		}
	}

	var t Table
	for _, rec := range records[1:] {
		if len(rec) != len(header) {
			continue
		}
		row := Row{Label: rec[col["label"]]}
		row.ID, _ = strconv.Atoi(rec[col["id"]])
		row.X, err = strconv.ParseFloat(rec[col["x"]], 64)
		if err != nil {
			continue
		}
		row.Y, err = strconv.ParseFloat(rec[col["y"]], 64)
		if err != nil {
			continue
		}
		t = append(t, row)
	}
	return t, nil
}

// ExtractRegions flattens a document into the ROI and exclusion tables.
// Objects are classified by stroke color; paths shorter than the noise
// floor are dropped. Move and line commands contribute their own point,
// quadratic curves contribute their terminal point. Labels default to the
// region's sequence number and never carry commas.
func ExtractRegions(doc *Document) (roi, exclusion Table) {
	roiID, exclusionID := 0, 0
	for _, obj := range doc.Objects {
		if len(obj.Path) < minPathCommands {
			continue
		}
		var out *Table
		var id int
		switch obj.Stroke {
		case StrokeExclusion:
			exclusionID++
			out, id = &exclusion, exclusionID
		case StrokeROI:
			roiID++
			out, id = &roi, roiID
		default:
			continue
		}
		label := strings.TrimSpace(strings.ReplaceAll(obj.Title, ",", " "))
		if label == "" {
			label = strconv.Itoa(id)
		}
		for _, cmd := range obj.Path {
			switch {
			case (cmd.Op == "M" || cmd.Op == "L") && len(cmd.Coords) >= 2:
				*out = append(*out, Row{ID: id, X: cmd.Coords[0], Y: cmd.Coords[1], Label: label})
			case cmd.Op == "Q" && len(cmd.Coords) >= 4:
				*out = append(*out, Row{ID: id, X: cmd.Coords[2], Y: cmd.Coords[3], Label: label})
			}
		}
	}
	return roi, exclusion
}

// region is one contiguous run of rows sharing a label.
type region struct {
	title     string
	exclusion bool
	vertices  []Row
}

// groupRegions splits a table into regions on label changes. Grouping is
// by adjacency, not a full group-by: the input contract requires rows of
// one region to be contiguous, and a label change always starts a new
// region even if the label was seen before.
func groupRegions(t Table, exclusion bool) []region {
	var regions []region
	var cur *region
	for _, row := range t {
		if cur == nil || cur.title != row.Label {
			regions = append(regions, region{title: row.Label, exclusion: exclusion})
			cur = &regions[len(regions)-1]
		}
		cur.vertices = append(cur.vertices, row)
	}
	return regions
}

// MergeRegions pushes flat region tables back into a document. Each region
// becomes one path object (a move followed by lines) with its bounding box
// derived from the vertex extrema. An existing object with the same title
// is replaced in place; new regions are appended.
func MergeRegions(doc *Document, roi, exclusion Table) *Document {
	if doc == nil {
		doc = NewDocument()
	}
	regions := append(groupRegions(roi, false), groupRegions(exclusion, true)...)

	for _, reg := range regions {
		if len(reg.vertices) == 0 {
			continue
		}
		obj := newPathObject()
		obj.Title = reg.title
		obj.Index = len(doc.Objects)
		if reg.exclusion {
			obj.Stroke = StrokeExclusion
			obj.Fill = exclusionFill
		}

		minX, minY := reg.vertices[0].X, reg.vertices[0].Y
		maxX, maxY := minX, minY
		for i, v := range reg.vertices {
			if v.X < minX {
				minX = v.X
			}
			if v.Y < minY {
				minY = v.Y
			}
			if v.X > maxX {
				maxX = v.X
			}
			if v.Y > maxY {
				maxY = v.Y
			}
			op := "L"
			if i == 0 {
				op = "M"
			}
			obj.Path = append(obj.Path, PathCommand{Op: op, Coords: []float64{v.X, v.Y}})
		}
		obj.Width = maxX - minX
		obj.Height = maxY - minY
		obj.Left = minX - obj.StrokeWidth/2
		obj.Top = minY - obj.StrokeWidth/2

		replaced := false
		for i := range doc.Objects {
			if doc.Objects[i].Title == obj.Title {
				doc.Objects[i] = obj
				replaced = true
			}
		}
		if !replaced {
			doc.Objects = append(doc.Objects, obj)
		}
	}
	return doc
}

// ExclusionFingerprint summarizes a document's exclusion projection, used
// to decide whether a save changed anything the batch pipeline cares
// about.
func ExclusionFingerprint(doc *Document) string {
	_, exclusion := ExtractRegions(doc)
	sum := sha256.Sum256(exclusion.CSV())
	return hex.EncodeToString(sum[:])
}
