package geometry

import (
	"fmt"

	"github.com/cjeanneret/GantryScan/internal/config"
)

// Point is a grid cell, indexed from the grid origin.
type Point struct {
	Row int
	Col int
}

// Position is an absolute gantry position in mm.
type Position struct {
	X float64
	Y float64
}

// GridPlan describes the N×N scan grid in machine coordinates.
type GridPlan struct {
	Size    int     // points per side
	StepMm  float64 // spacing between adjacent points
	OffsetX float64 // X of column 0
	OffsetY float64 // Y of row 0
	StartZ  float64 // Z clearance during the scan
}

// CalculateGridPlan builds the grid plan from configuration.
func CalculateGridPlan(cfg *config.Config) *GridPlan {
	size := cfg.Grid.Size
	if size < 1 {
		size = 1
	}
	return &GridPlan{
		Size:    size,
		StepMm:  cfg.Grid.StepMm,
		OffsetX: cfg.Grid.OffsetX,
		OffsetY: cfg.Grid.OffsetY,
		StartZ:  cfg.Grid.StartZ,
	}
}

// Total returns the number of capture points.
func (g *GridPlan) Total() int {
	return g.Size * g.Size
}

// Origin returns the position of point (0, 0), which is also the park position.
func (g *GridPlan) Origin() Position {
	return Position{X: g.OffsetX, Y: g.OffsetY}
}

// Position maps a point to machine coordinates.
// It is computed from the indices every time so errors never accumulate.
func (g *GridPlan) Position(p Point) Position {
	return Position{
		X: g.OffsetX + float64(p.Col)*g.StepMm,
		Y: g.OffsetY + float64(p.Row)*g.StepMm,
	}
}

// RowColumns returns the column traversal order for a row:
// ascending for even rows, descending for odd rows.
func (g *GridPlan) RowColumns(row int) []int {
	cols := make([]int, g.Size)
	for i := range cols {
		if row%2 == 0 {
			cols[i] = i
		} else {
			cols[i] = g.Size - 1 - i
		}
	}
	return cols
}

// Order returns every point in serpentine (boustrophedon) order.
func (g *GridPlan) Order() []Point {
	points := make([]Point, 0, g.Total())
	for row := 0; row < g.Size; row++ {
		for _, col := range g.RowColumns(row) {
			points = append(points, Point{Row: row, Col: col})
		}
	}
	return points
}

// FileName returns the image file name for a point: x{col}_y{row}.jpg.
func FileName(p Point) string {
	return fmt.Sprintf("x%d_y%d.jpg", p.Col, p.Row)
}
