// Package spatial buckets positioned identifiers into a uniform 3D grid so
// proximity queries only inspect neighbouring cells.
package spatial

import (
	"math"
	"sort"
	"sync"

	"powernet/broker/internal/node"
)

const defaultCellSize = 10.0

type cell struct {
	X, Y, Z int64
}

// GridIndex maps identifiers to grid cells sized to the typical query radius.
type GridIndex struct {
	mu sync.RWMutex

	cellSize  float64
	positions map[string]node.Vec3
	cells     map[cell]map[string]struct{}
}

// NewGridIndex constructs an index with the given cell edge length.
func NewGridIndex(cellSize float64) *GridIndex {
	//1.- Fall back to a sane cell size so degenerate configs still index.
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = defaultCellSize
	}
	return &GridIndex{
		cellSize:  cellSize,
		positions: make(map[string]node.Vec3),
		cells:     make(map[cell]map[string]struct{}),
	}
}

// CellSize reports the edge length used for bucketing.
func (g *GridIndex) CellSize() float64 {
	if g == nil {
		return 0
	}
	return g.cellSize
}

// Update inserts or repositions id.
func (g *GridIndex) Update(id string, pos node.Vec3) {
	if g == nil || id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
	key := g.cellFor(pos)
	bucket, ok := g.cells[key]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[key] = bucket
	}
	bucket[id] = struct{}{}
	g.positions[id] = pos
}

// Remove evicts id so future queries ignore it.
func (g *GridIndex) Remove(id string) {
	if g == nil || id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

// Position returns the indexed position of id.
func (g *GridIndex) Position(id string) (node.Vec3, bool) {
	if g == nil {
		return node.Vec3{}, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	pos, ok := g.positions[id]
	return pos, ok
}

// Len reports how many identifiers are indexed.
func (g *GridIndex) Len() int {
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.positions)
}

// Within returns, sorted, every identifier whose position lies within radius of center.
func (g *GridIndex) Within(center node.Vec3, radius float64) []string {
	if g == nil || radius < 0 || math.IsNaN(radius) {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.positions) == 0 {
		return nil
	}

	//1.- Visit every cell the query sphere's bounding box touches.
	lo := g.cellFor(node.Vec3{X: center.X - radius, Y: center.Y - radius, Z: center.Z - radius})
	hi := g.cellFor(node.Vec3{X: center.X + radius, Y: center.Y + radius, Z: center.Z + radius})
	span := (hi.X - lo.X + 1) * (hi.Y - lo.Y + 1) * (hi.Z - lo.Z + 1)

	limit := radius * radius
	matches := make([]string, 0)
	consider := func(id string) {
		if g.positions[id].DistanceSquared(center) <= limit {
			matches = append(matches, id)
		}
	}

	//2.- Huge radii touch more cells than there are entries, so scan entries directly.
	if span <= 0 || span > int64(len(g.cells)) {
		for id := range g.positions {
			consider(id)
		}
	} else {
		for x := lo.X; x <= hi.X; x++ {
			for y := lo.Y; y <= hi.Y; y++ {
				for z := lo.Z; z <= hi.Z; z++ {
					for id := range g.cells[cell{x, y, z}] {
						consider(id)
					}
				}
			}
		}
	}
	sort.Strings(matches)
	return matches
}

func (g *GridIndex) cellFor(pos node.Vec3) cell {
	return cell{
		X: int64(math.Floor(pos.X / g.cellSize)),
		Y: int64(math.Floor(pos.Y / g.cellSize)),
		Z: int64(math.Floor(pos.Z / g.cellSize)),
	}
}

func (g *GridIndex) removeLocked(id string) {
	pos, ok := g.positions[id]
	if !ok {
		return
	}
	key := g.cellFor(pos)
	if bucket, exists := g.cells[key]; exists {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(g.cells, key)
		}
	}
	delete(g.positions, id)
}
