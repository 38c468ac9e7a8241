package tiles

import "math"

// Bounds is a geographic rectangle in WGS84 degrees.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// TileX returns the slippy-map column for a longitude at a zoom level.
func TileX(lon float64, zoom int) int {
	n := math.Exp2(float64(zoom))
	return int(math.Floor((lon + 180.0) / 360.0 * n))
}

// TileY returns the slippy-map row for a latitude at a zoom level.
func TileY(lat float64, zoom int) int {
	rad := lat * math.Pi / 180.0
	n := math.Exp2(float64(zoom))
	return int(math.Floor((1.0 - math.Log(math.Tan(rad)+1.0/math.Cos(rad))/math.Pi) / 2.0 * n))
}

// tileRange returns the inclusive tile rectangle covering bounds at a zoom
// level. Rows grow southward, so the north edge maps to the smaller y.
func tileRange(b Bounds, zoom int) (minX, maxX, minY, maxY int) {
	minX = TileX(b.MinLon, zoom)
	maxX = TileX(b.MaxLon, zoom)
	minY = TileY(b.MaxLat, zoom)
	maxY = TileY(b.MinLat, zoom)
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return minX, maxX, minY, maxY
}

// EstimateTileCount returns how many tiles a preload of bounds across the
// zoom range would cover, before any cache hits are subtracted.
func EstimateTileCount(b Bounds, minZoom, maxZoom int) int {
	total := 0
	for z := minZoom; z <= maxZoom; z++ {
		minX, maxX, minY, maxY := tileRange(b, z)
		total += (maxX - minX + 1) * (maxY - minY + 1)
	}
	return total
}
