// Package geo holds the coordinate pair attached to scans and alerts.
package geo

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
