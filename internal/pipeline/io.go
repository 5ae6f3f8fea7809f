package pipeline

import (
	"cubered/internal/cubeio"
	"cubered/internal/frame"
	"cubered/internal/header"
	"cubered/internal/metric"
	"cubered/internal/register"
)

// CubeIO is the storage the stages read from and write to.
type CubeIO interface {
	Load(path string) (*frame.Cube, error)
	LoadHeader(path string) (header.Header, error)
	Save(path string, c *frame.Cube) error
	SaveFrame(path string, f *frame.Frame, hdr header.Header) error
	WriteMetrics(path string, recs []metric.Record) error
	WriteStats(path string, stats []metric.WindowStats) error
	WriteOffsets(path string, recs []register.Record) error
}

// FileIO stores cubes as FITS and tables as CSV.
type FileIO struct{}

func (FileIO) Load(path string) (*frame.Cube, error)         { return cubeio.Load(path) }
func (FileIO) LoadHeader(path string) (header.Header, error) { return cubeio.LoadHeader(path) }
func (FileIO) Save(path string, c *frame.Cube) error         { return cubeio.Save(path, c) }
func (FileIO) WriteMetrics(path string, r []metric.Record) error {
	return cubeio.WriteMetrics(path, r)
}
func (FileIO) WriteStats(path string, s []metric.WindowStats) error {
	return cubeio.WriteStats(path, s)
}
func (FileIO) WriteOffsets(path string, r []register.Record) error {
	return cubeio.WriteOffsets(path, r)
}
func (FileIO) SaveFrame(path string, f *frame.Frame, hdr header.Header) error {
	return cubeio.SaveFrame(path, f, hdr)
}

// Previewer renders quick-look images of collapsed products.
type Previewer interface {
	Render(path string, f *frame.Frame) error
}
