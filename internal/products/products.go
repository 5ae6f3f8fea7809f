// Package products assembles run-level outputs from reduced files: per-camera
// ADI cubes with their derotation angles, Stokes products, and the header
// summary table.
package products

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"cubered/internal/cubeio"
	"cubered/internal/derotate"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/fsutil"
	"cubered/internal/header"
	"cubered/internal/storage"
)

// Store reads and writes cubes.
type Store interface {
	Load(path string) (*frame.Cube, error)
	Save(path string, c *frame.Cube) error
}

// Entry is one reduced product going into an ADI cube.
type Entry struct {
	Path   string
	Header header.Header
}

func (e Entry) camera() int {
	v, _ := e.Header.Int("U_CAMERA")
	return v
}

func (e Entry) mjd() float64 {
	v, _ := e.Header.Float("MJD")
	return v
}

func (e Entry) flc() string {
	v, _ := e.Header.String("U_FLC")
	return v
}

var angleColumns = []string{"index", "path", "mjd", "u_flc", "derotang"}

var headerColumns = []string{"path", "camera", "object", "mjd", "ut", "exptime", "pa", "u_flc", "nframes"}

// ADIPaths names the cube and angle table of one camera.
func ADIPaths(dir, name string, camera int) (cube, angles string) {
	cube = filepath.Join(dir, fmt.Sprintf("%s_adi_cube_cam%d.fits", name, camera))
	angles = fsutil.CSV(dir, cube, "_angles")
	return cube, angles
}

// SortEntries orders entries by camera, then MJD, then FLC state.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.camera() != b.camera() {
			return a.camera() < b.camera()
		}
		if a.mjd() != b.mjd() {
			return a.mjd() < b.mjd()
		}
		return a.flc() < b.flc()
	})
}

// ADICubes stacks the frames of every entry into one cube per camera and
// writes the matching derotation angles. It returns the written paths.
// Outputs newer than every entry are kept unless force is set.
func ADICubes(s Store, dir, name string, entries []Entry, pupilOffset float64, force bool) ([]string, error) {
	if len(entries) == 0 {
		return nil, errors.Inputf("adi", "no reduced products")
	}
	sorted := append([]Entry(nil), entries...)
	SortEntries(sorted)

	byCamera := make(map[int][]Entry)
	var cameras []int
	for _, e := range sorted {
		cam := e.camera()
		if _, ok := byCamera[cam]; !ok {
			cameras = append(cameras, cam)
		}
		byCamera[cam] = append(byCamera[cam], e)
	}

	var written []string
	for _, cam := range cameras {
		group := byCamera[cam]
		cubePath, anglesPath := ADIPaths(dir, name, cam)
		inputs := make([]string, len(group))
		for i, e := range group {
			inputs[i] = e.Path
		}
		if !force && fsutil.NewerThan([]string{cubePath, anglesPath}, inputs...) {
			written = append(written, cubePath, anglesPath)
			continue
		}

		var frames []*frame.Frame
		var rows [][]string
		var first header.Header
		for i, e := range group {
			c, err := s.Load(e.Path)
			if err != nil {
				return written, err
			}
			if i == 0 {
				first = c.Header
			}
			angle, err := derotate.Angle(e.Header, pupilOffset)
			if err != nil {
				return written, fmt.Errorf("%s: %w", e.Path, err)
			}
			for _, f := range c.Frames {
				rows = append(rows, []string{
					strconv.Itoa(len(frames)), e.Path,
					cubeio.FormatValue(e.mjd()), e.flc(), cubeio.FormatValue(angle),
				})
				frames = append(frames, f)
			}
		}
		hdr := first.Without("DEROTANG").
			With("NAXIS3", len(frames), "").
			With("ADICAM", cam, "camera of this ADI cube")
		cube, err := frame.NewCube(frames, hdr)
		if err != nil {
			return written, err
		}
		if err := s.Save(cubePath, cube); err != nil {
			return written, err
		}
		if err := cubeio.WriteTable(anglesPath, angleColumns, rows); err != nil {
			return written, err
		}
		written = append(written, cubePath, anglesPath)
	}
	return written, nil
}

// HeaderRecord summarizes a header for the header table.
func HeaderRecord(path string, hdr header.Header) storage.HeaderRecord {
	rec := storage.HeaderRecord{FilePath: path, Cards: make(map[string]any, hdr.Len())}
	rec.Camera, _ = hdr.Int("U_CAMERA")
	rec.Object, _ = hdr.String("OBJECT")
	rec.MJD, _ = hdr.Float("MJD")
	rec.UT, _ = hdr.String("UT")
	rec.ExpTime, _ = hdr.Float("EXPTIME")
	rec.PA, _ = hdr.Float("PA")
	rec.FLC, _ = hdr.String("U_FLC")
	rec.NFrames, _ = hdr.Int("NAXIS3")
	for _, c := range hdr.Cards() {
		rec.Cards[c.Key] = c.Value
	}
	return rec
}

// HeaderTablePath names the run's header table.
func HeaderTablePath(dir, name string) string {
	return filepath.Join(dir, name+"_headers.csv")
}

// WriteHeaderTable writes one row per input file.
func WriteHeaderTable(path string, recs []storage.HeaderRecord) error {
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = []string{
			r.FilePath, strconv.Itoa(r.Camera), r.Object, cubeio.FormatValue(r.MJD), r.UT,
			cubeio.FormatValue(r.ExpTime), cubeio.FormatValue(r.PA), r.FLC, strconv.Itoa(r.NFrames),
		}
	}
	return cubeio.WriteTable(path, headerColumns, rows)
}
