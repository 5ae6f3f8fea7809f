package products

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubered/internal/cubeio"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/header"
	"cubered/internal/storage"
)

type memStore struct {
	cubes map[string]*frame.Cube
	saved map[string]*frame.Cube
	loads int
}

func newMemStore() *memStore {
	return &memStore{cubes: map[string]*frame.Cube{}, saved: map[string]*frame.Cube{}}
}

func (m *memStore) Load(path string) (*frame.Cube, error) {
	m.loads++
	c, ok := m.cubes[path]
	if !ok {
		return nil, errors.IO("load "+path, os.ErrNotExist)
	}
	return c, nil
}

func (m *memStore) Save(path string, c *frame.Cube) error {
	m.saved[path] = c
	return os.WriteFile(path, []byte("cube"), 0o644)
}

func entry(t *testing.T, s *memStore, dir, name string, camera int, mjd, pa float64, flc string, value float64) Entry {
	t.Helper()
	f := frame.New(2, 2)
	for i := range f.Data {
		f.Data[i] = value
	}
	hdr := header.New(
		header.Card{Key: "U_CAMERA", Value: camera},
		header.Card{Key: "MJD", Value: mjd},
		header.Card{Key: "PA", Value: pa},
		header.Card{Key: "U_FLC", Value: flc},
	)
	c, err := frame.NewCube([]*frame.Frame{f}, hdr)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	s.cubes[path] = c
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return Entry{Path: path, Header: hdr}
}

func TestADICubesGroupsAndOrders(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	entries := []Entry{
		entry(t, s, dir, "late_cam1.fits", 1, 59000.2, 10, "", 3),
		entry(t, s, dir, "cam2.fits", 2, 59000.1, 20, "", 9),
		entry(t, s, dir, "early_cam1_B.fits", 1, 59000.1, 0, "B", 2),
		entry(t, s, dir, "early_cam1_A.fits", 1, 59000.1, 0, "A", 1),
	}

	written, err := ADICubes(s, dir, "hd1160", entries, 0, false)
	require.NoError(t, err)
	assert.Len(t, written, 4)

	cube1, angles1 := ADIPaths(dir, "hd1160", 1)
	assert.Equal(t, filepath.Join(dir, "hd1160_adi_cube_cam1.fits"), cube1)
	assert.Equal(t, filepath.Join(dir, "hd1160_adi_cube_cam1_angles.csv"), angles1)

	c := s.saved[cube1]
	require.NotNil(t, c)
	require.Equal(t, 3, c.Len())
	assert.Equal(t, []float64{1, 2, 3}, []float64{c.Frames[0].Data[0], c.Frames[1].Data[0], c.Frames[2].Data[0]})
	n, _ := c.Header.Int("NAXIS3")
	assert.Equal(t, 3, n)

	cols, rows, err := cubeio.ReadTable(angles1)
	require.NoError(t, err)
	assert.Equal(t, angleColumns, cols)
	require.Len(t, rows, 3)
	assert.Equal(t, "A", rows[0][3])
	assert.Equal(t, "10", rows[2][4])

	c2 := s.saved[filepath.Join(dir, "hd1160_adi_cube_cam2.fits")]
	require.NotNil(t, c2)
	assert.Equal(t, 1, c2.Len())
}

func TestADICubesSkipsCurrentOutputs(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	e := entry(t, s, dir, "a.fits", 1, 59000, 0, "", 1)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(e.Path, past, past))

	_, err := ADICubes(s, dir, "run", []Entry{e}, 0, false)
	require.NoError(t, err)
	loads := s.loads

	_, err = ADICubes(s, dir, "run", []Entry{e}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, loads, s.loads, "current outputs must not be rebuilt")

	_, err = ADICubes(s, dir, "run", []Entry{e}, 0, true)
	require.NoError(t, err)
	assert.Greater(t, s.loads, loads)
}

func TestADICubesNeedsPA(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	e := entry(t, s, dir, "a.fits", 1, 59000, 0, "", 1)
	e.Header = e.Header.Without("PA")
	_, err := ADICubes(s, dir, "run", []Entry{e}, 0, true)
	assert.True(t, errors.IsInput(err))
}

func TestADICubesEmpty(t *testing.T) {
	_, err := ADICubes(newMemStore(), t.TempDir(), "run", nil, 0, false)
	assert.True(t, errors.IsInput(err))
}

func TestHeaderTable(t *testing.T) {
	hdr := header.New(
		header.Card{Key: "U_CAMERA", Value: 2},
		header.Card{Key: "OBJECT", Value: "HD 1160"},
		header.Card{Key: "MJD", Value: 59000.5},
		header.Card{Key: "EXPTIME", Value: 0.5},
		header.Card{Key: "PA", Value: -12.25},
		header.Card{Key: "NAXIS3", Value: 100},
	)
	rec := HeaderRecord("raw/a.fits", hdr)
	assert.Equal(t, 2, rec.Camera)
	assert.Equal(t, "HD 1160", rec.Object)
	assert.Equal(t, 100, rec.NFrames)
	assert.Equal(t, "HD 1160", rec.Cards["OBJECT"])

	path := HeaderTablePath(t.TempDir(), "hd1160")
	require.NoError(t, WriteHeaderTable(path, []storage.HeaderRecord{rec}))
	cols, rows, err := cubeio.ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, headerColumns, cols)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"raw/a.fits", "2", "HD 1160", "59000.5", "", "0.5", "-12.25", "", "100"}, rows[0])
}
