package products

import (
	"context"
	"fmt"
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
	"cubered/internal/logging"
	"cubered/internal/polarimetry"
)

// modulationEntries writes one coadded product per camera, FLC state and HWP
// position of a source with fractional polarization q.
func modulationEntries(t *testing.T, s *memStore, dir string, q float64) []Entry {
	t.Helper()
	var entries []Entry
	for pos, hwp := range polarimetry.Positions {
		frac := [4]float64{q, -q, 0, 0}[pos]
		for _, flc := range []string{"A", "B"} {
			sign := 1.0
			if flc == "B" {
				sign = -1
			}
			for cam := 1; cam <= 2; cam++ {
				f := frame.New(3, 3)
				for i := range f.Data {
					v := 0.5 * (10 + sign*frac*10)
					if cam == 2 {
						v = 0.5 * (10 - sign*frac*10)
					}
					f.Data[i] = v
				}
				hdr := header.New(
					header.Card{Key: "U_CAMERA", Value: cam},
					header.Card{Key: "U_FLC", Value: flc},
					header.Card{Key: "RET-ANG1", Value: hwp},
					header.Card{Key: "MJD", Value: 59000.0},
					header.Card{Key: "PA", Value: 0.0},
					header.Card{Key: "OBJECT", Value: "HD 1160"},
				)
				c, err := frame.NewCube([]*frame.Frame{f}, hdr)
				require.NoError(t, err)
				path := filepath.Join(dir, fmt.Sprintf("hwp%d_%s_cam%d_coll.fits", pos, flc, cam))
				s.cubes[path] = c
				require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
				entries = append(entries, Entry{Path: path, Header: hdr})
			}
		}
	}
	return entries
}

func TestStokesWritesCycleAndCollapsedProducts(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	entries := modulationEntries(t, s, dir, 0.2)

	written, err := Stokes(context.Background(), s, dir, "hd1160", entries, StokesOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	cubePath, anglesPath, collapsedPath := StokesPaths(dir, "hd1160")
	assert.Equal(t, []string{cubePath, anglesPath, collapsedPath}, written)
	assert.Equal(t, filepath.Join(dir, "hd1160_stokes_cube_angles.csv"), anglesPath)

	cube := s.saved[cubePath]
	require.NotNil(t, cube)
	require.Equal(t, 3, cube.Len())
	assert.InDelta(t, 10, cube.Frames[0].Data[4], 1e-12)
	assert.InDelta(t, 2, cube.Frames[1].Data[4], 1e-12)
	assert.InDelta(t, 0, cube.Frames[2].Data[4], 1e-12)
	planes, _ := cube.Header.String("STOKES")
	assert.Equal(t, "I,Q,U", planes)
	assert.False(t, cube.Header.Has("U_CAMERA"))
	assert.False(t, cube.Header.Has("DPP_PQ"))
	object, _ := cube.Header.String("OBJECT")
	assert.Equal(t, "HD 1160", object)

	collapsed := s.saved[collapsedPath]
	require.NotNil(t, collapsed)
	require.Equal(t, len(polarimetry.PlaneNames), collapsed.Len())
	assert.InDelta(t, 2, collapsed.Frames[5].Data[4], 1e-9, "polarized intensity")

	cols, rows, err := cubeio.ReadTable(anglesPath)
	require.NoError(t, err)
	assert.Equal(t, stokesColumns, cols)
	require.Len(t, rows, 1)
	assert.Equal(t, "16", rows[0][5])
}

func TestStokesCorrectsInstrumentalPolarization(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	entries := modulationEntries(t, s, dir, 0.2)

	_, err := Stokes(context.Background(), s, dir, "run", entries, StokesOptions{
		IP:     &polarimetry.Correction{Radius: 1},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	cubePath, _, _ := StokesPaths(dir, "run")
	cube := s.saved[cubePath]
	require.NotNil(t, cube)
	assert.InDelta(t, 0, cube.Frames[1].Data[4], 1e-12)
	pq, ok := cube.Header.Float("DPP_PQ")
	require.True(t, ok)
	assert.InDelta(t, 0.2, pq, 1e-12)
}

func TestStokesSkipsCurrentOutputs(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	entries := modulationEntries(t, s, dir, 0.1)
	past := time.Now().Add(-time.Hour)
	for _, e := range entries {
		require.NoError(t, os.Chtimes(e.Path, past, past))
	}

	_, err := Stokes(context.Background(), s, dir, "run", entries, StokesOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	loads := s.loads

	_, err = Stokes(context.Background(), s, dir, "run", entries, StokesOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Equal(t, loads, s.loads, "current outputs must not be rebuilt")

	_, err = Stokes(context.Background(), s, dir, "run", entries, StokesOptions{Force: true, Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Greater(t, s.loads, loads)
}

func TestStokesNeedsCompleteCycle(t *testing.T) {
	dir := t.TempDir()
	s := newMemStore()
	entries := modulationEntries(t, s, dir, 0.1)

	_, err := Stokes(context.Background(), s, dir, "run", entries[:15], StokesOptions{Logger: logging.Discard()})
	assert.True(t, errors.IsInput(err))

	_, err = Stokes(context.Background(), s, dir, "run", nil, StokesOptions{})
	assert.True(t, errors.IsInput(err))
}
