package raster

import (
	"fmt"
	"sync"
)

// Mem is an in-memory Raster. Values written to integer bands are rounded and
// clamped to the band type, matching what a file-backed raster would store.
type Mem struct {
	mu     sync.RWMutex
	path   string
	grid   Grid
	dtype  DataType
	nodata *float64
	blockW int
	blockH int
	bands  [][]float64
	closed bool
}

// NewMem allocates a zero-filled raster.
func NewMem(grid Grid, bands int, dtype DataType) *Mem {
	data := make([][]float64, bands)
	for i := range data {
		data[i] = make([]float64, grid.PixelCount())
	}
	return &Mem{grid: grid, dtype: dtype, bands: data}
}

// SetNoData sets the no-data value reported for every band.
func (m *Mem) SetNoData(v float64) *Mem {
	m.nodata = &v
	return m
}

// SetBlockSize sets the native block size reported by BlockSize.
func (m *Mem) SetBlockSize(w, h int) *Mem {
	m.blockW, m.blockH = w, h
	return m
}

// Fill sets band b from a generator evaluated at every pixel.
func (m *Mem) Fill(band int, fn func(col, row int) float64) *Mem {
	m.mu.Lock()
	defer m.mu.Unlock()
	for row := 0; row < m.grid.Rows; row++ {
		for col := 0; col < m.grid.Cols; col++ {
			m.bands[band][row*m.grid.Cols+col] = m.dtype.Quantize(fn(col, row))
		}
	}
	return m
}

// At returns the stored value of band b at (col,row).
func (m *Mem) At(band, col, row int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bands[band][row*m.grid.Cols+col]
}

// Band returns a copy of the stored values of band b.
func (m *Mem) Band(band int) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.bands[band]...)
}

func (m *Mem) Path() string            { return m.path }
func (m *Mem) Grid() Grid              { return m.grid }
func (m *Mem) BandCount() int          { return len(m.bands) }
func (m *Mem) DataType(_ int) DataType { return m.dtype }
func (m *Mem) BlockSize() (int, int)   { return m.blockW, m.blockH }

// Close marks the raster closed; the data stays readable for inspection.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Mem) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Mem) NoData(_ int) (float64, bool) {
	if m.nodata == nil {
		return 0, false
	}
	return *m.nodata, true
}

func (m *Mem) ReadBlock(band int, w Window, dst []float64) error {
	if err := CheckRead(m, band, w, dst); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.bands[band]
	for y := 0; y < w.Height; y++ {
		off := (w.YOff+y)*m.grid.Cols + w.XOff
		copy(dst[y*w.Width:(y+1)*w.Width], src[off:off+w.Width])
	}
	return nil
}

func (m *Mem) WriteBlock(band int, w Window, src []float64) error {
	if err := CheckRead(m, band, w, src); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dst := m.bands[band]
	for y := 0; y < w.Height; y++ {
		off := (w.YOff+y)*m.grid.Cols + w.XOff
		for x := 0; x < w.Width; x++ {
			dst[off+x] = m.dtype.Quantize(src[y*w.Width+x])
		}
	}
	return nil
}

// MemStore is a Factory and Opener keeping rasters by name. It stands in for
// the file system in tests and for scratch intermediates.
type MemStore struct {
	mu      sync.Mutex
	rasters map[string]*Mem
}

func NewMemStore() *MemStore {
	return &MemStore{rasters: make(map[string]*Mem)}
}

// Put registers r under name, replacing any previous raster.
func (s *MemStore) Put(name string, r *Mem) *Mem {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.path = name
	s.rasters[name] = r
	return r
}

func (s *MemStore) Create(name string, spec Spec) (Raster, error) {
	if err := spec.Grid.Validate(); err != nil {
		return nil, err
	}
	if spec.Bands <= 0 {
		return nil, fmt.Errorf("%w: cannot create raster with %d bands", ErrInputShape, spec.Bands)
	}
	m := NewMem(spec.Grid, spec.Bands, spec.DataType)
	if spec.NoData != nil {
		m.SetNoData(*spec.NoData)
	}
	return s.Put(name, m), nil
}

func (s *MemStore) Open(name string) (Raster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rasters[name]
	if !ok {
		return nil, fmt.Errorf("%w: cannot open %s", ErrIO, name)
	}
	return r, nil
}

// Names lists the registered raster names.
func (s *MemStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rasters))
	for n := range s.rasters {
		names = append(names, n)
	}
	return names
}

var (
	_ Raster  = (*Mem)(nil)
	_ Factory = (*MemStore)(nil)
	_ Opener  = (*MemStore)(nil)
)
