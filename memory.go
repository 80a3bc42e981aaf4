package gridexport

import (
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/nao1215/gridexport/domain/model"
)

// Memory management constants
const (
	// defaultArenaCapacity is the initial capacity of a row arena
	defaultArenaCapacity = 4 * 1024 // 4KB

	// defaultMemoryPoolSize is the largest arena returned to the pool
	defaultMemoryPoolSize = 1024 * 1024 // 1MB
	// defaultMemoryLimit is the default heap limit in MB
	defaultMemoryLimit = 512
	// maxReasonableMemoryLimit is the upper bound accepted for the heap limit
	maxReasonableMemoryLimit = 64 * 1024 // 64GB

	// DefaultMemoryWarningThreshold is the share of the heap limit logged as a warning
	DefaultMemoryWarningThreshold = 0.8

	// bytesPerMB converts bytes to MB
	bytesPerMB = 1024 * 1024
)

// pooledByteSlice wraps []byte for pooling
type pooledByteSlice struct {
	data []byte
}

// MemoryPool manages reusable byte slices used as per-row text arenas by the
// table parser.
//
// Arenas that grew beyond maxSize (a pathological row) are dropped instead of
// being pooled, so one huge row does not pin memory for the rest of the run.
//
// Thread Safety: All methods are safe for concurrent use by multiple goroutines.
type MemoryPool struct {
	bytePool sync.Pool
	maxSize  int
}

// NewMemoryPool creates a new memory pool with configurable max buffer size
func NewMemoryPool(maxSize int) *MemoryPool {
	if maxSize <= 0 {
		maxSize = defaultMemoryPoolSize
	}

	return &MemoryPool{
		maxSize: maxSize,
		bytePool: sync.Pool{
			New: func() any {
				return &pooledByteSlice{
					data: make([]byte, 0, defaultArenaCapacity),
				}
			},
		},
	}
}

// defaultMemoryPool is shared by parsers that are not given their own pool
var defaultMemoryPool = NewMemoryPool(defaultMemoryPoolSize)

// GetByteBuffer gets an empty byte buffer from the pool
func (mp *MemoryPool) GetByteBuffer() []byte {
	pooled, ok := mp.bytePool.Get().(*pooledByteSlice)
	if !ok {
		return make([]byte, 0, defaultArenaCapacity)
	}
	return pooled.data[:0]
}

// PutByteBuffer returns a byte buffer to the pool if it's not too large
func (mp *MemoryPool) PutByteBuffer(buf []byte) {
	if cap(buf) <= mp.maxSize {
		mp.bytePool.Put(&pooledByteSlice{data: buf[:0]})
	}
}

// MemoryLimit guards an export against runaway heap growth. The writer
// samples it every few hundred rows: a heap above the warning threshold is
// logged once per export, a heap above the limit aborts the export with a
// ResourceLimitError.
//
// Sampling calls runtime.ReadMemStats, which stops the world briefly, so it is
// not done per row.
type MemoryLimit struct {
	limitMB   int64
	threshold float64
	heapMB    func() int64
}

// NewMemoryLimit creates a heap guard of limitMB megabytes
func NewMemoryLimit(limitMB int64) *MemoryLimit {
	if limitMB <= 0 {
		limitMB = defaultMemoryLimit
	}
	return &MemoryLimit{
		limitMB:   min(limitMB, maxReasonableMemoryLimit),
		threshold: DefaultMemoryWarningThreshold,
		heapMB:    heapAllocMB,
	}
}

// SetWarningThreshold sets the share of the limit (0.0-1.0] above which the
// heap is reported as a warning. Other values are ignored.
func (ml *MemoryLimit) SetWarningThreshold(threshold float64) {
	if threshold > 0.0 && threshold <= 1.0 {
		ml.threshold = threshold
	}
}

// LimitMB returns the heap limit in MB
func (ml *MemoryLimit) LimitMB() int64 {
	return ml.limitMB
}

// WarningThreshold returns the warning share of the limit
func (ml *MemoryLimit) WarningThreshold() float64 {
	return ml.threshold
}

// heapAllocMB returns the current heap allocation in MB
func heapAllocMB() int64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	mb := memStats.HeapAlloc / bytesPerMB
	if mb > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(mb)
}

// Sample reads the heap once and classifies it
func (ml *MemoryLimit) Sample() MemoryInfo {
	currentMB := ml.heapMB()
	info := MemoryInfo{
		CurrentMB: currentMB,
		LimitMB:   ml.limitMB,
		Usage:     float64(currentMB) / float64(ml.limitMB),
	}
	switch {
	case currentMB >= ml.limitMB:
		info.Status = MemoryStatusExceeded
	case info.Usage >= ml.threshold:
		info.Status = MemoryStatusWarning
	}
	return info
}

// Check returns a ResourceLimitError when the heap exceeds the limit
func (ml *MemoryLimit) Check() error {
	return ml.Sample().Err()
}

// MemoryStatus classifies a heap sample
type MemoryStatus int

const (
	// MemoryStatusOK is a heap below the warning threshold
	MemoryStatusOK MemoryStatus = iota
	// MemoryStatusWarning is a heap between the warning threshold and the limit
	MemoryStatusWarning
	// MemoryStatusExceeded is a heap at or above the limit
	MemoryStatusExceeded
)

// String returns the log name of the status
func (ms MemoryStatus) String() string {
	switch ms {
	case MemoryStatusOK:
		return "ok"
	case MemoryStatusWarning:
		return "warning"
	case MemoryStatusExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// MemoryInfo is one heap sample
type MemoryInfo struct {
	CurrentMB int64
	LimitMB   int64
	// Usage is CurrentMB / LimitMB.
	Usage  float64
	Status MemoryStatus
}

// Err returns a ResourceLimitError for an exceeded sample and nil otherwise
func (mi MemoryInfo) Err() error {
	if mi.Status != MemoryStatusExceeded {
		return nil
	}
	return &model.ResourceLimitError{
		Resource: "heap MB",
		Limit:    mi.LimitMB,
		Actual:   mi.CurrentMB,
	}
}

// LogValue implements slog.LogValuer
func (mi MemoryInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("heap_mb", mi.CurrentMB),
		slog.Int64("limit_mb", mi.LimitMB),
		slog.Float64("usage", mi.Usage),
		slog.String("status", mi.Status.String()),
	)
}
