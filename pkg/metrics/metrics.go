package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects usage counters for one overlay. Every method is safe
// for concurrent use, and a nil *Metrics ignores all records.
type Metrics struct {
	mu sync.RWMutex

	// Archive load metrics
	ArchiveLoadsTotal    int64
	ArchiveFailuresTotal int64
	ArchiveFilesTotal    int64

	// Read path metrics, by source kind
	ReadCountTotal map[string]int64
	ReadBytesTotal map[string]int64

	// Decode metrics, by codec tag
	DecodeCountTotal map[string]int64
	DecodeBytesTotal map[string]int64
	DecodeDurationNs map[string]int64
	DecodeErrorTotal int64

	// Decoded cache metrics
	CacheHitsTotal   int64
	CacheMissesTotal int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ArchiveLoads    int64
	ArchiveFailures int64
	ArchiveFiles    int64
	Reads           map[string]int64
	ReadBytes       map[string]int64
	Decodes         map[string]int64
	DecodedBytes    map[string]int64
	DecodeErrors    int64
	CacheHits       int64
	CacheMisses     int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		ReadCountTotal:   make(map[string]int64),
		ReadBytesTotal:   make(map[string]int64),
		DecodeCountTotal: make(map[string]int64),
		DecodeBytesTotal: make(map[string]int64),
		DecodeDurationNs: make(map[string]int64),
	}
}

// RecordArchiveLoad records an attempt to open and register a container.
func (m *Metrics) RecordArchiveLoad(name string, files int, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.ArchiveFailuresTotal++
		return
	}

	m.ArchiveLoadsTotal++
	m.ArchiveFilesTotal += int64(files)

	log.Debug().
		Str("archive", name).
		Int("files", files).
		Int64("total_loads", m.ArchiveLoadsTotal).
		Msg("archive registered")
}

func (m *Metrics) RecordRead(source string, bytes int64) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadCountTotal[source]++
	m.ReadBytesTotal[source] += bytes
}

// RecordDecode records one dispatcher decode of the given codec.
func (m *Metrics) RecordDecode(codec string, bytes int, duration time.Duration, err error) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.DecodeErrorTotal++
		return
	}

	m.DecodeCountTotal[codec]++
	m.DecodeBytesTotal[codec] += int64(bytes)
	m.DecodeDurationNs[codec] += duration.Nanoseconds()

	log.Debug().
		Str("codec", codec).
		Int("bytes", bytes).
		Dur("duration", duration).
		Msg("decode completed")
}

func (m *Metrics) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if hit {
		m.CacheHitsTotal++
	} else {
		m.CacheMissesTotal++
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		ArchiveLoads:    m.ArchiveLoadsTotal,
		ArchiveFailures: m.ArchiveFailuresTotal,
		ArchiveFiles:    m.ArchiveFilesTotal,
		Reads:           copyCounts(m.ReadCountTotal),
		ReadBytes:       copyCounts(m.ReadBytesTotal),
		Decodes:         copyCounts(m.DecodeCountTotal),
		DecodedBytes:    copyCounts(m.DecodeBytesTotal),
		DecodeErrors:    m.DecodeErrorTotal,
		CacheHits:       m.CacheHitsTotal,
		CacheMisses:     m.CacheMissesTotal,
	}
}

// LogSummary logs a summary of current metrics
func (m *Metrics) LogSummary() {
	if m == nil {
		return
	}

	s := m.Snapshot()

	cacheHitRate := float64(0)
	if s.CacheHits+s.CacheMisses > 0 {
		cacheHitRate = float64(s.CacheHits) / float64(s.CacheHits+s.CacheMisses)
	}

	event := log.Info().
		Int64("archives_loaded", s.ArchiveLoads).
		Int64("archives_failed", s.ArchiveFailures).
		Int64("archive_files", s.ArchiveFiles).
		Int64("decode_errors", s.DecodeErrors).
		Int64("cache_hits", s.CacheHits).
		Int64("cache_misses", s.CacheMisses).
		Float64("cache_hit_rate", cacheHitRate)

	for _, source := range sortedKeys(s.Reads) {
		event = event.Int64("reads_"+source, s.Reads[source])
	}
	for _, codec := range sortedKeys(s.Decodes) {
		event = event.Int64("decodes_"+codec, s.Decodes[codec])
	}

	event.Msg("metrics summary")
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
