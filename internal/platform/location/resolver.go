package location

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolverCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperrecord_location_cache_lookups_total",
	Help: "Location resolution cache lookups by kind and result.",
}, []string{"kind", "result"})

// maxDepth bounds hierarchy walks so a cycle in the location table cannot hang a request.
const maxDepth = 64

type ResolverConfig struct {
	MedicalRecordTag string
	ArchivesTag      string
	CacheSize        int
	CacheTTL         time.Duration
}

// Resolver maps any location to the medical-record location that owns its
// folders and to the archives room beneath it. Results are cached per input
// location for CacheTTL.
type Resolver struct {
	store         Store
	medicalTag    string
	archivesTag   string
	medicalCache  *expirable.LRU[uuid.UUID, *Location]
	archivesCache *expirable.LRU[uuid.UUID, *Location]
}

func NewResolver(store Store, cfg ResolverConfig) *Resolver {
	size := cfg.CacheSize
	if size <= 0 {
		size = 512
	}
	return &Resolver{
		store:         store,
		medicalTag:    cfg.MedicalRecordTag,
		archivesTag:   cfg.ArchivesTag,
		medicalCache:  expirable.NewLRU[uuid.UUID, *Location](size, nil, cfg.CacheTTL),
		archivesCache: expirable.NewLRU[uuid.UUID, *Location](size, nil, cfg.CacheTTL),
	}
}

// Get loads a location without resolution.
func (r *Resolver) Get(ctx context.Context, id uuid.UUID) (*Location, error) {
	return r.store.Get(ctx, id)
}

// MedicalRecordLocation returns id itself when it carries the medical record
// tag, otherwise the nearest tagged ancestor. Retired locations never match.
func (r *Resolver) MedicalRecordLocation(ctx context.Context, id uuid.UUID) (*Location, error) {
	if l, ok := r.medicalCache.Get(id); ok {
		resolverCacheLookups.WithLabelValues("medical_record", "hit").Inc()
		return l, nil
	}
	resolverCacheLookups.WithLabelValues("medical_record", "miss").Inc()

	cur := id
	for depth := 0; depth < maxDepth; depth++ {
		l, err := r.store.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !l.Retired && l.HasTag(r.medicalTag) {
			r.medicalCache.Add(id, l)
			return l, nil
		}
		if l.ParentID == nil {
			break
		}
		cur = *l.ParentID
	}
	return nil, fmt.Errorf("%w: no location tagged %q above %s", ErrNotFound, r.medicalTag, id)
}

// ArchivesLocation resolves id to its medical record location and returns the
// first non-retired descendant carrying the archives tag, searching breadth first.
func (r *Resolver) ArchivesLocation(ctx context.Context, id uuid.UUID) (*Location, error) {
	if l, ok := r.archivesCache.Get(id); ok {
		resolverCacheLookups.WithLabelValues("archives", "hit").Inc()
		return l, nil
	}
	resolverCacheLookups.WithLabelValues("archives", "miss").Inc()

	root, err := r.MedicalRecordLocation(ctx, id)
	if err != nil {
		return nil, err
	}

	queue := []*Location{root}
	seen := map[uuid.UUID]bool{root.ID: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur != root && cur.HasTag(r.archivesTag) {
			r.archivesCache.Add(id, cur)
			return cur, nil
		}
		children, err := r.store.Children(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Retired || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			queue = append(queue, c)
		}
	}
	return nil, fmt.Errorf("%w: no location tagged %q below %s", ErrNotFound, r.archivesTag, root.Name)
}

// Purge drops every cached resolution, e.g. after the hierarchy is edited.
func (r *Resolver) Purge() {
	r.medicalCache.Purge()
	r.archivesCache.Purge()
}
