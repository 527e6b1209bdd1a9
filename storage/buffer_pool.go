package storage

import (
	"container/list"
	"sort"
	"sync"

	"github.com/maskdotdev/kitedb/internal/util"
)

// BufferPool is the page cache sitting in front of the Pager. Its only
// callers today are the KeyIndex B+Tree's node lookups and splits
// (snapshot/keyindex*.go): a checkpoint's KeyIndex section can span many
// pages, and repeatedly re-reading an internal node from disk on every
// descent would dominate lookup cost, so hot nodes are kept resident
// between calls instead.
//
// Eviction uses Segmented LRU (SLRU):
//   - Probation segment: pages land here on first load. A second touch
//     promotes them to Protected.
//   - Protected segment: pages that proved themselves worth keeping.
//     Demoted back to Probation when the segment overflows.
//   - Eviction always takes the tail of Probation first, only reaching into
//     Protected once Probation has nothing unpinned left to give up — this
//     is what keeps a cold one-off scan of the tree from flushing out nodes
//     genuinely being reused.
type BufferPool struct {
	capacity     int
	protectedCap int
	pages        map[PageID]*bufferEntry
	protected    *list.List
	probation    *list.List
	pager        *Pager
	mu           sync.RWMutex

	hits      uint64
	misses    uint64
	evictions uint64
}

type bufferEntry struct {
	page        *Page
	element     *list.Element
	isProtected bool
}

// Stats snapshots the pool's cache-effectiveness counters, for logging
// around a checkpoint or in diagnostics.
type Stats struct {
	Resident  int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRatio returns Hits / (Hits + Misses), or 0 if the pool has never been
// touched.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewBufferPool creates a pool of the given page capacity over pager.
// Protected gets 80% of capacity, Probation the remaining 20% — enough
// headroom for a cold descent of the tree to not immediately evict
// already-protected hot nodes.
func NewBufferPool(capacity int, pager *Pager) *BufferPool {
	protectedCap := int(float64(capacity) * 0.8)
	if protectedCap < 1 {
		protectedCap = 1
	}

	return &BufferPool{
		capacity:     capacity,
		protectedCap: protectedCap,
		pages:        make(map[PageID]*bufferEntry),
		protected:    list.New(),
		probation:    list.New(),
		pager:        pager,
	}
}

// FetchPage retrieves a page, pinning it. A resident page is promoted
// (Probation -> Protected on a second touch, MRU within Protected
// otherwise); a miss loads it from the pager and admits it into
// Probation.
func (bp *BufferPool) FetchPage(pageID PageID) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if entry, exists := bp.pages[pageID]; exists {
		bp.hits++
		entry.page.Pin()

		if entry.isProtected {
			bp.protected.MoveToFront(entry.element)
		} else {
			bp.probation.Remove(entry.element)
			entry.element = bp.protected.PushFront(pageID)
			entry.isProtected = true

			if bp.protected.Len() > bp.protectedCap {
				if demoteElem := bp.protected.Back(); demoteElem != nil {
					demoteID := demoteElem.Value.(PageID)
					demoteEntry := bp.pages[demoteID]

					bp.protected.Remove(demoteElem)
					demoteEntry.element = bp.probation.PushFront(demoteID)
					demoteEntry.isProtected = false
				}
			}
		}

		return entry.page, nil
	}

	bp.misses++
	page, err := bp.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}

	if len(bp.pages) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}

	element := bp.probation.PushFront(pageID)
	bp.pages[pageID] = &bufferEntry{page: page, element: element}

	page.Pin()
	return page, nil
}

// NewPage allocates a fresh page via the pager and admits it into the
// pool pinned and dirty.
func (bp *BufferPool) NewPage(pageType byte) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	pageID, err := bp.pager.AllocatePage()
	if err != nil {
		return nil, err
	}

	page := NewPage(pageID, pageType, bp.pager.PageSize())

	if len(bp.pages) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}

	element := bp.probation.PushFront(pageID)
	bp.pages[pageID] = &bufferEntry{page: page, element: element}

	page.Pin()
	page.MarkDirty()
	return page, nil
}

// UnpinPage releases a caller's pin on pageID, optionally marking it
// dirty so a later Flush writes it back.
func (bp *BufferPool) UnpinPage(pageID PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	entry, exists := bp.pages[pageID]
	if !exists {
		return util.ErrPageNotFound
	}

	if isDirty {
		entry.page.MarkDirty()
	}
	entry.page.Unpin()
	return nil
}

// FlushPage writes pageID back to the pager if it is dirty.
func (bp *BufferPool) FlushPage(pageID PageID) error {
	bp.mu.RLock()
	entry, exists := bp.pages[pageID]
	bp.mu.RUnlock()

	if !exists {
		return util.ErrPageNotFound
	}

	entry.page.mu.RLock()
	isDirty := entry.page.IsDirty
	entry.page.mu.RUnlock()

	if !isDirty {
		return nil
	}
	return bp.pager.WritePage(entry.page)
}

// FlushAllPages writes every dirty resident page back to the pager and
// fsyncs it. Pages are flushed in ascending PageID order rather than
// map-iteration order: since PageID maps directly to a byte offset in the
// single backing file, this keeps the write pattern monotonic instead of
// scattering writes across the file in whatever order Go's map happens to
// yield this run.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.RLock()
	pageIDs := make([]PageID, 0, len(bp.pages))
	for pageID := range bp.pages {
		pageIDs = append(pageIDs, pageID)
	}
	bp.mu.RUnlock()

	sort.Slice(pageIDs, func(i, j int) bool { return pageIDs[i] < pageIDs[j] })

	for _, pageID := range pageIDs {
		if err := bp.FlushPage(pageID); err != nil {
			return err
		}
	}

	return bp.pager.Sync()
}

// evictLocked evicts the least-recently-used unpinned page, trying
// Probation before Protected. Caller must hold bp.mu.
func (bp *BufferPool) evictLocked() error {
	evictFromList := func(l *list.List) (bool, error) {
		for element := l.Back(); element != nil; element = element.Prev() {
			pageID := element.Value.(PageID)
			entry := bp.pages[pageID]

			if entry.page.IsPinned() {
				continue
			}

			entry.page.mu.RLock()
			isDirty := entry.page.IsDirty
			entry.page.mu.RUnlock()

			if isDirty {
				if err := bp.pager.WritePage(entry.page); err != nil {
					return false, err
				}
			}

			l.Remove(element)
			delete(bp.pages, pageID)
			bp.evictions++
			return true, nil
		}
		return false, nil
	}

	if evicted, err := evictFromList(bp.probation); err != nil || evicted {
		return err
	}
	if evicted, err := evictFromList(bp.protected); err != nil || evicted {
		return err
	}
	return util.ErrPageFull
}

// Size returns the number of pages currently resident.
func (bp *BufferPool) Size() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.pages)
}

// Stats reports the pool's cache-effectiveness counters since open.
func (bp *BufferPool) Stats() Stats {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return Stats{
		Resident:  len(bp.pages),
		Capacity:  bp.capacity,
		Hits:      bp.hits,
		Misses:    bp.misses,
		Evictions: bp.evictions,
	}
}

// Close flushes every dirty page and closes the underlying pager.
func (bp *BufferPool) Close() error {
	if err := bp.FlushAllPages(); err != nil {
		return err
	}
	return bp.pager.Close()
}
