package storage

import (
	"encoding/binary"
	"sync"
)

// PageID uniquely identifies a fixed-size page in the single-file layout.
type PageID uint64

// DefaultPageSize is the page size used unless Options.PageSize overrides it.
// Must be a power of two; the pager rejects anything else.
const DefaultPageSize = 4096

// Page types recorded in the page header (byte 0).
const (
	PageTypeInvalid = iota
	PageTypeHeader  // page 0: single-file header
	PageTypeFree    // free page list
	PageTypeSnapshot
	PageTypeWAL
	PageTypeKeyIndexLeaf     // B+Tree leaf page backing the KeyIndex snapshot section
	PageTypeKeyIndexInternal // B+Tree internal page backing the KeyIndex snapshot section
)

// Page header layout (first PageHeaderSize bytes of Data):
//   PageType  (1 byte)
//   Flags     (1 byte)
//   KeyCount  (2 bytes)
//   FreeSpace (2 bytes) - offset to free space within the page
//   LSN       (8 bytes) - WAL LSN that last dirtied this page
//   NextPage  (8 bytes)
//   PrevPage  (8 bytes)
// Total: 30 bytes.
const PageHeaderSize = 30

// Page is one fixed-size page of the backing file, held in the buffer pool.
type Page struct {
	ID       PageID
	Data     []byte
	IsDirty  bool
	PinCount int32
	mu       sync.RWMutex
}

// NewPage allocates a zeroed page of the given size and initializes its header.
func NewPage(id PageID, pageType byte, pageSize int) *Page {
	p := &Page{
		ID:   id,
		Data: make([]byte, pageSize),
	}
	p.SetPageType(pageType)
	p.SetKeyCount(0)
	p.SetFreeSpace(PageHeaderSize)
	return p
}

func (p *Page) Pin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PinCount++
}

func (p *Page) Unpin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PinCount > 0 {
		p.PinCount--
	}
}

func (p *Page) IsPinned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.PinCount > 0
}

func (p *Page) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IsDirty = true
}

func (p *Page) GetPageType() byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Data[0]
}

func (p *Page) SetPageType(pageType byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Data[0] = pageType
	p.IsDirty = true
}

func (p *Page) GetKeyCount() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint16(p.Data[2:4])
}

func (p *Page) SetKeyCount(count uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint16(p.Data[2:4], count)
	p.IsDirty = true
}

func (p *Page) GetFreeSpace() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint16(p.Data[4:6])
}

func (p *Page) SetFreeSpace(offset uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint16(p.Data[4:6], offset)
	p.IsDirty = true
}

func (p *Page) GetLSN() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return binary.LittleEndian.Uint64(p.Data[6:14])
}

func (p *Page) SetLSN(lsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[6:14], lsn)
	p.IsDirty = true
}

func (p *Page) GetNextPage() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(p.Data[14:22]))
}

func (p *Page) SetNextPage(pageID PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[14:22], uint64(pageID))
	p.IsDirty = true
}

func (p *Page) GetPrevPage() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PageID(binary.LittleEndian.Uint64(p.Data[22:30]))
}

func (p *Page) SetPrevPage(pageID PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint64(p.Data[22:30], uint64(pageID))
	p.IsDirty = true
}

// RemainingSpace returns the bytes available for keys/values in the page.
func (p *Page) RemainingSpace() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	freeSpace := int(binary.LittleEndian.Uint16(p.Data[4:6]))
	return len(p.Data) - freeSpace
}

// Copy returns a deep copy of the page, used when a writer must not mutate a
// version still visible to a concurrent reader.
func (p *Page) Copy() *Page {
	p.mu.RLock()
	defer p.mu.RUnlock()

	newPage := &Page{
		ID:       p.ID,
		IsDirty:  p.IsDirty,
		PinCount: p.PinCount,
		Data:     make([]byte, len(p.Data)),
	}
	copy(newPage.Data, p.Data)
	return newPage
}
