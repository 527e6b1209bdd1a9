// Package storage implements the fixed-page file I/O layer of KiteDB's
// single-file format.
//
// It is responsible for:
//  1. Pager: direct disk I/O over one file addressed by fixed-size pages.
//  2. BufferPool: an SLRU in-memory cache to minimize disk access.
//  3. KeyIndex page types: the leaf/internal page types that the KeyIndex
//     B+Tree in package snapshot (snapshot/keyindex*.go) builds on.
//  4. Page: the fundamental unit of storage, header + raw bytes.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/pkg/errors"
)

// Pager manages disk I/O for one single-file database.
//
// Durability is not assumed at page granularity: a page write may be torn by
// a crash. The WAL, not the pager, is what makes commits durable; the pager
// only promises that Sync() flushes whatever bytes have been written so far.
type Pager struct {
	file       *os.File
	mu         sync.RWMutex
	nextPageID PageID
	pageSize   int
}

// NewPager opens (creating if necessary) the single backing file at path,
// using the given page size. pageSize must be a power of two.
func NewPager(path string, pageSize int) (*Pager, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, errors.Errorf("page size %d is not a positive power of two", pageSize)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	nextPageID := PageID(info.Size() / int64(pageSize))

	return &Pager{
		file:       file,
		nextPageID: nextPageID,
		pageSize:   pageSize,
	}, nil
}

// PageSize returns the fixed page size this pager was opened with.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// AllocatePage reserves a new PageID and extends the file to cover it.
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pageID := p.nextPageID
	p.nextPageID++

	newSize := int64(p.nextPageID) * int64(p.pageSize)
	if err := p.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	return pageID, nil
}

// ReadPage reads one page from disk.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID >= p.nextPageID {
		return nil, util.ErrInvalidPageID
	}

	page := &Page{ID: pageID, Data: make([]byte, p.pageSize)}
	offset := int64(pageID) * int64(p.pageSize)

	n, err := p.file.ReadAt(page.Data, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	return page, nil
}

// WritePage writes a page to disk at its page offset.
func (p *Pager) WritePage(page *Page) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if page.ID >= p.nextPageID {
		return util.ErrInvalidPageID
	}
	if len(page.Data) != p.pageSize {
		return errors.Errorf("page %d has %d bytes, want page size %d", page.ID, len(page.Data), p.pageSize)
	}

	offset := int64(page.ID) * int64(p.pageSize)
	if _, err := p.file.WriteAt(page.Data, offset); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	page.mu.Lock()
	page.IsDirty = false
	page.mu.Unlock()

	return nil
}

// Sync fsyncs the backing file.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// Close fsyncs and closes the backing file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return p.file.Close()
}

// GetNextPageID returns the next PageID that AllocatePage would hand out.
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}

// File exposes the underlying os.File for components (WAL regions, snapshot
// sections, the page-0 header) that address the same single file at byte
// offsets outside the page abstraction, through ReadAt/WriteAt; nothing
// memory-maps it.
func (p *Pager) File() *os.File {
	return p.file
}
