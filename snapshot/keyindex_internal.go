package snapshot

import (
	"bytes"
	"encoding/binary"

	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/pkg/errors"
)

// internalEntry is a (separator key, child page) pair in a KeyIndex internal
// node layout:
//
//	Header (storage.PageHeaderSize bytes)
//	LeftPtr (8 bytes) -- P0
//	Entries: [keyLen u16][key][childID u64]...
const internalHeaderSize = storage.PageHeaderSize + 8

type internalEntry struct {
	key     []byte
	childID storage.PageID
}

func (t *KeyIndex) getLeftPtr(page *storage.Page) storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(page.Data[storage.PageHeaderSize : storage.PageHeaderSize+8]))
}

func (t *KeyIndex) setLeftPtr(page *storage.Page, ptr storage.PageID) {
	binary.LittleEndian.PutUint64(page.Data[storage.PageHeaderSize:storage.PageHeaderSize+8], uint64(ptr))
	page.MarkDirty()
}

func (t *KeyIndex) getInternalEntries(page *storage.Page) []internalEntry {
	var entries []internalEntry
	data := page.Data
	pageSize := len(data)

	keyCount := int(binary.LittleEndian.Uint16(data[2:4]))
	if keyCount == 0 {
		return entries
	}

	offset := internalHeaderSize
	for i := 0; i < keyCount && offset < pageSize-8; i++ {
		if offset+2 > pageSize {
			break
		}
		keyLen := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+keyLen+8 > pageSize {
			break
		}
		key := make([]byte, keyLen)
		copy(key, data[offset:offset+keyLen])
		offset += keyLen
		childID := storage.PageID(binary.LittleEndian.Uint64(data[offset : offset+8]))
		offset += 8
		entries = append(entries, internalEntry{key: key, childID: childID})
	}
	return entries
}

func (t *KeyIndex) writeInternalEntries(page *storage.Page, leftPtr storage.PageID, entries []internalEntry) error {
	data := page.Data
	pageSize := len(data)

	binary.LittleEndian.PutUint64(data[storage.PageHeaderSize:storage.PageHeaderSize+8], uint64(leftPtr))
	for i := internalHeaderSize; i < pageSize; i++ {
		data[i] = 0
	}

	offset := internalHeaderSize
	for i, entry := range entries {
		needed := 2 + len(entry.key) + 8
		if offset+needed > pageSize {
			return errors.Wrapf(util.ErrPageFull, "cannot fit internal entry %d", i)
		}
		binary.LittleEndian.PutUint16(data[offset:offset+2], uint16(len(entry.key)))
		offset += 2
		copy(data[offset:offset+len(entry.key)], entry.key)
		offset += len(entry.key)
		binary.LittleEndian.PutUint64(data[offset:offset+8], uint64(entry.childID))
		offset += 8
	}

	binary.LittleEndian.PutUint16(data[2:4], uint16(len(entries)))
	binary.LittleEndian.PutUint16(data[4:6], uint16(offset))
	page.MarkDirty()
	return nil
}

func (t *KeyIndex) searchInternal(page *storage.Page, key []byte) (storage.PageID, error) {
	leftPtr := t.getLeftPtr(page)
	entries := t.getInternalEntries(page)

	currPtr := leftPtr
	for _, entry := range entries {
		if bytes.Compare(key, entry.key) < 0 {
			return currPtr, nil
		}
		currPtr = entry.childID
	}
	return currPtr, nil
}

func (t *KeyIndex) insertIntoInternal(page *storage.Page, key []byte, childID storage.PageID) ([]byte, storage.PageID, error) {
	entries := t.getInternalEntries(page)
	leftPtr := t.getLeftPtr(page)

	newEntry := internalEntry{key: key, childID: childID}
	insertPos := len(entries)
	for i, entry := range entries {
		if bytes.Compare(key, entry.key) < 0 {
			insertPos = i
			break
		}
	}

	newEntries := make([]internalEntry, 0, len(entries)+1)
	newEntries = append(newEntries, entries[:insertPos]...)
	newEntries = append(newEntries, newEntry)
	newEntries = append(newEntries, entries[insertPos:]...)

	if len(newEntries) > t.order {
		return t.splitInternal(page, leftPtr, newEntries)
	}

	return nil, 0, t.writeInternalEntries(page, leftPtr, newEntries)
}

// splitInternal splits an overflowing internal node, returning the promoted
// separator key and the new right sibling's page ID.
func (t *KeyIndex) splitInternal(page *storage.Page, leftPtr storage.PageID, entries []internalEntry) ([]byte, storage.PageID, error) {
	newPage, err := t.bp.NewPage(storage.PageTypeKeyIndexInternal)
	if err != nil {
		return nil, 0, err
	}
	defer t.bp.UnpinPage(newPage.ID, true)

	mid := len(entries) / 2
	promoted := entries[mid]

	leftEntries := entries[:mid]
	rightEntries := entries[mid+1:]

	if err := t.writeInternalEntries(page, leftPtr, leftEntries); err != nil {
		return nil, 0, err
	}
	if err := t.writeInternalEntries(newPage, promoted.childID, rightEntries); err != nil {
		return nil, 0, err
	}

	return promoted.key, newPage.ID, nil
}
