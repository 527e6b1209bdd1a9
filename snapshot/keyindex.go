package snapshot

import (
	"bytes"
	"encoding/binary"

	"github.com/maskdotdev/kitedb/internal/util"
	"github.com/maskdotdev/kitedb/storage"
	"github.com/pkg/errors"
)

// KeyEntry is a (string key, NodeId) pair stored in the KeyIndex B+Tree.
type KeyEntry struct {
	Key    []byte
	NodeID uint64
}

// LoadKeyIndex restores an existing KeyIndex B+Tree from a known root page.
// Used when reopening a single-file database whose header names the root.
func LoadKeyIndex(bp *storage.BufferPool, rootID storage.PageID) (*KeyIndex, error) {
	page, err := bp.FetchPage(rootID)
	if err != nil {
		return nil, err
	}
	defer bp.UnpinPage(rootID, false)

	pt := page.GetPageType()
	if pt != storage.PageTypeKeyIndexLeaf && pt != storage.PageTypeKeyIndexInternal {
		return nil, errors.Errorf("invalid page type for KeyIndex root: %d", pt)
	}

	return &KeyIndex{bp: bp, rootID: rootID, order: 64}, nil
}

// KeyIndex implements the durable B+Tree backing the snapshot's KeyIndex
// section (§4.3 lookup_by_key): a unique mapping from a node's string key to
// its NodeId.
//
// The tree is page-backed via the shared buffer pool so it participates in
// the same SLRU cache and crash-consistency story as the rest of the
// snapshot's pages. Deletions are lazy: pages are rewritten without the
// removed entry, but under/overflow merging across sibling leaves is not
// attempted — acceptable for a key index, whose entries are small and whose
// tombstones are reclaimed wholesale at the next checkpoint.
type KeyIndex struct {
	bp           *storage.BufferPool
	rootID       storage.PageID
	order        int
	onRootChange func(storage.PageID)
}

// SetOnRootChange registers a callback invoked whenever a root split changes
// the tree's root page, so the single-file header can track the new root.
func (t *KeyIndex) SetOnRootChange(callback func(storage.PageID)) {
	t.onRootChange = callback
}

// NewKeyIndex creates an empty KeyIndex tree.
func NewKeyIndex(bp *storage.BufferPool) (*KeyIndex, error) {
	rootPage, err := bp.NewPage(storage.PageTypeKeyIndexLeaf)
	if err != nil {
		return nil, err
	}
	tree := &KeyIndex{bp: bp, rootID: rootPage.ID, order: 64}
	bp.UnpinPage(rootPage.ID, true)
	return tree, nil
}

// GetRootID returns the current root page ID.
func (t *KeyIndex) GetRootID() storage.PageID {
	return t.rootID
}

// Insert adds or updates the NodeId associated with key.
func (t *KeyIndex) Insert(key []byte, nodeID uint64) error {
	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, nodeID)

	splitKey, splitPageID, err := t.insertRecursive(t.rootID, key, value)
	if err != nil {
		return err
	}

	if splitPageID != 0 {
		newRoot, err := t.bp.NewPage(storage.PageTypeKeyIndexInternal)
		if err != nil {
			return err
		}

		t.setLeftPtr(newRoot, t.rootID)
		if err := t.writeInternalEntries(newRoot, t.rootID, []internalEntry{{key: splitKey, childID: splitPageID}}); err != nil {
			return err
		}

		t.rootID = newRoot.ID
		if t.onRootChange != nil {
			t.onRootChange(t.rootID)
		}
		t.bp.UnpinPage(newRoot.ID, true)
	}

	return nil
}

func (t *KeyIndex) insertRecursive(pageID storage.PageID, key, value []byte) ([]byte, storage.PageID, error) {
	page, err := t.bp.FetchPage(pageID)
	if err != nil {
		return nil, 0, err
	}
	defer t.bp.UnpinPage(pageID, true)

	switch page.GetPageType() {
	case storage.PageTypeKeyIndexLeaf:
		return t.insertIntoLeaf(page, key, value)
	case storage.PageTypeKeyIndexInternal:
		childID, err := t.searchInternal(page, key)
		if err != nil {
			return nil, 0, err
		}

		promoteKey, splitChildID, err := t.insertRecursive(childID, key, value)
		if err != nil {
			return nil, 0, err
		}
		if splitChildID == 0 {
			return nil, 0, nil
		}
		return t.insertIntoInternal(page, promoteKey, splitChildID)
	default:
		return nil, 0, errors.Errorf("invalid KeyIndex page type %d", page.GetPageType())
	}
}

func (t *KeyIndex) insertIntoLeaf(page *storage.Page, key, value []byte) ([]byte, storage.PageID, error) {
	entries := t.getLeafEntries(page)

	for i, entry := range entries {
		if bytes.Equal(key, entry.Key) {
			entries[i].NodeID = binary.LittleEndian.Uint64(value)
			return nil, 0, t.writeLeafEntries(page, entries)
		}
	}

	nodeID := binary.LittleEndian.Uint64(value)
	newEntry := KeyEntry{Key: key, NodeID: nodeID}
	insertPos := len(entries)
	for i, entry := range entries {
		if bytes.Compare(key, entry.Key) < 0 {
			insertPos = i
			break
		}
	}

	newEntries := make([]KeyEntry, 0, len(entries)+1)
	newEntries = append(newEntries, entries[:insertPos]...)
	newEntries = append(newEntries, newEntry)
	newEntries = append(newEntries, entries[insertPos:]...)

	pageSize := len(page.Data)
	currentSize := storage.PageHeaderSize
	for _, e := range newEntries {
		currentSize += 2 + len(e.Key) + 8
	}

	if len(newEntries) > t.order || currentSize > pageSize-16 {
		mid := len(newEntries) / 2
		rightEntries := newEntries[mid:]
		leftEntries := newEntries[:mid]

		newPage, err := t.bp.NewPage(storage.PageTypeKeyIndexLeaf)
		if err != nil {
			return nil, 0, err
		}
		defer t.bp.UnpinPage(newPage.ID, true)

		oldNext := page.GetNextPage()
		page.SetNextPage(newPage.ID)
		newPage.SetNextPage(oldNext)
		newPage.SetPrevPage(page.ID)

		if oldNext != 0 {
			if oldNextPage, err := t.bp.FetchPage(oldNext); err == nil {
				oldNextPage.SetPrevPage(newPage.ID)
				t.bp.UnpinPage(oldNext, true)
			}
		}

		if err := t.writeLeafEntries(page, leftEntries); err != nil {
			return nil, 0, err
		}
		if err := t.writeLeafEntries(newPage, rightEntries); err != nil {
			return nil, 0, err
		}

		return rightEntries[0].Key, newPage.ID, nil
	}

	return nil, 0, t.writeLeafEntries(page, newEntries)
}

// Delete removes key from the tree. No-op (not an error) if absent.
func (t *KeyIndex) Delete(key []byte) error {
	rootPage, err := t.bp.FetchPage(t.rootID)
	if err != nil {
		return err
	}
	defer t.bp.UnpinPage(rootPage.ID, false)

	leafPage, err := t.findLeafPage(rootPage, key)
	if err != nil {
		return err
	}
	if leafPage.ID != rootPage.ID {
		defer t.bp.UnpinPage(leafPage.ID, false)
	}

	entries := t.getLeafEntries(leafPage)
	newEntries := make([]KeyEntry, 0, len(entries))
	for _, entry := range entries {
		if bytes.Equal(entry.Key, key) {
			continue
		}
		newEntries = append(newEntries, entry)
	}
	return t.writeLeafEntries(leafPage, newEntries)
}

// Search returns the NodeId for key, or util.ErrNodeNotFound if absent.
func (t *KeyIndex) Search(key []byte) (uint64, error) {
	rootPage, err := t.bp.FetchPage(t.rootID)
	if err != nil {
		return 0, err
	}
	defer t.bp.UnpinPage(rootPage.ID, false)

	leafPage, err := t.findLeafPage(rootPage, key)
	if err != nil {
		return 0, err
	}
	if leafPage.ID != rootPage.ID {
		defer t.bp.UnpinPage(leafPage.ID, false)
	}

	return t.searchInLeaf(leafPage, key)
}

func (t *KeyIndex) findLeafPage(indexPage *storage.Page, key []byte) (*storage.Page, error) {
	currentPage := indexPage
	for currentPage.GetPageType() == storage.PageTypeKeyIndexInternal {
		childID, err := t.searchInternal(currentPage, key)
		if err != nil {
			return nil, err
		}

		nextPage, err := t.bp.FetchPage(childID)
		if err != nil {
			return nil, err
		}
		if currentPage.ID != indexPage.ID {
			t.bp.UnpinPage(currentPage.ID, false)
		}
		currentPage = nextPage
	}
	return currentPage, nil
}

func (t *KeyIndex) searchInLeaf(leafPage *storage.Page, key []byte) (uint64, error) {
	entries := t.getLeafEntries(leafPage)
	left, right := 0, len(entries)-1
	for left <= right {
		mid := (left + right) / 2
		cmp := bytes.Compare(key, entries[mid].Key)
		switch {
		case cmp == 0:
			return entries[mid].NodeID, nil
		case cmp < 0:
			right = mid - 1
		default:
			left = mid + 1
		}
	}
	return 0, util.ErrNodeNotFound
}

func (t *KeyIndex) getLeafEntries(leafPage *storage.Page) []KeyEntry {
	var entries []KeyEntry
	data := leafPage.Data
	pageSize := len(data)
	keyCount := int(binary.LittleEndian.Uint16(data[2:4]))
	if keyCount == 0 {
		return entries
	}

	offset := storage.PageHeaderSize
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
		nodeID := binary.LittleEndian.Uint64(data[offset : offset+8])
		offset += 8
		entries = append(entries, KeyEntry{Key: key, NodeID: nodeID})
	}
	return entries
}

func (t *KeyIndex) writeLeafEntries(leafPage *storage.Page, entries []KeyEntry) error {
	data := leafPage.Data
	pageSize := len(data)
	for i := storage.PageHeaderSize; i < pageSize; i++ {
		data[i] = 0
	}

	offset := storage.PageHeaderSize
	for i, entry := range entries {
		needed := 2 + len(entry.Key) + 8
		if offset+needed > pageSize {
			return errors.Wrapf(util.ErrPageFull, "cannot fit key-index entry %d", i)
		}
		binary.LittleEndian.PutUint16(data[offset:offset+2], uint16(len(entry.Key)))
		offset += 2
		copy(data[offset:offset+len(entry.Key)], entry.Key)
		offset += len(entry.Key)
		binary.LittleEndian.PutUint64(data[offset:offset+8], entry.NodeID)
		offset += 8
	}
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(entries)))
	binary.LittleEndian.PutUint16(data[4:6], uint16(offset))
	leafPage.MarkDirty()
	return nil
}
