package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
)

var ErrUnknownAttachment = errors.New("no such attachment")

// Attachment is the reference-counted descriptor of attachment data stored in
// the account, keyed by the hash of the data.
type Attachment struct {
	Hash string // Hex SHA-256 of the decoded data.

	// Number of non-expunged message rows whose part structure references this
	// hash. Each message counts once, regardless of how often it references the
	// hash.
	Counter int64

	// Sum of the Magic of all referencing messages. Used for consistency checks.
	Magic int64

	Size        int64
	ContentType string
	Updated     time.Time
}

// IncrementReferences increments the reference counter of each attachment in
// hashes by one, and adds magic to its aggregate. Must be called within the
// transaction that inserts the message referencing the attachments. hashes
// must not contain duplicates, see Part.AttachmentHashes.
func IncrementReferences(tx *bstore.Tx, hashes []string, magic int64, now time.Time) error {
	for _, h := range hashes {
		att := Attachment{Hash: h}
		if err := tx.Get(&att); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: %s", ErrUnknownAttachment, h)
		} else if err != nil {
			return fmt.Errorf("get attachment: %w", err)
		}
		att.Counter++
		att.Magic += magic
		att.Updated = now
		if err := tx.Update(&att); err != nil {
			return fmt.Errorf("update attachment: %w", err)
		}
	}
	return nil
}

// DecrementReferences is the reverse of IncrementReferences, for messages that
// are removed. Returns the hashes whose counter dropped to zero, whose records
// have been removed. Their data files must be removed by the caller after the
// transaction is committed.
func DecrementReferences(tx *bstore.Tx, hashes []string, magic int64, now time.Time) (unused []string, rerr error) {
	for _, h := range hashes {
		att := Attachment{Hash: h}
		if err := tx.Get(&att); err == bstore.ErrAbsent {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAttachment, h)
		} else if err != nil {
			return nil, fmt.Errorf("get attachment: %w", err)
		}
		if att.Counter <= 0 {
			return nil, fmt.Errorf("attachment %s: counter already zero", h)
		}
		att.Counter--
		att.Magic -= magic
		att.Updated = now
		if att.Counter == 0 {
			if err := tx.Delete(&att); err != nil {
				return nil, fmt.Errorf("delete attachment: %w", err)
			}
			unused = append(unused, h)
			continue
		}
		if err := tx.Update(&att); err != nil {
			return nil, fmt.Errorf("update attachment: %w", err)
		}
	}
	return unused, nil
}

// AddAttachments stores data for attachments of a new message and references
// them once for the message. Data files are written before the transaction
// commits, a file without record is harmless and reused by a later add.
func (a *Account) AddAttachments(tx *bstore.Tx, atts []AttachmentData, magic int64, now time.Time) error {
	for _, ad := range atts {
		att := Attachment{Hash: ad.Hash}
		err := tx.Get(&att)
		if err == nil {
			continue
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("get attachment: %w", err)
		}
		if err := a.writeAttachmentFile(ad); err != nil {
			return err
		}
		att = Attachment{Hash: ad.Hash, Size: int64(len(ad.Data)), ContentType: ad.ContentType, Updated: now}
		if err := tx.Insert(&att); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	hashes := make([]string, len(atts))
	for i, ad := range atts {
		hashes[i] = ad.Hash
	}
	return IncrementReferences(tx, hashes, magic, now)
}

func (a *Account) writeAttachmentFile(ad AttachmentData) (rerr error) {
	p := a.AttachmentPath(ad.Hash)
	if fi, err := os.Stat(p); err == nil && fi.Size() == int64(len(ad.Data)) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	f, err := CreateTemp("attachment")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if f != nil {
			CloseRemoveTempFile(xlog, f, "attachment")
		}
	}()
	if _, err := f.Write(ad.Data); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Rename(f.Name(), p); err != nil {
		return fmt.Errorf("rename attachment: %w", err)
	}
	f = nil
	return nil
}

// removeAttachmentFiles removes data files of attachments no longer
// referenced. Called after commit.
func (a *Account) removeAttachmentFiles(log *mlog.Log, hashes []string) {
	for _, h := range hashes {
		err := os.Remove(a.AttachmentPath(h))
		log.Check(err, "removing unreferenced attachment file", mlog.Field("hash", h))
	}
}
