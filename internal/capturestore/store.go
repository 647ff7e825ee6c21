package capturestore

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/cookiemonster/cookiemonster/internal/cryptostore"
	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// encPrefix marks an encrypted line: the rest of the line is base64url (no
// padding) of an
// authenticated ciphertext whose plaintext is a JSON-encoded CaptureRecord
// (spec.md §3: "CaptureStore ... mixed-mode tolerant").
const encPrefix = "ENC:"

// maxRecordBytes rejects oversized records before they ever reach disk
// (spec.md §4.C: "records ≥1 MiB are rejected").
const maxRecordBytes = 1 << 20

// maxLineBytes bounds what Reader will scan per line before giving up on
// it (spec.md §4.C: "Line-length cap ≥ 2 MiB before parsing").
const maxLineBytes = 2 << 20

// Writer appends CaptureRecords to a JSONL capture file, optionally
// encrypting each line. One Writer owns exclusive use of its file for its
// whole lifetime via a FileLock (lock_unix.go).
type Writer struct {
	f    *os.File
	w    *bufio.Writer
	lock *FileLock
	key  []byte
}

// OpenAppend opens path for append, creating it if necessary, and takes an
// exclusive FileLock for the store's lifetime. key may be nil, in which
// case records are written in plaintext.
func OpenAppend(path string, key []byte) (*Writer, error) {
	lock, err := AcquireFileLock(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		lock.Release()
		return nil, errs.Wrap(errs.ConfigInvalid, err, "capturestore: open %q for append", path)
	}
	return &Writer{f: f, w: bufio.NewWriter(f), lock: lock, key: key}, nil
}

// Append writes one record as a single newline-terminated line, encrypting
// it first if the Writer was opened with a key.
func (w *Writer) Append(record CaptureRecord) error {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return errs.Wrap(errs.ConfigInvalid, err, "capturestore: marshal record %s", record.RequestID)
	}
	if len(plaintext) >= maxRecordBytes {
		return errs.New(errs.RecordTooLarge, "capturestore: record %s is %d bytes, limit %d", record.RequestID, len(plaintext), maxRecordBytes)
	}

	line := plaintext
	if w.key != nil {
		ciphertext, err := cryptostore.Encrypt(plaintext, w.key)
		if err != nil {
			return err
		}
		encoded := base64.RawURLEncoding.EncodeToString(ciphertext)
		line = append([]byte(encPrefix), encoded...)
	}

	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		return errs.Wrap(errs.Transient, err, "capturestore: write record %s", record.RequestID)
	}
	return w.w.Flush()
}

// Close flushes buffered output, fsyncs the file (best-effort durability
// per spec.md §4.C), and releases the file lock.
func (w *Writer) Close() error {
	flushErr := w.w.Flush()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	lockErr := w.lock.Release()
	if flushErr != nil {
		return flushErr
	}
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	return lockErr
}

// ReadStats reports read-time anomalies that are tolerated rather than
// treated as fatal (spec.md §4.C, §4.B).
type ReadStats struct {
	CorruptLines int
}

// LoadAll reads every record from path in insertion order. key may be nil
// if the store is known to hold only plaintext lines; if the store
// contains an ENC: line and key is nil, LoadAll fails with
// EncryptedStoreRequiresKey. A line that fails to decrypt or parse after a
// key is available is counted in ReadStats.CorruptLines and skipped rather
// than treated as fatal.
func LoadAll(path string, key []byte) ([]CaptureRecord, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, errs.Wrap(errs.ConfigInvalid, err, "capturestore: open %q", path)
	}
	defer f.Close()

	var (
		records []CaptureRecord
		stats   ReadStats
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var plaintext []byte
		if strings.HasPrefix(line, encPrefix) {
			if key == nil {
				return nil, stats, errs.New(errs.EncryptedStoreRequiresKey, "capturestore: %q contains encrypted lines but no key was supplied", path)
			}
			ciphertext, err := base64.RawURLEncoding.DecodeString(line[len(encPrefix):])
			if err != nil {
				stats.CorruptLines++
				continue
			}
			plaintext, err = cryptostore.Decrypt(ciphertext, key)
			if err != nil {
				stats.CorruptLines++
				continue
			}
		} else {
			plaintext = []byte(line)
		}

		var record CaptureRecord
		if err := json.Unmarshal(plaintext, &record); err != nil {
			stats.CorruptLines++
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, stats, errs.Wrap(errs.Transient, err, "capturestore: scan %q", path)
	}
	return records, stats, nil
}

// Selector names the filters Select applies, in the order spec.md §4.C
// describes: substring match on URL, exact method, exact resource type.
type Selector struct {
	URLSubstring string
	Method       string
	ResourceType string
	// Index, when non-nil, picks the Nth match (0-based) instead of the
	// last one.
	Index *int
}

// Select applies selector to records in order and returns the chosen
// record. Absent an Index, the last match wins — spec.md §4.C: "the most
// recent observation is most likely to be still-valid auth".
func Select(records []CaptureRecord, selector Selector) (CaptureRecord, bool) {
	var matches []CaptureRecord
	for _, r := range records {
		if selector.URLSubstring != "" && !strings.Contains(r.URL, selector.URLSubstring) {
			continue
		}
		if selector.Method != "" && !strings.EqualFold(r.Method, selector.Method) {
			continue
		}
		if selector.ResourceType != "" && r.ResourceType != selector.ResourceType {
			continue
		}
		matches = append(matches, r)
	}
	if len(matches) == 0 {
		return CaptureRecord{}, false
	}
	if selector.Index != nil {
		if *selector.Index < 0 || *selector.Index >= len(matches) {
			return CaptureRecord{}, false
		}
		return matches[*selector.Index], true
	}
	return matches[len(matches)-1], true
}
