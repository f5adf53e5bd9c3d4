package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot layout, after the ASCII magic "REDIS0009":
//
//	u64 num_strings
//	  per entry: key | value (each u64 length prefix + raw bytes) | i64 expiration ms (-1 = none)
//	u64 num_lists
//	  per entry: key | u64 num_elements | elements | i64 expiration ms
//	0xFF terminator
//
// An empty keyspace is the magic followed directly by the terminator.
// Integers are big-endian.
const snapshotMagic = "REDIS0009"

const snapshotEOF = 0xFF

// ErrBadSnapshot is malformed snapshot input. Loading aborts and the
// keyspace is left empty.
var ErrBadSnapshot = errors.New("malformed snapshot")

// SaveTo serialises the keyspace into w.
func (ks *Keyspace) SaveTo(w io.Writer) error {
	strs, lists, exps := ks.dump()

	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return err
	}
	if len(strs) == 0 && len(lists) == 0 {
		_, err := w.Write([]byte{snapshotEOF})
		return err
	}

	if err := writeU64(w, uint64(len(strs))); err != nil {
		return err
	}
	for k, v := range strs {
		if err := writeBlob(w, k); err != nil {
			return err
		}
		if err := writeBlob(w, v); err != nil {
			return err
		}
		if err := writeI64(w, expiration(exps, k)); err != nil {
			return err
		}
	}

	if err := writeU64(w, uint64(len(lists))); err != nil {
		return err
	}
	for k, elems := range lists {
		if err := writeBlob(w, k); err != nil {
			return err
		}
		if err := writeU64(w, uint64(len(elems))); err != nil {
			return err
		}
		for _, e := range elems {
			if err := writeBlob(w, e); err != nil {
				return err
			}
		}
		if err := writeI64(w, expiration(exps, k)); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte{snapshotEOF})
	return err
}

// Save writes the snapshot to path atomically: a temp file in the same
// directory, then a rename over the target.
func (ks *Keyspace) Save(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".rdb-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	err = ks.SaveTo(f)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// SnapshotBytes is the snapshot as a byte slice, for shipping over the
// wire during a full resync.
func (ks *Keyspace) SnapshotBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := ks.SaveTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadFrom clears the keyspace then reads entries from r. On malformed
// input it returns ErrBadSnapshot and the keyspace stays empty.
func (ks *Keyspace) LoadFrom(r io.Reader) error {
	ks.install(map[string]string{}, map[string][]string{}, map[string]int64{})

	br := bufio.NewReader(r)
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("%w: missing magic: %v", ErrBadSnapshot, err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadSnapshot, magic)
	}

	b, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: truncated after magic", ErrBadSnapshot)
	}
	if b == snapshotEOF {
		return nil
	}
	if err := br.UnreadByte(); err != nil {
		return err
	}

	strs := map[string]string{}
	lists := map[string][]string{}
	exps := map[string]int64{}

	numStrings, err := readU64(br)
	if err != nil {
		return fmt.Errorf("%w: string count: %v", ErrBadSnapshot, err)
	}
	for i := uint64(0); i < numStrings; i++ {
		key, err := readBlob(br)
		if err != nil {
			return fmt.Errorf("%w: string key: %v", ErrBadSnapshot, err)
		}
		value, err := readBlob(br)
		if err != nil {
			return fmt.Errorf("%w: string value: %v", ErrBadSnapshot, err)
		}
		deadline, err := readI64(br)
		if err != nil {
			return fmt.Errorf("%w: string expiration: %v", ErrBadSnapshot, err)
		}
		strs[key] = value
		if deadline != NoExpiration {
			exps[key] = deadline
		}
	}

	numLists, err := readU64(br)
	if err != nil {
		return fmt.Errorf("%w: list count: %v", ErrBadSnapshot, err)
	}
	for i := uint64(0); i < numLists; i++ {
		key, err := readBlob(br)
		if err != nil {
			return fmt.Errorf("%w: list key: %v", ErrBadSnapshot, err)
		}
		numElems, err := readU64(br)
		if err != nil {
			return fmt.Errorf("%w: element count: %v", ErrBadSnapshot, err)
		}
		elems := make([]string, 0, numElems)
		for j := uint64(0); j < numElems; j++ {
			e, err := readBlob(br)
			if err != nil {
				return fmt.Errorf("%w: list element: %v", ErrBadSnapshot, err)
			}
			elems = append(elems, e)
		}
		deadline, err := readI64(br)
		if err != nil {
			return fmt.Errorf("%w: list expiration: %v", ErrBadSnapshot, err)
		}
		if _, dup := strs[key]; dup {
			return fmt.Errorf("%w: key %q present in both tables", ErrBadSnapshot, key)
		}
		lists[key] = elems
		if deadline != NoExpiration {
			exps[key] = deadline
		}
	}

	if b, err = br.ReadByte(); err != nil || b != snapshotEOF {
		return fmt.Errorf("%w: missing terminator", ErrBadSnapshot)
	}

	ks.install(strs, lists, exps)
	return nil
}

// Load reads the snapshot at path into the keyspace.
func (ks *Keyspace) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ks.LoadFrom(f)
}

func expiration(exps map[string]int64, key string) int64 {
	if deadline, ok := exps[key]; ok {
		return deadline
	}
	return NoExpiration
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func writeBlob(w io.Writer, s string) error {
	if err := writeU64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

const maxBlobLen = 512 << 20

func readBlob(r io.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	if n > maxBlobLen {
		return "", fmt.Errorf("blob length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
