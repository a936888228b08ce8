// Package snapshot writes and restores zstd-compressed copies of the save
// database.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/taproom/savedb/pkg/database"
)

// sqliteMagic starts every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// Info describes a written snapshot.
type Info struct {
	DatabaseBytes   int64 `json:"databaseBytes"`
	CompressedBytes int64 `json:"compressedBytes"`
}

// Write copies a consistent image of db into w. The image is taken with
// VACUUM INTO, so it includes committed data only and may be taken while
// other connections are in use.
func Write(ctx context.Context, db *database.Database, w io.Writer) (Info, error) {
	dir, err := os.MkdirTemp("", "savedb-snapshot-*")
	if err != nil {
		return Info{}, err
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, "snapshot.db")
	if _, err := db.Run(ctx, "VACUUM INTO ?", image); err != nil {
		return Info{}, fmt.Errorf("snapshot: %w", err)
	}

	f, err := os.Open(image)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	counter := &countingWriter{w: w}
	enc, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Info{}, err
	}

	n, err := io.Copy(enc, f)
	if err != nil {
		enc.Close()
		return Info{}, fmt.Errorf("snapshot compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Info{}, fmt.Errorf("snapshot compress: %w", err)
	}

	return Info{DatabaseBytes: n, CompressedBytes: counter.n}, nil
}

// Restore decompresses a snapshot from r into a database file at path,
// replacing any existing file. The database at path must not be open.
func Restore(r io.Reader, path string) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".restore-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, dec)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("snapshot decompress: %w", err)
	}

	if err := checkHeader(tmp.Name()); err != nil {
		return 0, err
	}

	// Stale WAL files would be replayed over the restored image.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}

func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("snapshot: %s is not a SQLite database image", path)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
