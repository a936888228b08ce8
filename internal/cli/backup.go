package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/taproom/savedb/pkg/core/snapshot"
)

// Backup writes a compressed snapshot of the save database to target.
func Backup(ctx context.Context, configPath, target string, out io.Writer) error {
	_, db, err := openDatabase(ctx, configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(target)
	if err != nil {
		return err
	}

	info, err := snapshot.Write(ctx, db, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return err
	}

	fmt.Fprintf(out, "✓ Wrote %s (%d bytes, %d compressed)\n", target, info.DatabaseBytes, info.CompressedBytes)
	return nil
}

// Restore replaces the save database with the snapshot at source. Nothing
// else may have the database open.
func Restore(configPath, source string, out io.Writer) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := snapshot.Restore(f, config.Database.Path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Restored %s (%d bytes)\n", config.Database.Path, n)
	return nil
}
