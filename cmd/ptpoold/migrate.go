package main

import (
	"fmt"
	"io"
	"os"

	bolt "go.etcd.io/bbolt"
)

var storeBuckets = []string{"ports", "instances", "allocations", "cached", "sequences"}

// runMigration backs up the Bolt database, then reports per-bucket key
// counts so an operator can confirm the schema before/after an upgrade.
// There has only ever been one schema version for this store; this is a
// safety inspection tool, following cmd/warren-migrate's backup-then-
// inspect shape rather than a real data transformation.
func runMigration(dbPath string, dryRun bool) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	if !dryRun {
		backupPath := dbPath + ".backup"
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("backing up database: %w", err)
		}
		fmt.Printf("backup written to %s\n", backupPath)
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return db.View(func(tx *bolt.Tx) error {
		for _, name := range storeBuckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				fmt.Printf("%-12s missing\n", name)
				continue
			}
			count := 0
			if err := b.ForEach(func(k, v []byte) error { count++; return nil }); err != nil {
				return err
			}
			fmt.Printf("%-12s %d entries\n", name, count)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
