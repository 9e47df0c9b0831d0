package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/wnm", "wnm data directory")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migration (default: <data-dir>/wnm.db.backup)")
)

var bucketMachine = []byte("machine")
var machineKey = []byte("1")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("wnm store schema migration tool")
	log.Println("================================")

	dbPath := filepath.Join(*dataDir, "wnm.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := backfillRemovalStrategy(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
	} else {
		log.Println("migration completed successfully")
	}
}

// backfillRemovalStrategy rewrites the Machine row's node_removal_strategy
// field from "" to "youngest" when absent, the way the legacy tool's
// own schema migrations added a column with a server-side default: rows
// written before this field existed decode with the Go zero value, and
// this migration makes that default explicit on disk instead of leaving
// it implicit in application code.
func backfillRemovalStrategy(db *bolt.DB, dryRun bool) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachine)
		if b == nil {
			log.Println("no machine bucket found, nothing to migrate")
			return nil
		}
		data := b.Get(machineKey)
		if data == nil {
			log.Println("no machine row found, nothing to migrate")
			return nil
		}

		var row map[string]interface{}
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("decoding machine row: %w", err)
		}

		strategy, _ := row["NodeRemovalStrategy"].(string)
		if strategy != "" {
			log.Printf("node_removal_strategy already set to %q, nothing to do", strategy)
			return nil
		}

		log.Println("backfilling node_removal_strategy: \"\" -> \"youngest\"")
		if dryRun {
			return nil
		}

		row["NodeRemovalStrategy"] = "youngest"
		updated, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding machine row: %w", err)
		}
		return b.Put(machineKey, updated)
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
