package reducedb

import (
	"fmt"
	"log"
	"os"
)

// RunMigrateCommand dispatches one '-migrate' action against the
// database at dbPath. Failures are fatal, so this is only called from
// main.
func RunMigrateCommand(action string, args []string, dbPath, migrationsDir string) {
	if action == "help" {
		PrintMigrateHelp()
		return
	}

	// Open without touching the schema; on this path the migrations
	// own it.
	db, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	switch action {
	case "up":
		handleMigrateUp(db, migrationsDir)

	case "down":
		handleMigrateDown(db, migrationsDir)

	case "status":
		handleMigrateStatus(db, migrationsDir)

	case "to":
		if len(args) < 1 {
			log.Fatal("Usage: reduce -migrate to <version_number>")
		}
		handleMigrateTo(db, migrationsDir, args[0])

	case "force":
		if len(args) < 1 {
			log.Fatal("Usage: reduce -migrate force <version_number>")
		}
		handleMigrateForce(db, migrationsDir, args[0])

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

// handleMigrateUp applies all pending migrations
func handleMigrateUp(db *DB, migrationsDir string) {
	log.Printf("Running migrations...")
	if err := db.MigrateUp(migrationsDir); err != nil {
		log.Fatalf("Migration up failed: %v", err)
	}
	log.Println("✓ All migrations applied successfully")

	version, dirty, _ := db.MigrateVersion(migrationsDir)
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

// handleMigrateDown rolls back one migration
func handleMigrateDown(db *DB, migrationsDir string) {
	log.Printf("Rolling back one migration...")
	if err := db.MigrateDown(migrationsDir); err != nil {
		log.Fatalf("Migration down failed: %v", err)
	}
	log.Println("✓ Migration rolled back successfully")

	version, dirty, _ := db.MigrateVersion(migrationsDir)
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

// handleMigrateStatus displays the current migration status
func handleMigrateStatus(db *DB, migrationsDir string) {
	version, dirty, err := db.MigrateVersion(migrationsDir)
	if err != nil {
		log.Fatalf("Failed to get migration status: %v", err)
	}

	latest, err := GetLatestMigrationVersion(migrationsDir)
	if err != nil {
		log.Fatalf("Failed to scan migrations: %v", err)
	}

	fmt.Println("=== Migration Status ===")
	fmt.Printf("Current version: %d\n", version)
	fmt.Printf("Latest available: %d\n", latest)
	fmt.Printf("Dirty: %v\n", dirty)

	if dirty {
		fmt.Println("\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Println("A migration failed mid-execution. You may need to:")
		fmt.Println("  1. Inspect the database manually")
		fmt.Println("  2. Fix any issues")
		fmt.Println("  3. Run: reduce -migrate force <version>")
	} else if version < latest {
		fmt.Printf("\n%d migration(s) pending; run: reduce -migrate up\n", latest-version)
	}
}

// handleMigrateTo migrates up or down to a specific version
func handleMigrateTo(db *DB, migrationsDir, versionStr string) {
	var targetVersion uint
	if _, err := fmt.Sscanf(versionStr, "%d", &targetVersion); err != nil {
		log.Fatalf("Invalid version number: %s", versionStr)
	}

	log.Printf("Migrating to version %d...", targetVersion)
	if err := db.MigrateTo(migrationsDir, targetVersion); err != nil {
		log.Fatalf("Migration to version %d failed: %v", targetVersion, err)
	}
	log.Printf("✓ Migrated to version %d", targetVersion)
}

// handleMigrateForce overwrites the recorded version (recovery tool)
func handleMigrateForce(db *DB, migrationsDir, versionStr string) {
	var targetVersion int
	if _, err := fmt.Sscanf(versionStr, "%d", &targetVersion); err != nil {
		log.Fatalf("Invalid version number: %s", versionStr)
	}

	log.Printf("Forcing migration version to %d...", targetVersion)
	if err := db.MigrateForce(migrationsDir, targetVersion); err != nil {
		log.Fatalf("Force to version %d failed: %v", targetVersion, err)
	}
	log.Printf("✓ Version forced to %d (no SQL was run)", targetVersion)
}

// PrintMigrateHelp displays the help message for the migrate actions
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: reduce -db <file> -migrate <action> [version]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  to <N>          Migrate up or down to version N")
	fmt.Println("  force <N>       Force the recorded version to N (recovery only)")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  reduce -db photometry.db -migrate up")
	fmt.Println("  reduce -db photometry.db -migrate status")
	fmt.Println("  reduce -db photometry.db -migrate to 1")
	fmt.Println("  reduce -db photometry.db -migrate force 2")
}
