// Command migrate applies the BigQuery DDL in migrations/bigquery in version
// order and records each one in schema_migrations.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/fare-ledger/internal/config"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"google.golang.org/api/iterator"
)

// Migration is one migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Migration files are named 0001_name.sql.
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	projectID := flag.String("project", cfg.GCP.ProjectID, "GCP project ID")
	datasetID := flag.String("dataset", cfg.GCP.Dataset, "BigQuery dataset ID")
	appliedBy := flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir := flag.String("migrations", "migrations/bigquery", "Path to migrations directory")
	dryRun := flag.Bool("dry-run", false, "List pending migrations without applying them")
	flag.Parse()

	log := logger.NewWithOptions(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	ctx := logger.WithContext(context.Background(), log)

	if *projectID == "" {
		log.Fatal().Msg("-project flag or gcp.project_id is required")
	}

	migrations, err := readMigrations(os.DirFS(*migrationsDir), *projectID, *datasetID)
	if err != nil {
		log.Fatal().Err(err).Str("dir", *migrationsDir).Msg("failed to read migrations")
	}
	log.Info().Int("count", len(migrations)).Msg("found migration files")

	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create BigQuery client")
	}
	defer client.Close()

	m := &migrator{client: client, projectID: *projectID, datasetID: *datasetID, appliedBy: *appliedBy}

	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema_migrations table")
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read applied migrations")
	}

	for _, am := range applied {
		for _, mig := range migrations {
			if mig.Version == am.Version && am.Checksum != "" && mig.Checksum != am.Checksum {
				log.Warn().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration file has changed since it ran")
			}
		}
	}

	pending := pendingMigrations(migrations, applied)
	if len(pending) == 0 {
		log.Info().Msg("no new migrations to apply, dataset is up to date")
		return
	}

	for _, mig := range pending {
		l := log.With().Int("version", mig.Version).Str("name", mig.Name).Logger()
		if *dryRun {
			l.Info().Msg("pending")
			continue
		}
		l.Info().Msg("applying")
		if err := m.exec(ctx, mig.SQL, nil); err != nil {
			l.Fatal().Err(err).Msg("migration failed")
		}
		if err := m.record(ctx, mig); err != nil {
			l.Fatal().Err(err).Msg("recording migration failed")
		}
	}
	if !*dryRun {
		log.Info().Int("applied", len(pending)).Msg("migrations applied")
	}
}

// readMigrations loads every migration file in fsys, substituting the
// {{PROJECT_ID}} and {{DATASET_ID}} placeholders. The checksum is taken
// before substitution so it tracks the migration, not its target.
func readMigrations(fsys fs.FS, projectID, datasetID string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("readMigrations: reading directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matches := migrationPattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("readMigrations: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("readMigrations: reading %s: %w", e.Name(), err)
		}
		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// pendingMigrations returns the migrations not yet recorded, in order.
func pendingMigrations(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}
	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

type migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	appliedBy string
}

func (m *migrator) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", m.projectID, m.datasetID)
}

func (m *migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

func (m *migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	return m.exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, m.table()), nil)
}

func (m *migrator) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	it, err := m.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, m.table())).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (m *migrator) record(ctx context.Context, mig Migration) error {
	return m.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, m.table()), []bigquery.QueryParameter{
		{Name: "version", Value: mig.Version},
		{Name: "name", Value: mig.Name},
		{Name: "checksum", Value: mig.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}
