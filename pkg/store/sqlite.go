package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/schema"

	_ "modernc.org/sqlite"
)

// SQLite is an embedded kernel. It keeps every contract as a JSON
// payload with indexed identity columns, and answers graph queries by
// evaluating compiled schemas over candidates, materializing the links
// projection from link contracts when the schema asks for it.
type SQLite struct {
	db *sql.DB

	// Serializes check-then-write sequences; the slug+version uniqueness
	// constraint remains the source of truth underneath.
	writeMu sync.Mutex
}

// NewSQLite wraps an open database handle and runs migrations.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (or creates) a SQLite database at path and returns a kernel
// backed by it.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return NewSQLite(db)
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		version TEXT NOT NULL,
		type TEXT NOT NULL,
		active INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		payload JSON NOT NULL,
		UNIQUE (slug, version)
	);
	CREATE INDEX IF NOT EXISTS cards_type ON cards (type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) GetByID(ctx context.Context, session *contracts.Session, id string) (*contracts.Contract, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM cards WHERE id = ?`, id)
	return s.scanVisible(row, session)
}

func (s *SQLite) GetBySlug(ctx context.Context, session *contracts.Session, ref string) (*contracts.Contract, error) {
	parsed, err := contracts.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if !parsed.Latest {
		row := s.db.QueryRowContext(ctx,
			`SELECT payload FROM cards WHERE slug = ? AND version = ?`,
			parsed.Slug, parsed.Version.String())
		return s.scanVisible(row, session)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cards WHERE slug = ?`, parsed.Slug)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var latest *contracts.Contract
	var latestVersion *semver.Version
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		version, err := semver.NewVersion(contract.Version)
		if err != nil {
			continue
		}
		if latestVersion == nil || version.GreaterThan(latestVersion) {
			latest = contract
			latestVersion = version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if latest == nil || !session.CanRead(latest.Markers) {
		return nil, nil
	}
	return latest, nil
}

func (s *SQLite) Insert(ctx context.Context, session *contracts.Session, contract *contracts.Contract) (*contracts.Contract, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := contract.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Version == "" {
		stored.Version = "1.0.0"
	}
	stored.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	stored.Links = nil

	if err := s.write(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLite) Replace(ctx context.Context, session *contracts.Session, contract *contracts.Contract) (*contracts.Contract, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := contract.Clone()
	if stored.Version == "" {
		stored.Version = "1.0.0"
	}
	stored.Links = nil

	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM cards WHERE slug = ? AND version = ?`,
		stored.Slug, stored.Version)
	existing, err := scanContract(row)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Identity and creation time survive a replace.
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		stored.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
		if err := s.update(ctx, stored); err != nil {
			return nil, err
		}
		return stored, nil
	}

	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.write(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLite) Patch(ctx context.Context, session *contracts.Session, ref string, patch []PatchOperation) (*contracts.Contract, error) {
	if len(patch) == 0 {
		// Nothing to do; the pipeline short-circuits on nil.
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.GetBySlug(ctx, session, ref)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, contracts.WrapNoElement("contract", ref)
	}

	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	decoded, err := jsonpatch.DecodePatch(patchRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid patch: %v", contracts.ErrSchemaMismatch, err)
	}
	original, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	patched, err := decoded.Apply(original)
	if err != nil {
		return nil, fmt.Errorf("%w: patch failed: %v", contracts.ErrSchemaMismatch, err)
	}
	if jsonpatch.Equal(original, patched) {
		// The patch changed nothing; skip the write entirely.
		return existing, nil
	}

	var result contracts.Contract
	if err := json.Unmarshal(patched, &result); err != nil {
		return nil, err
	}
	// Identity columns are immutable under patch.
	result.ID = existing.ID
	result.Slug = existing.Slug
	result.Version = existing.Version
	result.CreatedAt = existing.CreatedAt
	result.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	result.Links = nil

	if err := s.update(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *SQLite) Query(ctx context.Context, session *contracts.Session, schemaObject map[string]interface{}, options QueryOptions) ([]*contracts.Contract, error) {
	compiled, err := schema.Compile(schemaObject)
	if err != nil {
		return nil, err
	}
	linkSchemas, hasLinks := schema.Links(schemaObject)

	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var results []*contracts.Contract
	for _, candidate := range all {
		if !session.CanRead(candidate.Markers) {
			continue
		}
		contract := candidate
		if hasLinks {
			augmented, ok := s.materializeLinks(session, all, candidate, linkSchemas)
			if !ok {
				continue
			}
			contract = augmented
		}
		object, err := contract.Map()
		if err != nil {
			return nil, err
		}
		if compiled.Validate(object) != nil {
			continue
		}
		results = append(results, contract)
		if options.Limit > 0 && len(results) == options.Limit {
			break
		}
	}
	return results, nil
}

// materializeLinks populates the links projection required by a $$links
// sub-schema. Every verb must yield at least one linked contract that
// satisfies its sub-schema, else the candidate fails.
func (s *SQLite) materializeLinks(session *contracts.Session, all []*contracts.Contract, candidate *contracts.Contract, linkSchemas map[string]map[string]interface{}) (*contracts.Contract, bool) {
	augmented := candidate.Clone()
	augmented.Links = map[string][]*contracts.Contract{}

	byID := make(map[string]*contracts.Contract, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}

	for verb, subSchema := range linkSchemas {
		compiled, err := schema.Compile(subSchema)
		if err != nil {
			return nil, false
		}
		var matched []*contracts.Contract
		for _, c := range all {
			if c.BaseType() != contracts.TypeLink || !c.Active {
				continue
			}
			edge, err := contracts.EdgeFromContract(c)
			if err != nil {
				continue
			}
			var otherID string
			switch {
			case edge.Name == verb && edge.FromID == candidate.ID:
				otherID = edge.ToID
			case edge.InverseName == verb && edge.ToID == candidate.ID:
				otherID = edge.FromID
			default:
				continue
			}
			other, ok := byID[otherID]
			if !ok || !session.CanRead(other.Markers) {
				continue
			}
			object, err := other.Map()
			if err != nil {
				continue
			}
			if compiled.Validate(object) == nil {
				matched = append(matched, other)
			}
		}
		if len(matched) == 0 {
			return nil, false
		}
		augmented.Links[verb] = matched
	}
	return augmented, true
}

func (s *SQLite) loadAll(ctx context.Context) ([]*contracts.Contract, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cards ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var all []*contracts.Contract
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *SQLite) write(ctx context.Context, contract *contracts.Contract) error {
	payload, err := json.Marshal(contract)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cards (id, slug, version, type, active, created_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contract.ID, contract.Slug, contract.Version, contract.Type,
		boolToInt(contract.Active), contract.CreatedAt, string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", contracts.ErrAlreadyExists, contract.VersionedSlug())
		}
		return fmt.Errorf("failed to insert contract %s: %w", contract.VersionedSlug(), err)
	}
	return nil
}

func (s *SQLite) update(ctx context.Context, contract *contracts.Contract) error {
	payload, err := json.Marshal(contract)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE cards SET type = ?, active = ?, payload = ? WHERE id = ?`,
		contract.Type, boolToInt(contract.Active), string(payload), contract.ID)
	if err != nil {
		return fmt.Errorf("failed to update contract %s: %w", contract.VersionedSlug(), err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*contracts.Contract, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var contract contracts.Contract
	if err := json.Unmarshal([]byte(payload), &contract); err != nil {
		return nil, fmt.Errorf("corrupt contract payload: %w", err)
	}
	return &contract, nil
}

func (s *SQLite) scanVisible(row rowScanner, session *contracts.Session) (*contracts.Contract, error) {
	contract, err := scanContract(row)
	if err != nil || contract == nil {
		return nil, err
	}
	if !session.CanRead(contract.Markers) {
		return nil, nil
	}
	return contract, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
