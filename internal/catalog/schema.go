// Package catalog provides the persisted partitioning catalog: relations,
// their attributes, inheritance links, named check constraints and the
// partitioning configuration rows.
package catalog

// The catalog is a SQLite database that serves as the source of truth for
// every process attached to it. Descriptor caches are derived from it and are
// never persisted.

// firstOID is the first identifier handed out to a relation.
const firstOID = 16384

// CreateRelationsTableSQL creates the relations table. AUTOINCREMENT keeps
// identifiers of dropped relations from being reused.
const CreateRelationsTableSQL = `
CREATE TABLE IF NOT EXISTS relations (
    oid INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
)`

// CreateAttributesTableSQL creates the column table.
const CreateAttributesTableSQL = `
CREATE TABLE IF NOT EXISTS attributes (
    relid INTEGER NOT NULL REFERENCES relations(oid) ON DELETE CASCADE,
    attnum INTEGER NOT NULL,
    name TEXT NOT NULL,
    type_id INTEGER NOT NULL,
    PRIMARY KEY (relid, attnum),
    UNIQUE (relid, name)
)`

// CreateInheritsTableSQL creates the inheritance table. A child has at most one parent.
const CreateInheritsTableSQL = `
CREATE TABLE IF NOT EXISTS inherits (
    child INTEGER PRIMARY KEY REFERENCES relations(oid) ON DELETE CASCADE,
    parent INTEGER NOT NULL REFERENCES relations(oid) ON DELETE CASCADE
)`

// CreateConstraintsTableSQL creates the check constraint table.
const CreateConstraintsTableSQL = `
CREATE TABLE IF NOT EXISTS constraints (
    relid INTEGER NOT NULL REFERENCES relations(oid) ON DELETE CASCADE,
    name TEXT NOT NULL,
    definition TEXT NOT NULL,
    PRIMARY KEY (relid, name)
)`

// CreatePartitionConfigTableSQL creates the partitioning configuration table:
// one row per partitioned table.
const CreatePartitionConfigTableSQL = `
CREATE TABLE IF NOT EXISTS partition_config (
    partrel INTEGER PRIMARY KEY REFERENCES relations(oid) ON DELETE CASCADE,
    parttype TEXT NOT NULL CHECK (parttype IN ('HASH', 'RANGE')),
    attname TEXT NOT NULL,
    range_interval TEXT
)`

// CreateIndexesSQL creates secondary indexes.
var CreateIndexesSQL = []string{
	// Children of a parent, in identifier order
	`CREATE INDEX IF NOT EXISTS idx_inherits_parent ON inherits(parent, child)`,
}

// SeedSequenceSQL makes the first relation identifier firstOID.
const SeedSequenceSQL = `
INSERT INTO sqlite_sequence (name, seq)
SELECT 'relations', ? WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'relations')`

// AllSchemaStatements returns the statements that initialize the catalog, in order.
func AllSchemaStatements() []string {
	stmts := []string{
		CreateRelationsTableSQL,
		CreateAttributesTableSQL,
		CreateInheritsTableSQL,
		CreateConstraintsTableSQL,
		CreatePartitionConfigTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
