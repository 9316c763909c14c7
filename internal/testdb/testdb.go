// Package testdb builds the in-memory sqlite database and seed rows the
// service tests share.
package testdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	prepareSchema(t, db)
	return db
}

func MustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// SeedSchool inserts a tenant accepting USD and ZWL with cash, ecocash
// (paynow) and card (stripe) methods.
func SeedSchool(t *testing.T, db *gorm.DB, node *snowflake.Node) snowflake.ID {
	t.Helper()

	schoolID := node.Generate()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO schools (id, name, currencies, invoice_prefix, phone_country_code, gateway_grace_minutes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		schoolID, "Test High", `["USD","ZWL"]`, "INV", "263", 30, now, now,
	).Error; err != nil {
		t.Fatalf("seed school: %v", err)
	}

	methods := []struct {
		code, provider             string
		requiresRef, requiresPhone bool
	}{
		{"cash", "", false, false},
		{"bank_transfer", "", true, false},
		{"ecocash", "paynow", false, true},
		{"card", "stripe", false, false},
	}
	for _, m := range methods {
		if err := db.Exec(
			`INSERT INTO payment_method_configs (id, school_id, code, provider, fee_basis_points, requires_reference, requires_phone, is_active, created_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, 1, ?)`,
			node.Generate(), schoolID, m.code, m.provider, m.requiresRef, m.requiresPhone, now,
		).Error; err != nil {
			t.Fatalf("seed method %s: %v", m.code, err)
		}
	}
	return schoolID
}

func SeedStudent(t *testing.T, db *gorm.DB, node *snowflake.Node, schoolID snowflake.ID, grade string) snowflake.ID {
	t.Helper()

	studentID := node.Generate()
	if err := db.Exec(
		`INSERT INTO students (id, school_id, full_name, grade_level, active) VALUES (?, ?, ?, ?, 1)`,
		studentID, schoolID, "Student "+studentID.String(), grade,
	).Error; err != nil {
		t.Fatalf("seed student: %v", err)
	}
	return studentID
}

func prepareSchema(t *testing.T, db *gorm.DB) {
	t.Helper()

	statements := []string{
		`CREATE TABLE schools (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			currencies JSON NOT NULL DEFAULT '[]',
			invoice_prefix TEXT NOT NULL DEFAULT 'INV',
			phone_country_code TEXT NOT NULL DEFAULT '263',
			gateway_grace_minutes INTEGER NOT NULL DEFAULT 30,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_method_configs (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			code TEXT NOT NULL,
			provider TEXT,
			fee_basis_points BIGINT NOT NULL DEFAULT 0,
			requires_reference BOOLEAN NOT NULL DEFAULT 0,
			requires_phone BOOLEAN NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_method_school_code ON payment_method_configs (school_id, code)`,
		`CREATE TABLE students (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			full_name TEXT NOT NULL,
			grade_level TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE fee_categories (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			code TEXT NOT NULL,
			name TEXT NOT NULL,
			mandatory BOOLEAN NOT NULL DEFAULT 0,
			refundable BOOLEAN NOT NULL DEFAULT 0,
			allow_partial BOOLEAN NOT NULL DEFAULT 1,
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_fee_category_code ON fee_categories (school_id, code)`,
		`CREATE TABLE fee_structures (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			academic_year_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			currency TEXT NOT NULL,
			grade_levels JSON NOT NULL DEFAULT '[]',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			effective_from DATETIME NOT NULL,
			effective_to DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fee_structure_items (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			fee_structure_id BIGINT NOT NULL,
			category_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			frequency TEXT NOT NULL,
			installments INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE invoices (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			student_id BIGINT NOT NULL,
			academic_year_id BIGINT,
			term TEXT,
			number TEXT NOT NULL,
			currency TEXT NOT NULL,
			subtotal BIGINT NOT NULL DEFAULT 0,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			total_amount BIGINT NOT NULL DEFAULT 0,
			paid_amount BIGINT NOT NULL DEFAULT 0,
			due_date DATETIME NOT NULL,
			voided BOOLEAN NOT NULL DEFAULT 0,
			fee_structure_id BIGINT,
			billing_period TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_invoice_number ON invoices (school_id, number)`,
		`CREATE TABLE invoice_lines (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			invoice_id BIGINT NOT NULL,
			category_id BIGINT,
			description TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			unit_amount BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE invoice_sequences (
			school_id BIGINT PRIMARY KEY,
			next BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			student_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			method TEXT NOT NULL,
			provider TEXT,
			payer_phone TEXT,
			external_ref TEXT,
			provider_ref TEXT,
			poll_ref TEXT,
			idempotency_token TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT,
			reconciled BOOLEAN NOT NULL DEFAULT 0,
			reconciled_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_allocations (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			payment_id BIGINT NOT NULL,
			invoice_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE gateway_provider_configs (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			config JSON NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_provider_config ON gateway_provider_configs (school_id, provider)`,
		`CREATE TABLE gateway_events (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			payment_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSON NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_gateway_event ON gateway_events (provider, provider_event_id)`,
		`CREATE TABLE audit_logs (
			id BIGINT PRIMARY KEY,
			school_id BIGINT NOT NULL,
			actor_type TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}
