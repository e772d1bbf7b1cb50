package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_patient_lab_history.sql": {Data: []byte("CREATE TABLE patient_lab_history (patient_id UUID PRIMARY KEY);")},
		"002_lab_ingest_run.sql":      {Data: []byte("CREATE TABLE lab_ingest_run (id UUID PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, fsys, "public").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_patient_lab_history.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if !strings.Contains(migrations[0].SQL, "patient_lab_history") {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys, "public").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsUnrelatedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"001_first.sql":     {Data: []byte("SELECT 1;")},
		"README.md":         {Data: []byte("docs")},
		"notes.sql":         {Data: []byte("SELECT 0;")},
		"abc_bad.sql":       {Data: []byte("SELECT 0;")},
		"sub/003_inner.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys, "public").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Errorf("expected only 001_first.sql, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_first.sql": {Data: []byte("SELECT 1;")},
		"01_again.sql":  {Data: []byte("SELECT 1;")},
	}

	if _, err := NewMigrator(nil, fsys, "public").LoadMigrations(); err == nil {
		t.Error("expected an error for duplicate versions")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations(), "public").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) < 1 {
		t.Fatal("expected embedded migrations")
	}
	if !strings.Contains(migrations[0].SQL, "patient_lab_history") {
		t.Errorf("expected first migration to create patient_lab_history")
	}
}

func TestStatusOf(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_first.sql"},
		{Version: 2, Name: "002_second.sql"},
	}
	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	statuses := statusOf(migrations, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}

func TestValidSchema(t *testing.T) {
	for _, ok := range []string{"public", "labchart", "tenant_01", "_private"} {
		if !ValidSchema(ok) {
			t.Errorf("expected %q to be valid", ok)
		}
	}
	for _, bad := range []string{"", "1abc", "lab-chart", "public; DROP TABLE x", "a b"} {
		if ValidSchema(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
