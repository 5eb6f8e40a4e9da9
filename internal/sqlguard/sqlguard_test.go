package sqlguard

import (
	"strings"
	"testing"
)

func TestValidate_RejectsMutatingKeywords(t *testing.T) {
	t.Parallel()

	cases := []string{
		"SELECT * FROM facturas; DROP TABLE facturas;",
		"select * from ventas where 1=1; delete from ventas",
		"SELECT * FROM facturas WHERE id IN (SELECT id FROM facturas); UPDATE facturas SET x=1",
		"SELECT * FROM uploads; iNsErT INTO uploads VALUES (1)",
		"SELECT * FROM facturas;TRUNCATE facturas",
		"SELECT * FROM ventas; EXECUTE evil()",
	}
	for _, q := range cases {
		ok, reason := Validate(q)
		if ok {
			t.Fatalf("Validate(%q) accepted, want rejection", q)
		}
		if reason == "" {
			t.Fatalf("Validate(%q) returned empty reason", q)
		}
	}
}

func TestValidate_RejectsNonSelect(t *testing.T) {
	t.Parallel()

	ok, _ := Validate("UPDATE facturas SET proveedor = 'x'")
	if ok {
		t.Fatalf("non-SELECT statement accepted")
	}
	ok, _ = Validate("  ")
	if ok {
		t.Fatalf("empty statement accepted")
	}
}

func TestValidate_TableWhitelist(t *testing.T) {
	t.Parallel()

	ok, reason := Validate("SELECT * FROM usuarios WHERE id = 1")
	if ok {
		t.Fatalf("query on non-whitelisted table accepted")
	}
	if !strings.Contains(reason, "usuarios") {
		t.Fatalf("reason=%q, want table name mentioned", reason)
	}

	for _, table := range []string{"facturas", "ventas", "facturas_generadas", "uploads"} {
		ok, reason := Validate("SELECT * FROM " + table)
		if !ok {
			t.Fatalf("Validate on whitelisted table %q rejected: %s", table, reason)
		}
	}
}

func TestEnsureRowLimit(t *testing.T) {
	t.Parallel()

	got := EnsureRowLimit("SELECT * FROM facturas", 0)
	if got != "SELECT * FROM facturas LIMIT 1000" {
		t.Fatalf("EnsureRowLimit=%q", got)
	}
	// Already limited: unchanged.
	in := "SELECT * FROM facturas LIMIT 50"
	if got := EnsureRowLimit(in, 0); got != in {
		t.Fatalf("EnsureRowLimit re-applied: %q", got)
	}
	// Trailing semicolon is dropped before appending.
	got = EnsureRowLimit("SELECT * FROM ventas;", 10)
	if got != "SELECT * FROM ventas LIMIT 10" {
		t.Fatalf("EnsureRowLimit=%q", got)
	}
}

func TestAddUserFilter_CreatesWhere(t *testing.T) {
	t.Parallel()

	got := AddUserFilter("SELECT * FROM uploads LIMIT 1000", "u1", "uploads")
	want := "SELECT * FROM uploads WHERE user_id = 'u1' LIMIT 1000"
	if got != want {
		t.Fatalf("AddUserFilter=%q, want %q", got, want)
	}
}

func TestAddUserFilter_ConjoinsExistingWhere(t *testing.T) {
	t.Parallel()

	got := AddUserFilter("SELECT * FROM facturas_generadas WHERE estado = 'ok' ORDER BY fecha", "u1", "facturas_generadas")
	if !strings.Contains(got, "estado = 'ok' AND created_by = 'u1'") {
		t.Fatalf("AddUserFilter=%q, want AND-conjoined filter", got)
	}
	if !strings.Contains(got, "ORDER BY fecha") {
		t.Fatalf("AddUserFilter=%q, dropped ORDER BY", got)
	}
	if strings.Index(got, "created_by") > strings.Index(got, "ORDER BY") {
		t.Fatalf("AddUserFilter=%q, filter placed after ORDER BY", got)
	}
}

func TestAddUserFilter_SkipsUnscopedTables(t *testing.T) {
	t.Parallel()

	in := "SELECT * FROM facturas WHERE proveedor = 'Meta'"
	if got := AddUserFilter(in, "u1", "facturas"); got != in {
		t.Fatalf("AddUserFilter modified unscoped table query: %q", got)
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	t.Parallel()

	first, ok, reason := Rewrite("SELECT * FROM uploads", "u1")
	if !ok {
		t.Fatalf("Rewrite rejected: %s", reason)
	}
	second, ok, reason := Rewrite(first, "u1")
	if !ok {
		t.Fatalf("Rewrite of rewritten query rejected: %s", reason)
	}
	if second != first {
		t.Fatalf("Rewrite not idempotent:\nfirst:  %q\nsecond: %q", first, second)
	}
	if strings.Count(second, "LIMIT") != 1 {
		t.Fatalf("row limit injected twice: %q", second)
	}
	if strings.Count(second, "user_id = 'u1'") != 1 {
		t.Fatalf("tenant filter injected twice: %q", second)
	}
}

func TestRewrite_EscapesUserID(t *testing.T) {
	t.Parallel()

	got, ok, _ := Rewrite("SELECT * FROM uploads", "o'brien")
	if !ok {
		t.Fatalf("Rewrite rejected")
	}
	if !strings.Contains(got, "user_id = 'o''brien'") {
		t.Fatalf("Rewrite=%q, want escaped literal", got)
	}
}
