package queryplan

import (
	"fmt"
	"testing"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

func sampleRows() []Row {
	return []Row{
		{"tenant_id": attr.String("tenant-a"), "status": attr.String("open"), "priority": attr.Number(1), "reported_by": attr.String("user-7"), "urgent": attr.Bool(true), "assignees": attr.StringList("user-1")},
		{"tenant_id": attr.String("tenant-a"), "status": attr.String("closed"), "priority": attr.Number(5), "reported_by": attr.String("user-1"), "urgent": attr.Bool(false), "assignees": attr.StringList()},
		{"tenant_id": attr.String("tenant-a"), "status": attr.String("in_progress"), "assignees": attr.StringList("user-7", "user-2")},
		{"tenant_id": attr.String("tenant-b"), "status": attr.String("open"), "priority": attr.Number(2.5), "reported_by": attr.String("user-7")},
		{"tenant_id": attr.String("tenant-b"), "urgent": attr.Bool(true)},
		{},
	}
}

func samplePlans() []Plan {
	return []Plan{
		AlwaysAllow(),
		AlwaysDeny(),
		Conditional(Eq("status", attr.String("open"))),
		Conditional(Ne("status", attr.String("open"))),
		Conditional(Not(Eq("status", attr.String("open")))),
		Conditional(Not(Ne("priority", attr.Number(5)))),
		Conditional(In("status", "open", "in_progress")),
		Conditional(Not(In("status", "closed"))),
		Conditional(In("status")),
		Conditional(EqSubject("reported_by")),
		Conditional(RelationHasSubject("assignees")),
		Conditional(RelationExists("assignees", attr.Value{})),
		Conditional(RelationExists("assignees", attr.String("user-2"))),
		Conditional(Ne("assignees", attr.String("user-1"))),
		Conditional(In("assignees", "user-2", "user-9")),
		Conditional(Eq("urgent", attr.Bool(true))),
		Conditional(Eq("priority", attr.String("1"))),
		Conditional(Or(EqSubject("reported_by"), RelationHasSubject("assignees"))),
		Conditional(And(Eq("urgent", attr.Bool(true)), Not(Or(Eq("status", attr.String("closed")), In("priority"))))),
		Conditional(And()),
		Conditional(Or()),
	}
}

func TestRowFilter_AgreesWithInterpreter(t *testing.T) {
	m := workOrderMapping()
	for i, p := range samplePlans() {
		for _, subject := range []string{"user-7", "user-2"} {
			rf, err := NewRowFilter(p, m, RowFilterOptions{SubjectID: subject})
			if err != nil {
				t.Fatalf("plan[%d]=%s err=%v", i, p, err)
			}
			for j, row := range sampleRows() {
				got, err := rf.Match(row)
				if err != nil {
					t.Fatalf("plan[%d]=%s row[%d] err=%v src=%s", i, p, j, err, rf.Source())
				}
				if want := p.Evaluate(row, subject); got != want {
					t.Fatalf("plan[%d]=%s row[%d] subject=%s got=%v want=%v src=%s", i, p, j, subject, got, want, rf.Source())
				}
			}
		}
	}
}

func TestRowFilter_TenantScopeIsDisjoint(t *testing.T) {
	m := workOrderMapping()
	for i, p := range samplePlans() {
		rfA, err := NewRowFilter(p, m, RowFilterOptions{SubjectID: "user-7", TenantID: "tenant-a"})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		rfB, err := NewRowFilter(p, m, RowFilterOptions{SubjectID: "user-7", TenantID: "tenant-b"})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		for j, row := range sampleRows() {
			a, _ := rfA.Match(row)
			b, _ := rfB.Match(row)
			if a && b {
				t.Fatalf("plan[%d] row[%d] admitted by both tenants", i, j)
			}
			if a && !row["tenant_id"].Equal(attr.String("tenant-a")) {
				t.Fatalf("plan[%d] row[%d] leaked into tenant-a", i, j)
			}
		}
	}
}

func TestRowFilter_FailsClosed(t *testing.T) {
	m := workOrderMapping()
	rf, err := NewRowFilter(Conditional(Or(Eq("status", attr.String("open")), Eq("secretField", attr.String("x")))), m, RowFilterOptions{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if rf.Kind() != MatchNone || len(rf.Diagnostics()) != 1 || rf.Diagnostics()[0].Attribute != "secretField" {
		t.Fatalf("kind=%v diags=%v", rf.Kind(), rf.Diagnostics())
	}
	for _, row := range sampleRows() {
		if ok, _ := rf.Match(row); ok {
			t.Fatalf("row=%v matched", row)
		}
	}

	for _, p := range []Plan{
		Conditional(Or(Not(In("status")), Eq("secretField", attr.String("x")))),
		Conditional(And(In("status"), Eq("secretField", attr.String("x")))),
	} {
		rf, err = NewRowFilter(p, m, RowFilterOptions{TenantID: "tenant-a"})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if rf.Kind() != MatchNone || len(rf.Diagnostics()) != 1 || rf.Diagnostics()[0].Attribute != "secretField" {
			t.Fatalf("plan=%s kind=%v diags=%v", p, rf.Kind(), rf.Diagnostics())
		}
	}

	rf, err = NewRowFilter(Conditional(RelationExists("status", attr.Value{})), m, RowFilterOptions{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if rf.Kind() != MatchNone {
		t.Fatalf("kind=%v", rf.Kind())
	}
}

func TestRowFilter_MatchesCompileKinds(t *testing.T) {
	m := workOrderMapping()
	for i, p := range samplePlans() {
		rf, err := NewRowFilter(p, m, RowFilterOptions{})
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		f := Compile(p, m, CompileOptions{Table: "work_orders"})
		if rf.Kind() != f.Kind {
			t.Fatalf("plan[%d]=%s cel=%v sql=%v", i, p, rf.Kind(), f.Kind)
		}
	}
}

func TestRowFilter_NumberLiterals(t *testing.T) {
	m := Mapping{"n": Column("n")}
	for _, n := range []float64{0, 3, -2, 2.5, 1e21} {
		p := Conditional(Eq("n", attr.Number(n)))
		rf, err := NewRowFilter(p, m, RowFilterOptions{})
		if err != nil {
			t.Fatalf("n=%v err=%v", n, err)
		}
		ok, err := rf.Match(Row{"n": attr.Number(n)})
		if err != nil || !ok {
			t.Fatalf("n=%v ok=%v err=%v src=%s", n, ok, err, rf.Source())
		}
	}
}

func TestRowFilter_StringEscaping(t *testing.T) {
	m := Mapping{"s": Column("s")}
	for _, s := range []string{`a"b`, `back\slash`, "new\nline", "ünï"} {
		rf, err := NewRowFilter(Conditional(Eq("s", attr.String(s))), m, RowFilterOptions{})
		if err != nil {
			t.Fatalf("s=%q err=%v", s, err)
		}
		ok, err := rf.Match(Row{"s": attr.String(s)})
		if err != nil || !ok {
			t.Fatalf("s=%q ok=%v err=%v src=%s", s, ok, err, rf.Source())
		}
	}
}

func ExampleNewRowFilter() {
	p := Conditional(EqSubject("reported_by"))
	rf, _ := NewRowFilter(p, Mapping{"reported_by": Column("reported_by")}, RowFilterOptions{SubjectID: "user-7"})
	ok, _ := rf.Match(Row{"reported_by": attr.String("user-7")})
	fmt.Println(ok)
	// Output: true
}
