package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"ocdispatch/internal/progress"
)

func TestIdentity(t *testing.T) {
	id, err := identity([]string{"Térmica", "AES ANDRES", "AES ANDRÉS GN", "2024-05-17T01:00:00"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "fb3f7bf1-8a69-5fed-8c9c-a6079b2f268c" {
		t.Errorf("id = %s", id)
	}
	if _, err := identity([]string{"a", "b", "c"}); err == nil {
		t.Error("expected error for missing argument")
	}
	if _, err := identity([]string{"a", "b", "c", "2024-05-17"}); err == nil {
		t.Error("expected error for date without time")
	}
}

func rawRecord(plant string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"GRUPO":"Térmica","EMPRESA":"AES ANDRES","CENTRAL":%q,"FECHA":"2024-05-17T00:00:00"`, plant)
	for h := 1; h <= 24; h++ {
		fmt.Fprintf(&b, `,"H%d":%d`, h, h)
	}
	b.WriteString("}")
	return b.String()
}

func TestExpandEnvelopeAndArray(t *testing.T) {
	bad := `{"GRUPO":"Térmica","EMPRESA":"AES ANDRES","CENTRAL":"BAD","FECHA":"2024-05-17T00:00:00"}`
	envelope := fmt.Sprintf(`{"GetPostDespacho":[%s,%s,%s,7]}`, rawRecord("A"), bad, rawRecord("A"))

	obs, malformed, err := expand(context.Background(), []byte(envelope), "GetPostDespacho")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 24 {
		t.Errorf("observations = %d, want 24 after dedup", len(obs))
	}
	if len(malformed) != 2 {
		t.Errorf("malformed = %d, want 2", len(malformed))
	}

	array := fmt.Sprintf(`[%s,%s]`, rawRecord("A"), rawRecord("B"))
	obs, _, err = expand(context.Background(), []byte(array), "GetPostDespacho")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 48 {
		t.Errorf("observations = %d, want 48", len(obs))
	}
	if obs[23].Datetime() != "2024-05-18T00:00:00" {
		t.Errorf("H24 datetime = %s", obs[23].Datetime())
	}
}

func TestExpandRejectsBadInput(t *testing.T) {
	if _, _, err := expand(context.Background(), []byte(`{"GetPostDespacho":{}}`), "GetPostDespacho"); err == nil {
		t.Error("expected error when envelope field is not an array")
	}
	if _, _, err := expand(context.Background(), []byte(`nope`), "GetPostDespacho"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestProgressLastAndReset(t *testing.T) {
	ctx := context.Background()
	l, err := progress.NewFileLedger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	for _, d := range []string{"2024-05-17", "2024-05-19", "2024-05-18"} {
		if err := l.MarkCompleted(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := listProgress(ctx, l, false, &buf); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "2024-05-17\n2024-05-18\n2024-05-19\n" {
		t.Errorf("list = %q", got)
	}

	buf.Reset()
	if err := listProgress(ctx, l, true, &buf); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "2024-05-19\n" {
		t.Errorf("last = %q, want 2024-05-19", got)
	}

	buf.Reset()
	if err := resetProgress(l, &buf); err != nil {
		t.Fatalf("resetProgress: %v", err)
	}
	buf.Reset()
	if err := listProgress(ctx, l, false, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("list after reset = %q, want empty", buf.String())
	}
}
