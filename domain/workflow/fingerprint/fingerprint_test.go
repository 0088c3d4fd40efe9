package fingerprint

import "testing"

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{
		10:      "10.00",
		10.5:    "10.50",
		10.125:  "10.12",
		0:       "0.00",
		-3.456:  "-3.46",
	}
	for in, want := range cases {
		if got := FormatFloat(in); got != want {
			t.Errorf("FormatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestEntryHash_Deterministic(t *testing.T) {
	a := EntryHash("01/2023", "12/2025", "15/09/2025", "qr")
	b := EntryHash("01/2023", "12/2025", "15/09/2025", "qr")
	if a != b {
		t.Fatalf("expected stable hash, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(a))
	}
}

func TestEntryHash_FieldOrderMatters(t *testing.T) {
	a := EntryHash("a", "b")
	b := EntryHash("b", "a")
	if a == b {
		t.Fatalf("expected different hashes for different field order")
	}
}

func TestWorkflowHash_SortsEntryForms(t *testing.T) {
	forms := []string{"zzz", "aaa", "mmm"}
	a := WorkflowHash("cred-1", forms)

	reordered := []string{"mmm", "zzz", "aaa"}
	b := WorkflowHash("cred-1", reordered)

	if a != b {
		t.Fatalf("expected sort-insensitive workflow hash, got %q != %q", a, b)
	}
}

func TestWorkflowHash_CredentialsIDMatters(t *testing.T) {
	forms := []string{"entry-1"}
	a := WorkflowHash("cred-1", forms)
	b := WorkflowHash("cred-2", forms)
	if a == b {
		t.Fatalf("expected different hashes for different credentials id")
	}
}
