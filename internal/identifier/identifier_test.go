package identifier

import "testing"

func TestDoiShadowRoundTrip(t *testing.T) {
	cases := []string{"doi:10.5060/foo", "doi:10.5555/BAR.1"}
	for _, d := range cases {
		shadow, err := Doi2Shadow(d)
		if err != nil {
			t.Fatalf("Doi2Shadow(%q): %v", d, err)
		}
		back, err := Shadow2Doi(shadow)
		if err != nil {
			t.Fatalf("Shadow2Doi(%q): %v", shadow, err)
		}
		canon, err := ValidateDoi(d)
		if err != nil {
			t.Fatalf("ValidateDoi(%q): %v", d, err)
		}
		if back != "doi:"+canon {
			t.Errorf("round trip mismatch: got %q want %q", back, "doi:"+canon)
		}
	}
}

func TestDoi2ShadowIsValidArk(t *testing.T) {
	shadow, err := Doi2Shadow("doi:10.5060/FOO")
	if err != nil {
		t.Fatal(err)
	}
	if shadow != "ark:/b5060/foo" {
		t.Errorf("got %q want ark:/b5060/foo", shadow)
	}
	if _, err := ValidateArk(shadow); err != nil {
		t.Errorf("shadow %q is not a valid ark: %v", shadow, err)
	}
}

func TestUrnUuid2Shadow(t *testing.T) {
	shadow, err := UrnUuid2Shadow("f81d4fae-7dec-11d0-a765-00a0c91e6bf6")
	if err != nil {
		t.Fatal(err)
	}
	want := "ark:/97720/f81d4fae7dec11d0a76500a0c91e6bf6"
	if shadow != want {
		t.Errorf("got %q want %q", shadow, want)
	}
}

func TestValidateArkCanonicalizesLowercase(t *testing.T) {
	v, err := ValidateArk("ark:/13030/FK4X")
	if err != nil {
		t.Fatal(err)
	}
	if v != "/13030/fk4x" {
		t.Errorf("got %q want /13030/fk4x", v)
	}
}

func TestValidateDoiUppercasesSuffix(t *testing.T) {
	v, err := ValidateDoi("doi:10.5060/foo")
	if err != nil {
		t.Fatal(err)
	}
	if v != "10.5060/FOO" {
		t.Errorf("got %q want 10.5060/FOO", v)
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	cases := []string{"ark:13030/fk4", "doi:foo", "urn:uuid:not-a-uuid", "gopher://x"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got none", c)
		}
	}
}

func TestParseDispatchesByScheme(t *testing.T) {
	id, err := Parse("ark:/13030/fk4")
	if err != nil {
		t.Fatal(err)
	}
	if id.Scheme != SchemeArk || id.StorageKey() != "ark:/13030/fk4" {
		t.Errorf("unexpected parse result: %+v", id)
	}

	doi, err := Parse("doi:10.5060/FOO")
	if err != nil {
		t.Fatal(err)
	}
	if doi.Scheme != SchemeDoi || doi.StorageKey() != "ark:/b5060/foo" {
		t.Errorf("unexpected doi parse result: %+v", doi)
	}
}
