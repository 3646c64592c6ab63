package dicomtags

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestNormalize_FullTagsWrapper(t *testing.T) {
	raw := decode(t, `{
		"0010,0020": {"Name": "PatientID", "Type": "String", "Value": "P1 "},
		"0010,0010": {"Name": "PatientName", "Type": "String", "Value": "Doe^Jane"},
		"0008,0060": {"Name": "Modality", "Type": "String", "Value": "CT"},
		"0021,0010": {"Name": "Unknown Tag & Data", "Type": "String", "Value": "ORGX"},
		"0008,1111": {"Name": "ReferencedPerformedProcedureStepSequence", "Type": "Sequence", "Value": [{}]},
		"0028,0010": {"Name": "Rows", "Type": "String", "Value": "512"}
	}`)

	tags := Normalize(raw)

	if tags.Get(PatientID) != "P1" {
		t.Errorf("expected trimmed PatientID P1, got %q", tags.Get(PatientID))
	}
	if tags.Get(PatientName) != "Doe^Jane" {
		t.Errorf("expected raw PatientName, got %q", tags.Get(PatientName))
	}
	if tags.Get(Modality) != "CT" {
		t.Errorf("expected CT, got %q", tags.Get(Modality))
	}
	if tags.Get("0021,0010") != "ORGX" {
		t.Errorf("expected org slot ORGX, got %q", tags.Get("0021,0010"))
	}
	if _, ok := tags["0028,0010"]; ok {
		t.Error("expected unrelated tags to be dropped")
	}
	if len(tags) != 4 {
		t.Errorf("expected 4 fields, got %d: %v", len(tags), tags)
	}
}

func TestNormalize_SimplifiedAndMixed(t *testing.T) {
	raw := decode(t, `{
		"PatientID": "P1",
		"PatientName": "Doe^Jane",
		"0021,0010": "ORGX",
		"(0043,0011)": "LAB-A",
		"00210011": "",
		"ModalitiesInStudy": ["CT", "", "PT"],
		"NumberOfFrames": 12
	}`)

	tags := Normalize(raw)

	if tags.Get(PatientID) != "P1" || tags.Get("0021,0010") != "ORGX" {
		t.Errorf("unexpected tags %v", tags)
	}
	if tags.Get("0043,0011") != "LAB-A" {
		t.Errorf("expected parenthesized key normalized, got %v", tags)
	}
	if _, ok := tags["0021,0011"]; ok {
		t.Error("expected empty slot to be omitted")
	}
	if tags.Get(ModalitiesInStudy) != `CT\PT` {
		t.Errorf("expected multi-value joined, got %q", tags.Get(ModalitiesInStudy))
	}
}

func TestNormalize_UppercaseHexKey(t *testing.T) {
	tags := Normalize(map[string]any{"0021,0010": "A", "0043,0010": "B"})
	if tags.Get(OrganizationSlots[0]) != "A" || tags.Get(OrganizationSlots[1]) != "B" {
		t.Errorf("unexpected %v", tags)
	}
	tags = Normalize(map[string]any{"0008,103E": "ignored", "0008,1030": "Chest CT"})
	if tags.Get(StudyDescription) != "Chest CT" {
		t.Errorf("expected StudyDescription, got %v", tags)
	}
}

func TestNormalize_GroupElementBeatsKeyword(t *testing.T) {
	tags := Normalize(map[string]any{
		"0010,0020": map[string]any{"Value": "FROM-HEX"},
		"PatientID": "FROM-KEYWORD",
	})
	if tags.Get(PatientID) != "FROM-HEX" {
		t.Errorf("expected group/element value to win, got %q", tags.Get(PatientID))
	}
}

func TestNormalize_KeywordFillsEmptyHex(t *testing.T) {
	tags := Normalize(map[string]any{
		"0010,0020": map[string]any{"Value": nil},
		"PatientID": "P9",
	})
	if tags.Get(PatientID) != "P9" {
		t.Errorf("expected keyword to fill null group/element value, got %q", tags.Get(PatientID))
	}
}

func TestNormalize_PersonNameObject(t *testing.T) {
	tags := Normalize(decode(t, `{"PatientName": {"Alphabetic": "Roe^Rick"}}`))
	if tags.Get(PatientName) != "Roe^Rick" {
		t.Errorf("expected alphabetic component, got %q", tags.Get(PatientName))
	}
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0021,0010", "0021,0010", true},
		{"(0021,0010)", "0021,0010", true},
		{"00210010", "0021,0010", true},
		{"0008,103E", "0008,103e", true},
		{"PatientID", "", false},
		{"zzzz,0010", "", false},
	}
	for _, tt := range tests {
		got, ok := canonicalKey(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("canonicalKey(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMerge(t *testing.T) {
	got := Merge(Tags{PatientID: "P1"}, Tags{PatientID: "X", Modality: "MR"})
	if got[PatientID] != "P1" || got[Modality] != "MR" {
		t.Errorf("unexpected merge %v", got)
	}
}
