package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestItemRoundTrip(t *testing.T) {
	it := NewItem()
	it.SetAttr("PatientComments", "anonymized")
	it.SetAttr("BurnedInAnnotation", true)
	it.SetAttr("Rows", json.Number("512"))
	it.SetAttr("WindowCenter", json.Number("40.5"))
	it.SetAttr("RedactionMask", []byte{0x00, 0x01, 0xFF, 0x7E})

	ref := NewItem()
	ref.SetAttr("CodeValue", "113100")
	nested := NewItem()
	nested.SetAttr("CodeMeaning", "Basic Application Confidentiality Profile")
	ref.AddSequenceItem("NestedSeq", nested)
	it.AddSequenceItem("DeidentificationMethodCodeSequence", ref)

	data, err := MarshalItem(it)
	if err != nil {
		t.Fatalf("MarshalItem: %v", err)
	}

	var got Item
	if err := UnmarshalItem(data, &got); err != nil {
		t.Fatalf("UnmarshalItem: %v", err)
	}

	if got.Attributes["PatientComments"] != "anonymized" {
		t.Errorf("PatientComments = %v", got.Attributes["PatientComments"])
	}
	if got.Attributes["BurnedInAnnotation"] != true {
		t.Errorf("BurnedInAnnotation = %v", got.Attributes["BurnedInAnnotation"])
	}
	if n, ok := got.Attributes["Rows"].(json.Number); !ok || n.String() != "512" {
		t.Errorf("Rows = %#v, want json.Number 512", got.Attributes["Rows"])
	}
	if n, ok := got.Attributes["WindowCenter"].(json.Number); !ok || n.String() != "40.5" {
		t.Errorf("WindowCenter = %#v, want json.Number 40.5", got.Attributes["WindowCenter"])
	}
	if b, ok := got.Attributes["RedactionMask"].([]byte); !ok || !bytes.Equal(b, []byte{0x00, 0x01, 0xFF, 0x7E}) {
		t.Errorf("RedactionMask = %#v", got.Attributes["RedactionMask"])
	}

	seq := got.Sequences["DeidentificationMethodCodeSequence"]
	if len(seq) != 1 {
		t.Fatalf("sequence items = %d, want 1", len(seq))
	}
	if seq[0].Attributes["CodeValue"] != "113100" {
		t.Errorf("CodeValue = %v", seq[0].Attributes["CodeValue"])
	}
	inner := seq[0].Sequences["NestedSeq"]
	if len(inner) != 1 || inner[0].Attributes["CodeMeaning"] != "Basic Application Confidentiality Profile" {
		t.Errorf("nested sequence not preserved: %#v", inner)
	}
}

func TestBytesWrapperShape(t *testing.T) {
	it := NewItem()
	it.SetAttr("PixelPaddingValue", []byte{0xAB})
	data, err := MarshalItem(it)
	if err != nil {
		t.Fatalf("MarshalItem: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"__type__":"bytes"`) {
		t.Errorf("bytes value missing type marker: %s", s)
	}
	if !strings.Contains(s, `"data":"qw=="`) {
		t.Errorf("bytes value missing base64 payload: %s", s)
	}
}

func TestUnmarshalEmptyDocument(t *testing.T) {
	var it Item
	if err := UnmarshalItem([]byte(`{}`), &it); err != nil {
		t.Fatalf("UnmarshalItem: %v", err)
	}
	if len(it.Attributes) != 0 || len(it.Sequences) != 0 {
		t.Fatalf("empty document produced attributes: %#v", it)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var it Item
	if err := UnmarshalItem([]byte(`not json`), &it); err == nil {
		t.Fatalf("expected error for invalid document")
	}
}
