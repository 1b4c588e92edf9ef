package v1

import "testing"

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{name: "join", env: Envelope{V: Version, Type: TypeJoinDocument}, ok: true},
		{name: "remove", env: Envelope{V: Version, Type: DocumentRemoveType("doc-1")}, ok: true},
		{name: "remove without id", env: Envelope{V: Version, Type: "document:remove:"}, ok: false},
		{name: "missing version", env: Envelope{Type: TypeHello}, ok: false},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, ok: false},
		{name: "unknown", env: Envelope{V: Version, Type: "message_send"}, ok: false},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDocumentRemoveType(t *testing.T) {
	t.Parallel()

	typ := DocumentRemoveType("abc")
	if typ != "document:remove:abc" {
		t.Fatalf("typ=%q", typ)
	}
	id, ok := IsDocumentRemoveType(typ)
	if !ok || id != "abc" {
		t.Fatalf("IsDocumentRemoveType=%q,%v", id, ok)
	}
	if IsInbound(typ) {
		t.Fatalf("removal events are server-only")
	}
	if !IsInbound(TypeLeaveDocument) {
		t.Fatalf("leave-document is inbound")
	}
}
