package discovery

import (
	"encoding/base64"
	"testing"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
)

func TestDecodeCursor_EmptyIsFirstPage(t *testing.T) {
	offset, err := decodeCursor("")
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}
}

func TestDecodeCursor_RoundTrip(t *testing.T) {
	cursor := encodeCursor(42)
	offset, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if offset != 42 {
		t.Errorf("offset = %d, want 42", offset)
	}
}

func TestDecodeCursor_MalformedBase64Rejected(t *testing.T) {
	_, err := decodeCursor("not-valid!!")
	if !bridgeerr.Is(err, bridgeerr.InvalidCursor) {
		t.Errorf("err = %v, want InvalidCursor", err)
	}
}

func TestDecodeCursor_MissingOffsetKeyRejected(t *testing.T) {
	cursor := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
	_, err := decodeCursor(cursor)
	if !bridgeerr.Is(err, bridgeerr.InvalidCursor) {
		t.Errorf("err = %v, want InvalidCursor for a cursor missing the \"o\" key", err)
	}
}

func TestDecodeCursor_NegativeOffsetRejected(t *testing.T) {
	cursor := base64.RawURLEncoding.EncodeToString([]byte(`{"o":-1}`))
	_, err := decodeCursor(cursor)
	if !bridgeerr.Is(err, bridgeerr.InvalidCursor) {
		t.Errorf("err = %v, want InvalidCursor for a negative offset", err)
	}
}

func TestDecodeCursor_NonNumericOffsetRejected(t *testing.T) {
	cursor := base64.RawURLEncoding.EncodeToString([]byte(`{"o":"not-a-number"}`))
	_, err := decodeCursor(cursor)
	if !bridgeerr.Is(err, bridgeerr.InvalidCursor) {
		t.Errorf("err = %v, want InvalidCursor for a non-numeric \"o\" field", err)
	}
}
